/*
Mailboat - self-hosted mail server.
Copyright © 2020-2024 Mailboat contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/themadorg/mailboat"
	"github.com/themadorg/mailboat/framework/log"
)

// fileConfig is the YAML configuration file shape.
type fileConfig struct {
	Hostname  string   `yaml:"hostname"`
	MyDomains []string `yaml:"mydomains"`
	Database  string   `yaml:"database"`

	SMTP struct {
		Addr           string `yaml:"addr"`
		AuthRequireTLS *bool  `yaml:"auth_require_tls"`
	} `yaml:"smtp"`

	IMAP struct {
		Addrs []string `yaml:"addrs"`
	} `yaml:"imap"`

	HTTP struct {
		Binds []string `yaml:"binds"`
	} `yaml:"http"`

	TLS struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"tls"`

	Log struct {
		Format string `yaml:"format"`
	} `yaml:"log"`

	Debug bool `yaml:"debug"`
}

func loadConfig(path string, debug bool) (mailboat.Config, error) {
	var fc fileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return mailboat.Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, &fc); err != nil {
		return mailboat.Config{}, fmt.Errorf("cannot parse %s: %w", path, err)
	}

	cfg := mailboat.Config{
		Hostname:      fc.Hostname,
		MyDomains:     fc.MyDomains,
		DatabasePath:  fc.Database,
		SMTPAddr:      fc.SMTP.Addr,
		IMAPAddrs:     fc.IMAP.Addrs,
		HTTPGateBinds: fc.HTTP.Binds,
		Debug:         fc.Debug || debug,
	}

	// AUTH over plaintext is refused unless the file opts out.
	cfg.SMTPAuthRequireTLS = true
	if fc.SMTP.AuthRequireTLS != nil {
		cfg.SMTPAuthRequireTLS = *fc.SMTP.AuthRequireTLS
	}

	if fc.TLS.Cert != "" || fc.TLS.Key != "" {
		cert, err := tls.LoadX509KeyPair(fc.TLS.Cert, fc.TLS.Key)
		if err != nil {
			return mailboat.Config{}, fmt.Errorf("cannot load TLS keypair: %w", err)
		}
		cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	switch fc.Log.Format {
	case "", "plain":
	case "json":
		cfg.LogOutput = log.ZapJSONOutput(os.Stderr)
	default:
		return mailboat.Config{}, fmt.Errorf("unknown log format %q", fc.Log.Format)
	}

	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.Path("config"), c.Bool("debug"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	m, err := mailboat.New(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if err := m.Start(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	m.Log.Printf("signal received (%v), next signal will force immediate shutdown", s)
	signal.Stop(sig)

	if err := m.Shutdown(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// openManagement builds a server instance for commands that work on the
// database directly, without bringing the listeners up.
func openManagement(c *cli.Context) (*mailboat.Mailboat, mailboat.Config, error) {
	cfg, err := loadConfig(c.Path("config"), false)
	if err != nil {
		return nil, cfg, err
	}
	cfg.SMTPAddr = "127.0.0.1:0"
	m, err := mailboat.New(cfg)
	return m, cfg, err
}

func usersCreate(c *cli.Context) error {
	username := c.Args().First()
	if username == "" {
		return cli.Exit("usage: mailboat users create <username>", 2)
	}
	password := c.String("password")
	if password == "" {
		return cli.Exit("a password is required (use --password)", 2)
	}

	m, cfg, err := openManagement(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer m.Shutdown()

	email := c.String("email")
	if email == "" && len(cfg.MyDomains) > 0 {
		email = username + "@" + cfg.MyDomains[0]
	}

	if err := m.CreateUser(context.Background(), username, password, email); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("created user %s (%s)\n", username, email)
	return nil
}

func routesSet(c *cli.Context) error {
	key, target := c.Args().Get(0), c.Args().Get(1)
	if key == "" || target == "" {
		return cli.Exit("usage: mailboat routes set <domain-or-ip> <target-host>", 2)
	}

	m, _, err := openManagement(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer m.Shutdown()

	if err := m.Routes().Set(context.Background(), key, target, c.String("comment")); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("mail for %s now routes to %s\n", key, target)
	return nil
}

func routesRemove(c *cli.Context) error {
	key := c.Args().First()
	if key == "" {
		return cli.Exit("usage: mailboat routes remove <domain-or-ip>", 2)
	}

	m, _, err := openManagement(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer m.Shutdown()

	if err := m.Routes().Remove(context.Background(), key); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("removed route override for %s\n", key)
	return nil
}

func routesList(c *cli.Context) error {
	m, _, err := openManagement(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer m.Shutdown()

	overrides, err := m.Routes().List(context.Background())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	for _, ov := range overrides {
		if ov.Comment != "" {
			fmt.Printf("%s -> %s (%s)\n", ov.LookupKey, ov.TargetHost, ov.Comment)
		} else {
			fmt.Printf("%s -> %s\n", ov.LookupKey, ov.TargetHost)
		}
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "mailboat"
	app.Usage = "self-hosted mail server"
	app.Version = mailboat.Version
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "configuration file to use",
			EnvVars: []string{"MAILBOAT_CONFIG"},
			Value:   "/etc/mailboat/mailboat.yml",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging early",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "Start the server",
			Action: run,
		},
		{
			Name:  "users",
			Usage: "Manage local accounts",
			Subcommands: []*cli.Command{
				{
					Name:      "create",
					Usage:     "Register a local account",
					ArgsUsage: "<username>",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "password", Usage: "account password"},
						&cli.StringFlag{Name: "email", Usage: "delivery address (defaults to username@<first mydomain>)"},
					},
					Action: usersCreate,
				},
			},
		},
		{
			Name:  "routes",
			Usage: "Manage delivery route overrides",
			Subcommands: []*cli.Command{
				{
					Name:      "set",
					Usage:     "Route mail for a domain or IP to a specific host",
					ArgsUsage: "<domain-or-ip> <target-host>",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "comment", Usage: "note shown in the route list"},
					},
					Action: routesSet,
				},
				{
					Name:      "remove",
					Usage:     "Remove a route override",
					ArgsUsage: "<domain-or-ip>",
					Action:    routesRemove,
				},
				{
					Name:   "list",
					Usage:  "List route overrides",
					Action: routesList,
				},
			},
		},
		{
			Name:  "version",
			Usage: "Print version and exit",
			Action: func(c *cli.Context) error {
				fmt.Println(mailboat.Version)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("fatal", err)
		os.Exit(1)
	}
}
