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

// Package mailboat wires the mail server together: storage hub, auth
// provider, durable queue, transfer agent and the SMTP, IMAP and HTTP
// endpoints.
package mailboat

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/themadorg/mailboat/framework/dns"
	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/apigate"
	imapendp "github.com/themadorg/mailboat/internal/endpoint/imap"
	"github.com/themadorg/mailboat/internal/metrics"
	"github.com/themadorg/mailboat/internal/mta"
	"github.com/themadorg/mailboat/internal/routing"
	"github.com/themadorg/mailboat/internal/storagehub"
	"github.com/themadorg/mailboat/internal/usrsys"
)

// Version is overridden at link time for release builds.
var Version = "unknown (built from sources)"

type Config struct {
	// Hostname is this server's name, used for the SMTP greeting and
	// message-id generation. Required.
	Hostname string
	// MyDomains lists the domains considered local. Required.
	MyDomains []string

	// DatabasePath is the embedded database location, ":memory:" for
	// throwaway storage.
	DatabasePath string

	// SMTPAddr is the submission listener address.
	SMTPAddr string
	// SMTPAuthRequireTLS refuses AUTH on plaintext SMTP sessions.
	SMTPAuthRequireTLS bool

	IMAPAddrs []string

	// HTTPGateBinds lists the HTTP gate addresses; empty binds one
	// loopback listener on a random port.
	HTTPGateBinds []string

	TLSConfig *tls.Config
	Debug     bool

	// LogOutput overrides the log destination; nil logs to stderr.
	LogOutput log.Output

	// HashOpts overrides the password hashing cost, used by tests.
	HashOpts *usrsys.HashOpts
	// RemoteDelivery overrides the outgoing SMTP path, used by tests.
	RemoteDelivery mta.RemoteDeliveryFunc
}

// Mailboat is the assembled server. Construct with New, run with
// Start, stop with Shutdown.
type Mailboat struct {
	cfg Config

	hub    *storagehub.Hub
	auth   *usrsys.AuthProvider
	agent  *mta.TransferAgent
	smtp   *mta.SMTPServer
	imap   *imapendp.Endpoint
	gate   *apigate.Gate
	routes *routing.Overrides

	registry *prometheus.Registry
	metrics  *metrics.Collector

	Log log.Logger
}

func New(cfg Config) (*Mailboat, error) {
	if cfg.Hostname == "" {
		return nil, errors.New("mailboat: hostname is required")
	}
	if len(cfg.MyDomains) == 0 {
		return nil, errors.New("mailboat: mydomains is required")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "mailboat.db"
	}
	if cfg.SMTPAddr == "" {
		cfg.SMTPAddr = "0.0.0.0:8025"
	}

	logOut := cfg.LogOutput
	if logOut == nil {
		logOut = log.DefaultLogger.Out
	}
	rootLog := log.Logger{Out: logOut, Name: "mailboat", Debug: cfg.Debug}

	hub, err := storagehub.Open(cfg.DatabasePath, cfg.Debug)
	if err != nil {
		return nil, err
	}
	hub.Log = rootLog.Sublogger("storagehub")
	if cfg.HashOpts != nil {
		hub.HashOpts = *cfg.HashOpts
	}

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)

	auth := hub.AuthProvider()
	auth.Log = rootLog.Sublogger("auth")

	queueCol, err := hub.QueueCollection("mta")
	if err != nil {
		hub.Close()
		return nil, err
	}
	queue, err := mta.NewStorageQueue(context.Background(), queueCol)
	if err != nil {
		hub.Close()
		return nil, err
	}

	routesCol, err := hub.Collection("routing.overrides")
	if err != nil {
		hub.Close()
		return nil, err
	}
	routes := routing.New(routesCol)
	routes.Log = rootLog.Sublogger("routing")

	remote := cfg.RemoteDelivery
	if remote == nil {
		deliverer := &mta.RemoteDeliverer{
			Hostname:  cfg.Hostname,
			Resolver:  dns.DefaultResolver(),
			TLSConfig: cfg.TLSConfig,
			Log:       rootLog.Sublogger("remote"),
			Overrides: routes,
		}
		remote = deliverer.Deliver
	}

	agent := mta.NewTransferAgent(mta.AgentConfig{
		Hostname:  cfg.Hostname,
		MyDomains: cfg.MyDomains,
		Queue:     queue,
		Local: func(ctx context.Context, rcpt, messageID string, raw []byte) error {
			return hub.DeliverLocal(ctx, rcpt, messageID, string(raw))
		},
		Remote:  remote,
		Log:     rootLog.Sublogger("mta"),
		Metrics: collector,
	})

	smtp := mta.NewSMTPServer(mta.SMTPConfig{
		Hostname:       cfg.Hostname,
		Addr:           cfg.SMTPAddr,
		AuthRequireTLS: cfg.SMTPAuthRequireTLS,
		TLSConfig:      cfg.TLSConfig,
		Auth:           auth,
		Agent:          agent,
		Log:            rootLog.Sublogger("smtp"),
		Metrics:        collector,
	})

	imap := imapendp.New(imapendp.Config{
		Addrs:     cfg.IMAPAddrs,
		Hostname:  cfg.Hostname,
		TLSConfig: cfg.TLSConfig,
		Hub:       hub,
		Auth:      auth,
		Log:       rootLog.Sublogger("imap"),
		Metrics:   collector,
	})

	gate := apigate.New(apigate.Config{
		Binds:    cfg.HTTPGateBinds,
		Gatherer: registry,
		Log:      rootLog.Sublogger("apigate"),
	})

	return &Mailboat{
		cfg:      cfg,
		hub:      hub,
		auth:     auth,
		agent:    agent,
		smtp:     smtp,
		imap:     imap,
		gate:     gate,
		routes:   routes,
		registry: registry,
		metrics:  collector,
		Log:      rootLog,
	}, nil
}

// Start brings up all listeners. On error everything already started is
// torn down.
func (m *Mailboat) Start() error {
	if err := m.smtp.Start(); err != nil {
		m.Shutdown()
		return err
	}
	if err := m.imap.Start(); err != nil {
		m.Shutdown()
		return err
	}
	if err := m.gate.Start(); err != nil {
		m.Shutdown()
		return err
	}
	m.Log.Printf("mailboat %s ready, hostname %s", Version, m.cfg.Hostname)
	return nil
}

// Shutdown stops accepting, lets in-flight deliveries settle and closes
// the storage. Unfinished envelopes stay queued for the next start.
func (m *Mailboat) Shutdown() error {
	var last error
	if err := m.smtp.Close(); err != nil {
		last = err
	}
	if err := m.imap.Close(); err != nil {
		last = err
	}
	if err := m.gate.Close(); err != nil {
		last = err
	}
	m.agent.Destroy()
	if err := m.hub.Close(); err != nil {
		last = err
	}
	return last
}

// Hub exposes the storage hub for management commands and tests.
func (m *Mailboat) Hub() *storagehub.Hub {
	return m.hub
}

// Routes exposes the delivery route override table for management
// commands.
func (m *Mailboat) Routes() *routing.Overrides {
	return m.routes
}

// CreateUser registers a local account.
func (m *Mailboat) CreateUser(ctx context.Context, username, password, email string) error {
	_, err := m.hub.CreateUser(ctx, username, password, email)
	return err
}

func (m *Mailboat) SMTPAddr() net.Addr {
	return m.smtp.Addr()
}

func (m *Mailboat) IMAPAddrs() []net.Addr {
	return m.imap.Addrs()
}

func (m *Mailboat) HTTPAddrs() []net.Addr {
	return m.gate.Addrs()
}
