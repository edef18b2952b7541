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

package mta

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/metrics"
	"github.com/themadorg/mailboat/internal/usrsys"
)

type SMTPConfig struct {
	// Hostname is used in the greeting banner.
	Hostname string
	// Addr is the listen address, e.g. "0.0.0.0:8025".
	Addr string

	// AuthRequireTLS suppresses AUTH on plaintext sessions. Defaults
	// to true in the entry configuration; disable only for tests.
	AuthRequireTLS bool
	TLSConfig      *tls.Config

	Auth  *usrsys.AuthProvider
	Agent *TransferAgent

	Log     log.Logger
	Metrics *metrics.Collector

	MaxMessageBytes int64
}

// SMTPServer is the ingress endpoint: it accepts submissions and hands
// complete messages to the transfer agent.
type SMTPServer struct {
	cfg      SMTPConfig
	serv     *smtp.Server
	listener net.Listener
	log      log.Logger
}

func NewSMTPServer(cfg SMTPConfig) *SMTPServer {
	s := &SMTPServer{cfg: cfg, log: cfg.Log}

	serv := smtp.NewServer(s)
	serv.Addr = cfg.Addr
	serv.Domain = cfg.Hostname
	serv.TLSConfig = cfg.TLSConfig
	serv.AllowInsecureAuth = !cfg.AuthRequireTLS
	serv.ReadTimeout = 10 * time.Minute
	serv.WriteTimeout = 1 * time.Minute
	serv.MaxRecipients = 255
	serv.MaxMessageBytes = cfg.MaxMessageBytes
	if serv.MaxMessageBytes == 0 {
		serv.MaxMessageBytes = 32 * 1024 * 1024
	}
	serv.ErrorLog = s.log
	s.serv = serv
	return s
}

// Start begins accepting connections. The effective address is
// available through Addr once Start returned.
func (s *SMTPServer) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mta: smtp listen: %w", err)
	}
	s.listener = l
	s.log.Printf("smtp listening on %v", l.Addr())
	go func() {
		if err := s.serv.Serve(l); err != nil && !strings.Contains(err.Error(), "use of closed") {
			s.log.Error("smtp accept loop failed", err)
		}
	}()
	return nil
}

func (s *SMTPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *SMTPServer) Close() error {
	return s.serv.Close()
}

// NewSession implements smtp.Backend.
func (s *SMTPServer) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{endp: s, conn: c}, nil
}

type session struct {
	endp *SMTPServer
	conn *smtp.Conn

	username string
	mailFrom string
	rcpts    []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return &smtp.SMTPError{
					Code:         535,
					EnhancedCode: smtp.EnhancedCode{5, 7, 8},
					Message:      "Invalid credentials",
				}
			}
			return s.login(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.login(username, password)
		}), nil
	}
	return nil, fmt.Errorf("mta: unsupported auth mechanism %s", mech)
}

func (s *session) login(username, password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	answer, err := s.endp.cfg.Auth.Auth(ctx, usrsys.AuthRequest{
		Username: username,
		Password: password,
	})
	s.endp.cfg.Metrics.AuthAttempt(err == nil && answer.Success)
	if err != nil {
		s.endp.log.Error("authentication errored", err, "username", username)
		return &smtp.SMTPError{
			Code:         454,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Temporary authentication failure",
		}
	}
	if !answer.Handled || !answer.Success {
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Invalid credentials",
		}
	}

	s.username = username
	return nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.mailFrom = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data accepts the message and forwards it to the transfer agent. The
// agent decides recipient-by-recipient what is deliverable; the dialog
// answers 250 even when everything is dropped, exactly like a silently
// discarding relay.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m, err := ReadMessage(raw)
	if err != nil {
		s.endp.log.Error("discarding unparsable message", err, "peer", s.peer())
		return nil
	}

	for _, h := range []string{"X-Peer", "X-Mailfrom", "X-Rcptto"} {
		m.Header.Del(h)
	}
	m.Header.Add("X-Peer", s.peer())
	m.Header.Add("X-MailFrom", s.mailFrom)
	m.Header.Add("X-RcptTo", strings.Join(s.rcpts, ", "))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.endp.cfg.Agent.HandleMessage(ctx, m, false); err != nil {
		s.endp.log.Error("message handoff failed", err, "peer", s.peer())
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary server error",
		}
	}
	return nil
}

func (s *session) peer() string {
	if c := s.conn.Conn(); c != nil {
		return c.RemoteAddr().String()
	}
	return ""
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}
