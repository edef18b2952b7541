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

// Package imap binds the account storage to the embedded IMAP server:
// password and token logins, mailbox sets per account, message access.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	imapbackend "github.com/emersion/go-imap/backend"
	imapserver "github.com/emersion/go-imap/server"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"
	i18nlevel "github.com/foxcpp/go-imap-i18nlevel"
	namespace "github.com/foxcpp/go-imap-namespace"

	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/metrics"
	"github.com/themadorg/mailboat/internal/storagehub"
	"github.com/themadorg/mailboat/internal/usrsys"
)

// AuthTokenMech is the SASL mechanism name for token logins: the single
// response line is the token string.
const AuthTokenMech = "LOGIN-TOKEN"

// authAdminMech exists only to be refused: superuser tokens must not
// expose other users' mailboxes over IMAP.
const authAdminMech = "ADMIN-TOKEN"

type Config struct {
	// Addrs are the listen addresses, e.g. "0.0.0.0:8993".
	Addrs    []string
	Hostname string

	TLSConfig *tls.Config

	Hub  *storagehub.Hub
	Auth *usrsys.AuthProvider

	Log     log.Logger
	Metrics *metrics.Collector

	IODebug  bool
	IOErrors bool
}

type Endpoint struct {
	cfg  Config
	serv *imapserver.Server
	hub  *storagehub.Hub
	auth *usrsys.AuthProvider

	listeners   []net.Listener
	listenersWg sync.WaitGroup

	Log log.Logger
}

func New(cfg Config) *Endpoint {
	endp := &Endpoint{
		cfg:  cfg,
		hub:  cfg.Hub,
		auth: cfg.Auth,
		Log:  cfg.Log,
	}

	serv := imapserver.New(endp)
	serv.TLSConfig = cfg.TLSConfig
	if cfg.IOErrors {
		serv.ErrorLog = &endp.Log
	} else {
		serv.ErrorLog = log.Logger{Out: log.NopOutput{}}
	}
	if cfg.IODebug {
		serv.Debug = endp.Log.DebugWriter()
		endp.Log.Println("I/O debugging is on! It may leak passwords in logs, be careful!")
	}
	if cfg.TLSConfig == nil {
		serv.AllowInsecureAuth = true
	}

	serv.Enable(compress.NewExtension())
	serv.Enable(namespace.NewExtension())
	serv.Enable(i18nlevel.NewExtension())

	serv.EnableAuth(AuthTokenMech, func(c imapserver.Conn) sasl.Server {
		return &tokenSASL{endp: endp, conn: c}
	})
	serv.EnableAuth(authAdminMech, func(c imapserver.Conn) sasl.Server {
		return rejectSASL{}
	})

	endp.serv = serv
	return endp
}

// Start brings up the configured listeners.
func (endp *Endpoint) Start() error {
	for _, addr := range endp.cfg.Addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("imap: listen %s: %w", addr, err)
		}
		endp.Log.Printf("imap listening on %v", l.Addr())
		endp.listeners = append(endp.listeners, l)

		endp.listenersWg.Add(1)
		go func() {
			defer endp.listenersWg.Done()
			if err := endp.serv.Serve(l); err != nil && !strings.HasSuffix(err.Error(), "use of closed network connection") {
				endp.Log.Error("imap accept loop failed", err)
			}
		}()
	}
	return nil
}

// Serve runs the server on a caller-provided listener.
func (endp *Endpoint) Serve(l net.Listener) error {
	return endp.serv.Serve(l)
}

func (endp *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(endp.listeners))
	for _, l := range endp.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (endp *Endpoint) Close() error {
	for _, l := range endp.listeners {
		l.Close()
	}
	if err := endp.serv.Close(); err != nil {
		return err
	}
	endp.listenersWg.Wait()
	return nil
}

func (endp *Endpoint) I18NLevel() int {
	return 1
}

// Login implements the password path: verify the credentials, mint a
// session token scoped act_as_user and open the account.
func (endp *Endpoint) Login(connInfo *imap.ConnInfo, username, password string) (imapbackend.User, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	answer, err := endp.auth.Auth(ctx, usrsys.AuthRequest{
		Username:      username,
		Password:      password,
		RequestToken:  true,
		NewTokenScope: usrsys.Scope{usrsys.ScopeActAsUser},
	})
	endp.cfg.Metrics.AuthAttempt(err == nil && answer.Success)
	if err != nil {
		endp.Log.Error("authentication errored", err, "username", username, "src_ip", connInfo.RemoteAddr)
		return nil, fmt.Errorf("internal server error")
	}
	if !answer.Handled || !answer.Success {
		endp.Log.DebugMsg("authentication failed", "username", username, "src_ip", connInfo.RemoteAddr)
		return nil, imapbackend.ErrInvalidCredentials
	}

	return endp.openAccount(ctx, answer)
}

// loginToken validates a token credential. The token must cover
// act_as_user without being a superset of the mail administration
// scope.
func (endp *Endpoint) loginToken(ctx context.Context, token string) (imapbackend.User, error) {
	answer, err := endp.auth.Auth(ctx, usrsys.AuthRequest{Token: token})
	endp.cfg.Metrics.AuthAttempt(err == nil && answer.Success)
	if err != nil {
		endp.Log.Error("token authentication errored", err)
		return nil, fmt.Errorf("internal server error")
	}
	if !answer.Handled || !answer.Success {
		return nil, imapbackend.ErrInvalidCredentials
	}
	if !answer.Scope.IsSupersetOf(usrsys.Scope{usrsys.ScopeActAsUser}) ||
		answer.Scope.IsSupersetOf(usrsys.Scope{usrsys.ScopeMail}) {
		return nil, usrsys.ErrAuthorization
	}

	return endp.openAccount(ctx, answer)
}

func (endp *Endpoint) openAccount(ctx context.Context, answer usrsys.AuthAnswer) (imapbackend.User, error) {
	rec, id, err := endp.hub.Users.GetByProfileID(ctx, answer.ProfileID)
	if err != nil {
		endp.Log.Error("authenticated profile has no user record", err, "profile", answer.ProfileID)
		return nil, imapbackend.ErrInvalidCredentials
	}

	return &user{
		endp:       endp,
		id:         id,
		rec:        rec,
		token:      answer.Token,
		scope:      answer.Scope,
		subscribed: map[string]bool{mailboxInbox: true},
	}, nil
}

// tokenSASL is the LOGIN-TOKEN mechanism: one challenge, the response
// is the bare token.
type tokenSASL struct {
	endp *Endpoint
	conn imapserver.Conn
	done bool
}

func (s *tokenSASL) Next(response []byte) ([]byte, bool, error) {
	if s.done {
		return nil, true, errors.New("unexpected response")
	}
	if response == nil {
		return []byte("Token:"), false, nil
	}
	s.done = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	u, err := s.endp.loginToken(ctx, string(response))
	if err != nil {
		return nil, true, err
	}

	connCtx := s.conn.Context()
	connCtx.State = imap.AuthenticatedState
	connCtx.User = u
	return nil, true, nil
}

type rejectSASL struct{}

func (rejectSASL) Next([]byte) ([]byte, bool, error) {
	return nil, true, errors.New("mechanism not available")
}

func init() {
	imap.CharsetReader = message.CharsetReader
}
