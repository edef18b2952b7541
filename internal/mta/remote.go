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
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/themadorg/mailboat/framework/address"
	"github.com/themadorg/mailboat/framework/dns"
	"github.com/themadorg/mailboat/framework/exterrors"
	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/routing"
)

type tlsMode int

const (
	modeImplicitTLS tlsMode = iota
	modeSTARTTLS
	modePlaintext
)

func (m tlsMode) String() string {
	switch m {
	case modeImplicitTLS:
		return "tls"
	case modeSTARTTLS:
		return "starttls"
	default:
		return "plaintext"
	}
}

// RemoteDeliverer forwards envelopes to the recipient domain's MX over
// SMTP, escalating through three connection modes: implicit TLS,
// opportunistic STARTTLS, plaintext. A remote authentication rejection
// aborts the whole chain; any other failure falls through to the next
// mode.
type RemoteDeliverer struct {
	// Hostname is this server's name for the HELO greeting.
	Hostname  string
	Resolver  dns.Resolver
	TLSConfig *tls.Config
	Log       log.Logger

	// Overrides short-circuits MX resolution for destinations the
	// operator routed explicitly. Optional.
	Overrides *routing.Overrides

	// SMTPPort and SMTPSPort exist so tests can point delivery at
	// local listeners. Zero values select 25 and 465.
	SMTPPort  string
	SMTPSPort string
}

func (d *RemoteDeliverer) ports() (smtpPort, smtpsPort string) {
	smtpPort, smtpsPort = d.SMTPPort, d.SMTPSPort
	if smtpPort == "" {
		smtpPort = "25"
	}
	if smtpsPort == "" {
		smtpsPort = "465"
	}
	return
}

// Deliver sends the envelope to rcpt. The outgoing copy is stripped of
// the internal routing headers before it leaves the machine.
func (d *RemoteDeliverer) Deliver(ctx context.Context, rcpt string, m *Message) error {
	out := m.Copy()
	mailFrom := out.Header.Get("X-Mailfrom")
	for _, h := range []string{"X-Peer", "X-Mailfrom", "X-Rcptto", "Delivered-To"} {
		out.Header.Del(h)
	}
	if mailFrom == "" {
		if list, err := out.AddressList("From"); err == nil && len(list) > 0 {
			mailFrom = list[0].Address
		} else {
			mailFrom = "postmaster@" + d.Hostname
		}
	}

	_, domain, err := address.Split(rcpt)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("mta: bad remote recipient %q: %w", rcpt, err), false)
	}

	hosts := d.lookupMX(ctx, domain)
	raw := out.Bytes()

	var lastErr error
	for _, host := range hosts {
		err := d.deliverToHost(ctx, host, mailFrom, rcpt, raw)
		if err == nil {
			return nil
		}
		if !exterrors.IsTemporaryOrUnspec(err) {
			return err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("mta: no MX candidates for %s", domain)
	}
	return exterrors.WithTemporary(exterrors.WithFields(lastErr, map[string]interface{}{
		"rcpt":   rcpt,
		"domain": domain,
	}), true)
}

// lookupMX returns delivery candidates in preference order. An operator
// route override wins over DNS; without one the MX set is used, falling
// back to the domain itself when no MX records exist.
func (d *RemoteDeliverer) lookupMX(ctx context.Context, domain string) []string {
	if d.Overrides != nil {
		target, ok, err := d.Overrides.Resolve(ctx, domain)
		if err != nil {
			d.Log.Error("route override lookup failed", err, "domain", domain)
		} else if ok {
			return []string{target}
		}
	}

	mxs, err := d.Resolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		if err != nil {
			d.Log.DebugMsg("MX lookup failed, using domain", "domain", domain, "reason", err.Error())
		}
		return []string{domain}
	}
	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
	}
	return hosts
}

func (d *RemoteDeliverer) deliverToHost(ctx context.Context, host, mailFrom, rcpt string, raw []byte) error {
	var lastErr error
	for _, mode := range []tlsMode{modeImplicitTLS, modeSTARTTLS, modePlaintext} {
		err := d.attempt(ctx, mode, host, mailFrom, rcpt, raw)
		if err == nil {
			return nil
		}
		if isAuthError(err) {
			// Do not retry an authentication rejection with a weaker
			// connection mode.
			return exterrors.WithTemporary(exterrors.WithFields(err, map[string]interface{}{
				"remote_server": host,
				"conn_mode":     mode.String(),
			}), false)
		}
		d.Log.DebugMsg("delivery attempt failed",
			"remote_server", host, "conn_mode", mode.String(), "reason", err.Error())
		lastErr = err
	}
	return exterrors.WithTemporary(lastErr, true)
}

func (d *RemoteDeliverer) attempt(ctx context.Context, mode tlsMode, host, mailFrom, rcpt string, raw []byte) error {
	smtpPort, smtpsPort := d.ports()

	port := smtpPort
	if mode == modeImplicitTLS {
		port = smtpsPort
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}

	cfg := d.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	if mode == modeImplicitTLS {
		conn = tls.Client(conn, cfg)
	}

	cl := smtp.NewClient(conn)
	defer cl.Close()

	if err := cl.Hello(d.Hostname); err != nil {
		return err
	}
	if mode == modeSTARTTLS {
		if err := cl.StartTLS(cfg); err != nil {
			return err
		}
	}

	if err := cl.Mail(mailFrom, nil); err != nil {
		return err
	}
	if err := cl.Rcpt(rcpt, nil); err != nil {
		return err
	}
	w, err := cl.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return cl.Quit()
}

// isAuthError matches the SMTP reply codes a server uses to reject
// authentication (RFC 4954).
func isAuthError(err error) bool {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return false
	}
	switch smtpErr.Code {
	case 530, 534, 535, 538:
		return true
	}
	return false
}
