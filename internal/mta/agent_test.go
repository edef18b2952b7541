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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/themadorg/mailboat/framework/exterrors"
	"github.com/themadorg/mailboat/framework/log"
)

type delivery struct {
	rcpt string
	raw  []byte
}

type testAgent struct {
	*TransferAgent
	local  chan delivery
	remote chan delivery
}

func newTestAgent(t *testing.T, cfg AgentConfig) *testAgent {
	t.Helper()

	ta := &testAgent{
		local:  make(chan delivery, 16),
		remote: make(chan delivery, 16),
	}

	if cfg.Queue == nil {
		cfg.Queue = NewMemoryQueue()
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "mx.example.org"
	}
	if cfg.MyDomains == nil {
		cfg.MyDomains = []string{"example.org"}
	}
	if cfg.MaxInFlight == 0 {
		// Serialize deliveries so tests can assert on order.
		cfg.MaxInFlight = 1
	}
	cfg.Log = log.Logger{Out: log.NopOutput{}}
	if cfg.Local == nil {
		cfg.Local = func(ctx context.Context, rcpt, messageID string, raw []byte) error {
			ta.local <- delivery{rcpt: rcpt, raw: raw}
			return nil
		}
	}
	if cfg.Remote == nil {
		cfg.Remote = func(ctx context.Context, rcpt string, m *Message) error {
			ta.remote <- delivery{rcpt: rcpt, raw: m.Bytes()}
			return nil
		}
	}

	ta.TransferAgent = NewTransferAgent(cfg)
	t.Cleanup(ta.Destroy)
	return ta
}

func testMessage(t *testing.T, headers ...string) *Message {
	t.Helper()
	raw := strings.Join(headers, "\r\n") + "\r\n\r\nHello.\r\n"
	m, err := ReadMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return m
}

func waitDelivery(t *testing.T, ch chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return delivery{}
	}
}

func expectNoDelivery(t *testing.T, ch chan delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery to %s", d.rcpt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleMessageFanOut(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	m := testMessage(t,
		"Message-Id: <fanout@example.org>",
		"From: sender@example.org",
		"To: alice@example.org",
		"Cc: bob@example.org",
	)

	if err := a.HandleMessage(context.Background(), m, true); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	for _, want := range []string{"alice@example.org", "bob@example.org"} {
		d := waitDelivery(t, a.local)
		if d.rcpt != want {
			t.Errorf("delivered to %s, want %s", d.rcpt, want)
		}
		env, err := ReadMessage(d.raw)
		if err != nil {
			t.Fatalf("ReadMessage(delivered): %v", err)
		}
		if got := env.Header.Get("Delivered-To"); got != want {
			t.Errorf("Delivered-To = %q, want %q", got, want)
		}
	}
}

func TestRelayDeniedForRemotePeer(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	m := testMessage(t,
		"Message-Id: <relay@example.org>",
		"From: spammer@evil.test",
		"To: victim@elsewhere.test, alice@example.org",
		"X-Peer: 203.0.113.5:51234",
	)

	if err := a.HandleMessage(context.Background(), m, false); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	// The local recipient is still served; the remote one must not be.
	d := waitDelivery(t, a.local)
	if d.rcpt != "alice@example.org" {
		t.Errorf("local delivery to %s, want alice@example.org", d.rcpt)
	}
	expectNoDelivery(t, a.remote)
}

func TestRelayAllowedForLoopbackPeer(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	m := testMessage(t,
		"Message-Id: <loop@example.org>",
		"From: alice@example.org",
		"To: friend@elsewhere.test",
		"X-Peer: 127.0.0.1:51234",
	)

	if err := a.HandleMessage(context.Background(), m, false); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	d := waitDelivery(t, a.remote)
	if d.rcpt != "friend@elsewhere.test" {
		t.Errorf("remote delivery to %s, want friend@elsewhere.test", d.rcpt)
	}
}

func TestRelayAllowedForIPv6Loopback(t *testing.T) {
	if !isLoopbackPeer("[::1]:40000") {
		t.Error("[::1]:40000 not recognized as loopback")
	}
	if isLoopbackPeer("[2001:db8::1]:40000") {
		t.Error("[2001:db8::1]:40000 wrongly recognized as loopback")
	}
}

func TestBccVisibility(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	m := testMessage(t,
		"Message-Id: <bcc@example.org>",
		"From: sender@example.org",
		"To: alice@example.org",
		"Bcc: bob@example.org, carol@example.org",
	)

	if err := a.HandleMessage(context.Background(), m, true); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	for _, want := range []string{"alice@example.org", "bob@example.org", "carol@example.org"} {
		d := waitDelivery(t, a.local)
		if d.rcpt != want {
			t.Fatalf("delivered to %s, want %s", d.rcpt, want)
		}
		env, err := ReadMessage(d.raw)
		if err != nil {
			t.Fatalf("ReadMessage(delivered): %v", err)
		}
		// Each copy carries only its own recipient in Bcc; the other
		// blind recipients stay hidden.
		if got := env.Header.Get("Bcc"); got != want {
			t.Errorf("Bcc for %s = %q, want %q", want, got, want)
		}
	}
}

func TestMissingMessageIDDropped(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	m := testMessage(t,
		"From: sender@example.org",
		"To: alice@example.org",
	)

	if err := a.HandleMessage(context.Background(), m, true); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	expectNoDelivery(t, a.local)
	if n := a.Queue().Len(); n != 0 {
		t.Errorf("queue Len = %d, want 0", n)
	}
}

func TestBadAddressHeaderDropped(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	m := testMessage(t,
		"Message-Id: <bad@example.org>",
		"From: sender@example.org",
		"To: not an address at all <<<",
	)

	if err := a.HandleMessage(context.Background(), m, true); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	expectNoDelivery(t, a.local)
	if n := a.Queue().Len(); n != 0 {
		t.Errorf("queue Len = %d, want 0", n)
	}
}

func TestRetryBackoffClamped(t *testing.T) {
	a := &TransferAgent{retryBase: time.Minute}

	if got := a.retryBackoff(1); got != time.Minute {
		t.Errorf("backoff(1) = %v, want %v", got, time.Minute)
	}
	if got := a.retryBackoff(3); got != 4*time.Minute {
		t.Errorf("backoff(3) = %v, want %v", got, 4*time.Minute)
	}
	// Attempt counts past the doubling range must saturate at the cap,
	// never wrap into a negative interval that fires immediately.
	for _, attempts := range []int{7, 41, 64, 1000} {
		if got := a.retryBackoff(attempts); got != time.Hour {
			t.Errorf("backoff(%d) = %v, want %v", attempts, got, time.Hour)
		}
	}
}

func TestRemoteRetryThenGiveUp(t *testing.T) {
	attempts := make(chan int, 16)
	a := newTestAgent(t, AgentConfig{
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		Remote: func(ctx context.Context, rcpt string, m *Message) error {
			attempts <- 1
			return errors.New("mailbox busy")
		},
	})
	m := testMessage(t,
		"Message-Id: <retry@example.org>",
		"From: alice@example.org",
		"To: friend@elsewhere.test",
	)

	if err := a.HandleMessage(context.Background(), m, true); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-attempts:
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt %d never happened", i+1)
		}
	}
	select {
	case <-attempts:
		t.Error("delivery attempted beyond MaxAttempts")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRemotePermanentFailureDropped(t *testing.T) {
	attempts := make(chan int, 16)
	a := newTestAgent(t, AgentConfig{
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		Remote: func(ctx context.Context, rcpt string, m *Message) error {
			attempts <- 1
			return exterrors.WithTemporary(errors.New("user unknown"), false)
		},
	})
	m := testMessage(t,
		"Message-Id: <perm@example.org>",
		"From: alice@example.org",
		"To: nobody@elsewhere.test",
	)

	if err := a.HandleMessage(context.Background(), m, true); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	select {
	case <-attempts:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never attempted")
	}
	select {
	case <-attempts:
		t.Error("permanent failure was retried")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLocalDeliveryStripsRoutingHeaders(t *testing.T) {
	a := newTestAgent(t, AgentConfig{})
	m := testMessage(t,
		"Message-Id: <strip@example.org>",
		"From: sender@example.org",
		"To: alice@example.org",
		"X-Peer: 127.0.0.1:50000",
		"X-MailFrom: sender@example.org",
		"X-RcptTo: alice@example.org",
	)

	if err := a.HandleMessage(context.Background(), m, false); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	d := waitDelivery(t, a.local)
	env, err := ReadMessage(d.raw)
	if err != nil {
		t.Fatalf("ReadMessage(delivered): %v", err)
	}
	for _, h := range []string{"X-Peer", "X-Mailfrom", "X-Rcptto"} {
		if env.Header.Has(h) {
			t.Errorf("%s header leaked into the mailbox copy", h)
		}
	}
}
