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
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/themadorg/mailboat/framework/address"
	"github.com/themadorg/mailboat/framework/exterrors"
	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/metrics"
)

// LocalDeliveryFunc places a message into the recipient's local
// mailbox.
type LocalDeliveryFunc func(ctx context.Context, rcpt, messageID string, raw []byte) error

// RemoteDeliveryFunc forwards one envelope to the recipient's MX.
type RemoteDeliveryFunc func(ctx context.Context, rcpt string, m *Message) error

type AgentConfig struct {
	Hostname  string
	MyDomains []string

	Queue  EmailQueue
	Local  LocalDeliveryFunc
	Remote RemoteDeliveryFunc

	Log     log.Logger
	Metrics *metrics.Collector

	// MaxAttempts bounds remote delivery attempts per envelope
	// (default 5), RetryBase is the first backoff interval (default 1
	// minute, doubling per attempt).
	MaxAttempts int
	RetryBase   time.Duration
	// MaxInFlight bounds concurrent deliveries (default 16).
	MaxInFlight int64
}

// TransferAgent owns the delivery queue and the background worker that
// drains it. Envelopes enter through HandleMessage, one per recipient.
type TransferAgent struct {
	hostname  string
	mydomains map[string]struct{}

	queue   EmailQueue
	local   LocalDeliveryFunc
	remote  RemoteDeliveryFunc
	log     log.Logger
	metrics *metrics.Collector

	maxAttempts int
	retryBase   time.Duration
	inFlight    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransferAgent wires the agent and starts its delivery worker.
func NewTransferAgent(cfg AgentConfig) *TransferAgent {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Minute
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 16
	}

	mydomains := make(map[string]struct{}, len(cfg.MyDomains))
	for _, d := range cfg.MyDomains {
		mydomains[strings.ToLower(d)] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &TransferAgent{
		hostname:    cfg.Hostname,
		mydomains:   mydomains,
		queue:       cfg.Queue,
		local:       cfg.Local,
		remote:      cfg.Remote,
		log:         cfg.Log,
		metrics:     cfg.Metrics,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		inFlight:    semaphore.NewWeighted(cfg.MaxInFlight),
		ctx:         ctx,
		cancel:      cancel,
	}

	a.wg.Add(1)
	go a.run()
	return a
}

// Destroy stops the delivery worker and waits for in-flight deliveries
// to settle. Unfinished envelopes stay in the queue for replay.
func (a *TransferAgent) Destroy() {
	a.queue.Close()
	a.cancel()
	a.wg.Wait()
}

// Queue exposes the owned queue for inspection, primarily by tests and
// the admin surface.
func (a *TransferAgent) Queue() EmailQueue {
	return a.queue
}

func (a *TransferAgent) isLocal(domain string) bool {
	_, ok := a.mydomains[strings.ToLower(domain)]
	return ok
}

// isLoopbackPeer reports whether the X-Peer header value names a
// loopback submitter. Values look like "127.0.0.1:53412" or
// "[::1]:53412" depending on the listener.
func isLoopbackPeer(peer string) bool {
	peer = strings.TrimPrefix(peer, "[")
	return strings.HasPrefix(peer, "127.0.0.1") ||
		strings.HasPrefix(peer, "::1") ||
		strings.HasPrefix(peer, "localhost")
}

// HandleMessage fans a submitted message out into per-recipient queue
// envelopes. Recipients come from the To, Cc and Bcc headers, in that
// order. Messages without a Message-Id and messages with unparsable
// address headers are dropped without error: the submitting SMTP dialog
// already succeeded.
func (a *TransferAgent) HandleMessage(ctx context.Context, m *Message, internal bool) error {
	msgID := m.MessageID()
	if msgID == "" {
		a.log.DebugMsg("message without Message-Id dropped")
		return nil
	}

	var rcpts []string
	for _, key := range []string{"To", "Cc", "Bcc"} {
		list, err := m.AddressList(key)
		if err != nil {
			a.log.Error("message dropped", err, "msg_id", msgID)
			return nil
		}
		for _, ad := range list {
			rcpts = append(rcpts, ad.Address)
		}
	}

	relayAllowed := internal || isLoopbackPeer(m.Header.Get("X-Peer"))
	for _, rcpt := range rcpts {
		_, domain, err := address.Split(rcpt)
		if err != nil {
			a.log.DebugMsg("skipping malformed recipient", "rcpt", rcpt, "msg_id", msgID)
			continue
		}
		if !a.isLocal(domain) && !relayAllowed {
			a.log.Msg("relay denied", "rcpt", rcpt, "msg_id", msgID, "peer", m.Header.Get("X-Peer"))
			continue
		}

		cp := m.Copy()
		cp.Header.Del("Delivered-To")
		cp.Header.Add("Delivered-To", rcpt)
		if _, err := a.queue.Put(ctx, cp.Bytes()); err != nil {
			return err
		}
		a.metrics.MessageQueued()
	}
	a.metrics.QueueDepth(a.queue.Len())
	return nil
}

func (a *TransferAgent) run() {
	defer a.wg.Done()
	for {
		item, err := a.queue.Get(a.ctx)
		if err != nil {
			// Queue closed or agent destroyed.
			return
		}
		if err := a.inFlight.Acquire(a.ctx, 1); err != nil {
			return
		}
		a.wg.Add(1)
		go func(item QueueItem) {
			defer a.wg.Done()
			defer a.inFlight.Release(1)
			a.deliver(item)
		}(item)
	}
}

func (a *TransferAgent) deliver(item QueueItem) {
	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Minute)
	defer cancel()

	m, err := ReadMessage(item.Message)
	if err != nil {
		a.log.Error("dropping unreadable envelope", err, "queue_id", item.ID)
		a.remove(item.ID)
		return
	}

	deliveredTo := m.Header.Get("Delivered-To")
	if deliveredTo == "" {
		a.log.DebugMsg("envelope without Delivered-To dropped", "queue_id", item.ID)
		a.remove(item.ID)
		return
	}

	// Each recipient sees only its own Bcc entry.
	if m.Header.Has("Bcc") {
		m.Header.Del("Bcc")
		m.Header.Add("Bcc", deliveredTo)
	}

	_, domain, err := address.Split(deliveredTo)
	if err != nil {
		a.log.Error("dropping envelope with bad Delivered-To", err, "queue_id", item.ID)
		a.remove(item.ID)
		return
	}

	if a.isLocal(domain) {
		a.deliverLocal(ctx, deliveredTo, m, item)
		return
	}
	a.deliverRemote(ctx, deliveredTo, m, item)
}

func (a *TransferAgent) deliverLocal(ctx context.Context, rcpt string, m *Message, item QueueItem) {
	for _, h := range []string{"X-Peer", "X-Mailfrom", "X-Rcptto"} {
		m.Header.Del(h)
	}

	if err := a.local(ctx, rcpt, m.MessageID(), m.Bytes()); err != nil {
		a.log.Error("local delivery failed", err, "rcpt", rcpt, "msg_id", m.MessageID())
		a.metrics.DeliveryCompleted("local", "drop")
		a.remove(item.ID)
		return
	}
	a.metrics.DeliveryCompleted("local", "ok")
	a.remove(item.ID)
}

func (a *TransferAgent) deliverRemote(ctx context.Context, rcpt string, m *Message, item QueueItem) {
	err := a.remote(ctx, rcpt, m)
	if err == nil {
		a.metrics.DeliveryCompleted("remote", "ok")
		a.remove(item.ID)
		return
	}

	if !exterrors.IsTemporaryOrUnspec(err) {
		a.log.Error("remote delivery failed permanently", err, "rcpt", rcpt, "msg_id", m.MessageID())
		a.metrics.DeliveryCompleted("remote", "drop")
		a.remove(item.ID)
		return
	}

	attempts := item.Attempts + 1
	if attempts >= a.maxAttempts {
		a.log.Error("remote delivery failed, giving up", err,
			"rcpt", rcpt, "msg_id", m.MessageID(), "attempts", attempts)
		a.metrics.DeliveryCompleted("remote", "drop")
		a.remove(item.ID)
		return
	}

	a.log.Error("remote delivery failed, will retry", err,
		"rcpt", rcpt, "msg_id", m.MessageID(), "attempts", attempts)
	a.metrics.DeliveryCompleted("remote", "retry")
	a.remove(item.ID)
	a.scheduleRetry(item.Message, attempts)
}

// retryBackoff doubles the base interval per attempt, capped at one
// hour. The shift is clamped so large attempt counts cannot overflow
// the duration into a negative value.
func (a *TransferAgent) retryBackoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift > 20 {
		shift = 20
	}
	backoff := a.retryBase << shift
	if backoff <= 0 || backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}

func (a *TransferAgent) scheduleRetry(msg []byte, attempts int) {
	backoff := a.retryBackoff(attempts)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-a.ctx.Done():
			// Shutting down: requeue immediately so the envelope is
			// durable for the next start.
			timer.Stop()
		}
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.queue.Requeue(rctx, msg, attempts); err != nil {
			a.log.Error("failed to requeue envelope", err, "attempts", attempts)
		}
	}()
}

func (a *TransferAgent) remove(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.queue.Remove(ctx, id); err != nil {
		a.log.Error("failed to remove queue entry", err, "queue_id", id)
	}
	a.metrics.QueueDepth(a.queue.Len())
}
