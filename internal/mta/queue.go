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
	"encoding/json"
	"errors"
	"sync"

	"github.com/themadorg/mailboat/internal/storage"
)

// ErrQueueClosed is returned by Get after Close.
var ErrQueueClosed = errors.New("mta: queue closed")

// QueueItem is one queued envelope. Attempts counts completed delivery
// attempts for this message.
type QueueItem struct {
	ID       int64
	Message  []byte
	Attempts int
}

// EmailQueue is a FIFO of per-recipient envelopes. Put returns once the
// message is durably enqueued. Get blocks until an item is available.
// Remove is idempotent; consumers call it only after the delivery
// attempt finished, so an unremoved item is replayed after a crash.
type EmailQueue interface {
	Put(ctx context.Context, msg []byte) (int64, error)
	// Requeue re-inserts a message after a failed attempt, carrying
	// the attempt count. FIFO position is at the tail.
	Requeue(ctx context.Context, msg []byte, attempts int) (int64, error)
	Get(ctx context.Context) (QueueItem, error)
	Remove(ctx context.Context, id int64) error
	// Len reports the number of queued items.
	Len() int
	Close() error
}

// fifo is the id ordering shared by both queue implementations: a
// mutex-guarded list with a wakeup channel for the single consumer.
type fifo struct {
	mu     sync.Mutex
	ids    []int64
	notify chan struct{}
	closed bool
}

func newFIFO() *fifo {
	return &fifo{notify: make(chan struct{}, 1)}
}

func (f *fifo) push(id int64) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fifo) pop(ctx context.Context) (int64, error) {
	for {
		f.mu.Lock()
		if len(f.ids) > 0 {
			id := f.ids[0]
			f.ids = f.ids[1:]
			f.mu.Unlock()
			return id, nil
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return 0, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-f.notify:
		}
	}
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func (f *fifo) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// MemoryQueue keeps envelopes in process memory. Used by tests and as
// a fallback when no database is configured.
type MemoryQueue struct {
	fifo *fifo

	mu     sync.Mutex
	nextID int64
	items  map[int64]QueueItem
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{fifo: newFIFO(), items: make(map[int64]QueueItem)}
}

func (q *MemoryQueue) put(msg []byte, attempts int) (int64, error) {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.items[id] = QueueItem{ID: id, Message: msg, Attempts: attempts}
	q.mu.Unlock()
	q.fifo.push(id)
	return id, nil
}

func (q *MemoryQueue) Put(ctx context.Context, msg []byte) (int64, error) {
	return q.put(msg, 0)
}

func (q *MemoryQueue) Requeue(ctx context.Context, msg []byte, attempts int) (int64, error) {
	return q.put(msg, attempts)
}

func (q *MemoryQueue) Get(ctx context.Context) (QueueItem, error) {
	for {
		id, err := q.fifo.pop(ctx)
		if err != nil {
			return QueueItem{}, err
		}
		q.mu.Lock()
		item, ok := q.items[id]
		q.mu.Unlock()
		if !ok {
			// Removed while waiting in the FIFO.
			continue
		}
		return item, nil
	}
}

func (q *MemoryQueue) Remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	delete(q.items, id)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Close() error {
	q.fifo.close()
	return nil
}

// StorageQueue is the durable queue over a record-store collection. On
// start the collection is scanned and surviving ids are replayed in
// insertion order.
type StorageQueue struct {
	col  storage.CommonStorage
	fifo *fifo
}

func NewStorageQueue(ctx context.Context, col storage.CommonStorage) (*StorageQueue, error) {
	q := &StorageQueue{col: col, fifo: newFIFO()}

	ids, err := col.IDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		q.fifo.push(id)
	}
	return q, nil
}

func (q *StorageQueue) put(ctx context.Context, msg []byte, attempts int) (int64, error) {
	rec := storage.Record{"message": string(msg)}
	if attempts > 0 {
		rec["attempts"] = attempts
	}
	id, err := q.col.Store(ctx, rec)
	if err != nil {
		return 0, err
	}
	q.fifo.push(id)
	return id, nil
}

func (q *StorageQueue) Put(ctx context.Context, msg []byte) (int64, error) {
	return q.put(ctx, msg, 0)
}

func (q *StorageQueue) Requeue(ctx context.Context, msg []byte, attempts int) (int64, error) {
	return q.put(ctx, msg, attempts)
}

func (q *StorageQueue) Get(ctx context.Context) (QueueItem, error) {
	for {
		id, err := q.fifo.pop(ctx)
		if err != nil {
			return QueueItem{}, err
		}

		rec, err := q.col.Fetch(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNoRecord) {
				continue
			}
			return QueueItem{}, err
		}

		msg, _ := rec["message"].(string)
		attempts := 0
		if n, ok := rec["attempts"].(json.Number); ok {
			v, _ := n.Int64()
			attempts = int(v)
		}
		return QueueItem{ID: id, Message: []byte(msg), Attempts: attempts}, nil
	}
}

func (q *StorageQueue) Remove(ctx context.Context, id int64) error {
	return q.col.Delete(ctx, id)
}

func (q *StorageQueue) Len() int {
	return q.fifo.len()
}

func (q *StorageQueue) Close() error {
	q.fifo.close()
	return nil
}
