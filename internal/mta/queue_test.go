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
	"testing"
	"time"

	"github.com/themadorg/mailboat/internal/storage"
)

func testQueues(t *testing.T) map[string]EmailQueue {
	t.Helper()
	eng, err := storage.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	col, err := eng.Collection("mta.queue")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	durable, err := NewStorageQueue(context.Background(), col)
	if err != nil {
		t.Fatalf("NewStorageQueue: %v", err)
	}
	return map[string]EmailQueue{
		"memory":  NewMemoryQueue(),
		"storage": durable,
	}
}

func TestQueueFIFO(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, msg := range []string{"one", "two", "three"} {
				if _, err := q.Put(ctx, []byte(msg)); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			for _, want := range []string{"one", "two", "three"} {
				item, err := q.Get(ctx)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if string(item.Message) != want {
					t.Errorf("Get = %q, want %q", item.Message, want)
				}
				if err := q.Remove(ctx, item.ID); err != nil {
					t.Fatalf("Remove: %v", err)
				}
			}
		})
	}
}

func TestQueueGetBlocks(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			got := make(chan QueueItem, 1)
			go func() {
				item, err := q.Get(context.Background())
				if err != nil {
					return
				}
				got <- item
			}()

			select {
			case <-got:
				t.Fatal("Get returned on an empty queue")
			case <-time.After(50 * time.Millisecond):
			}

			if _, err := q.Put(context.Background(), []byte("wake")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			select {
			case item := <-got:
				if string(item.Message) != "wake" {
					t.Errorf("Get = %q, want wake", item.Message)
				}
			case <-time.After(time.Second):
				t.Fatal("Get did not wake after Put")
			}
		})
	}
}

func TestQueueRemoveIdempotent(t *testing.T) {
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Put(ctx, []byte("msg"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := q.Remove(ctx, id); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := q.Remove(ctx, id); err != nil {
				t.Errorf("second Remove: %v", err)
			}
		})
	}
}

func TestQueueGetCancellation(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Get err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not return after cancellation")
	}
}

func TestStorageQueueRecovery(t *testing.T) {
	ctx := context.Background()
	eng, err := storage.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()
	col, err := eng.Collection("mta.queue")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	q1, err := NewStorageQueue(ctx, col)
	if err != nil {
		t.Fatalf("NewStorageQueue: %v", err)
	}
	for _, msg := range []string{"a", "b"} {
		if _, err := q1.Put(ctx, []byte(msg)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	q1.Close()

	// Same collection, fresh queue: both entries must replay in order.
	q2, err := NewStorageQueue(ctx, col)
	if err != nil {
		t.Fatalf("NewStorageQueue (recovery): %v", err)
	}
	if q2.Len() != 2 {
		t.Fatalf("recovered Len = %d, want 2", q2.Len())
	}
	for _, want := range []string{"a", "b"} {
		item, err := q2.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(item.Message) != want {
			t.Errorf("Get = %q, want %q", item.Message, want)
		}
	}
}

func TestStorageQueueAttempts(t *testing.T) {
	ctx := context.Background()
	eng, err := storage.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()
	col, err := eng.Collection("mta.queue")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	q, err := NewStorageQueue(ctx, col)
	if err != nil {
		t.Fatalf("NewStorageQueue: %v", err)
	}

	if _, err := q.Requeue(ctx, []byte("again"), 3); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	item, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", item.Attempts)
	}
}

func TestQueueClosedGet(t *testing.T) {
	q := NewMemoryQueue()
	q.Close()
	if _, err := q.Get(context.Background()); err != ErrQueueClosed {
		t.Errorf("Get on closed queue: err = %v, want ErrQueueClosed", err)
	}
}
