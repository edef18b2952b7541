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

// Package mailstore keeps message content deduplicated by Message-Id
// with reference counting: every mailbox placement (and queue entry)
// holds one reference, the content disappears with the last one.
package mailstore

import (
	"context"
	"errors"
	"sync"

	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/storage"
)

// MailStoreRecord is the content document, addressed by the RFC 5322
// Message-Id header value.
type MailStoreRecord struct {
	MessageID string `json:"message_id"`
	RawMail   string `json:"raw_mail"`
	RefCount  int    `json:"ref_count"`
}

type MailStore struct {
	t   storage.Typed[MailStoreRecord]
	Log log.Logger

	// Ref count changes are read-modify-write on the document, a single
	// writer keeps the count equal to the number of holders.
	mu sync.Mutex
}

func New(col storage.CommonStorage) *MailStore {
	return &MailStore{
		t:   storage.Typed[MailStoreRecord]{C: col},
		Log: log.Logger{Name: "mailstore"},
	}
}

// StoreMail adds one reference to the message content, storing it on
// first use. Content passed for an already known Message-Id is assumed
// identical and ignored.
func (s *MailStore) StoreMail(ctx context.Context, messageID, rawMail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, id, err := s.t.FindOne(ctx, storage.Query{"message_id": messageID})
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			_, err = s.t.Store(ctx, &MailStoreRecord{
				MessageID: messageID,
				RawMail:   rawMail,
				RefCount:  1,
			})
			return err
		}
		return err
	}

	rec.RefCount++
	return s.t.Update(ctx, id, rec)
}

// GetMail returns the stored content for the Message-Id.
func (s *MailStore) GetMail(ctx context.Context, messageID string) (*MailStoreRecord, error) {
	rec, _, err := s.t.FindOne(ctx, storage.Query{"message_id": messageID})
	return rec, err
}

// DerefMailByID drops one reference, deleting the content when the
// count reaches zero. Unknown ids are ignored.
func (s *MailStore) DerefMailByID(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, id, err := s.t.FindOne(ctx, storage.Query{"message_id": messageID})
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			s.Log.DebugMsg("deref of unknown message", "msg_id", messageID)
			return nil
		}
		return err
	}

	rec.RefCount--
	if rec.RefCount <= 0 {
		return s.t.C.Delete(ctx, id)
	}
	return s.t.Update(ctx, id, rec)
}

// RefCount reports the current reference count, zero for unknown ids.
func (s *MailStore) RefCount(ctx context.Context, messageID string) (int, error) {
	rec, _, err := s.t.FindOne(ctx, storage.Query{"message_id": messageID})
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			return 0, nil
		}
		return 0, err
	}
	return rec.RefCount, nil
}
