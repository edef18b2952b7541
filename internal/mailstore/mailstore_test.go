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

package mailstore

import (
	"context"
	"errors"
	"testing"

	"github.com/themadorg/mailboat/internal/storage"
)

func testStore(t *testing.T) *MailStore {
	t.Helper()
	eng, err := storage.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	col, err := eng.Collection("mails")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	return New(col)
}

func TestStoreMailRefCounting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	const msgID = "<test@example.org>"

	if err := s.StoreMail(ctx, msgID, "Subject: hi\r\n\r\nbody\r\n"); err != nil {
		t.Fatalf("StoreMail: %v", err)
	}
	if n, _ := s.RefCount(ctx, msgID); n != 1 {
		t.Errorf("RefCount = %d, want 1", n)
	}

	if err := s.StoreMail(ctx, msgID, "ignored duplicate content"); err != nil {
		t.Fatalf("StoreMail second ref: %v", err)
	}
	if n, _ := s.RefCount(ctx, msgID); n != 2 {
		t.Errorf("RefCount = %d, want 2", n)
	}

	rec, err := s.GetMail(ctx, msgID)
	if err != nil {
		t.Fatalf("GetMail: %v", err)
	}
	if rec.RawMail != "Subject: hi\r\n\r\nbody\r\n" {
		t.Errorf("content replaced on second store: %q", rec.RawMail)
	}
}

func TestDerefDeletesAtZero(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	const msgID = "<gone@example.org>"

	if err := s.StoreMail(ctx, msgID, "x"); err != nil {
		t.Fatalf("StoreMail: %v", err)
	}
	if err := s.StoreMail(ctx, msgID, "x"); err != nil {
		t.Fatalf("StoreMail: %v", err)
	}

	if err := s.DerefMailByID(ctx, msgID); err != nil {
		t.Fatalf("DerefMailByID: %v", err)
	}
	if n, _ := s.RefCount(ctx, msgID); n != 1 {
		t.Errorf("RefCount = %d, want 1", n)
	}

	if err := s.DerefMailByID(ctx, msgID); err != nil {
		t.Fatalf("DerefMailByID: %v", err)
	}
	if _, err := s.GetMail(ctx, msgID); !errors.Is(err, storage.ErrNoRecord) {
		t.Errorf("GetMail after last deref: err = %v, want ErrNoRecord", err)
	}
}

func TestDerefUnknownIgnored(t *testing.T) {
	s := testStore(t)
	if err := s.DerefMailByID(context.Background(), "<never@example.org>"); err != nil {
		t.Errorf("DerefMailByID unknown: %v", err)
	}
}
