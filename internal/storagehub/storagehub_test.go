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

package storagehub

import (
	"context"
	"errors"
	"testing"

	"github.com/themadorg/mailboat/internal/usrsys"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hub.HashOpts = usrsys.HashOpts{Time: 1, Memory: 8 * 1024, Threads: 1}
	t.Cleanup(func() { hub.Close() })
	return hub
}

func TestCreateUser(t *testing.T) {
	hub := testHub(t)
	ctx := context.Background()

	user, err := hub.CreateUser(ctx, "alyx", "alyxpassword", "alyx@foo.bar")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if len(user.Mailboxes) != len(usrsys.DefaultMailboxes) {
		t.Errorf("got %d mailboxes, want %d", len(user.Mailboxes), len(usrsys.DefaultMailboxes))
	}
	for _, name := range usrsys.DefaultMailboxes {
		if _, err := hub.GetMailbox(ctx, user, name); err != nil {
			t.Errorf("GetMailbox(%s): %v", name, err)
		}
	}

	if _, _, err := hub.Profiles.GetByIdentity(ctx, user.ProfileID); err != nil {
		t.Errorf("profile record missing: %v", err)
	}

	answer, err := hub.AuthProvider().Auth(ctx, usrsys.AuthRequest{
		Username: "alyx",
		Password: "alyxpassword",
	})
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if !answer.Success {
		t.Error("freshly created user failed password auth")
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	hub := testHub(t)
	ctx := context.Background()

	if _, err := hub.CreateUser(ctx, "alyx", "pw", "alyx@foo.bar"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := hub.CreateUser(ctx, "alyx", "pw2", "other@foo.bar"); err == nil {
		t.Error("duplicate username accepted")
	}
}

func TestDeliverLocal(t *testing.T) {
	hub := testHub(t)
	ctx := context.Background()

	user, err := hub.CreateUser(ctx, "freeman", "pw", "freeman@foo.bar")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	const msgID = "<hello@foo.bar>"
	if err := hub.DeliverLocal(ctx, "freeman@foo.bar", msgID, "Subject: Hello\r\n\r\nhi\r\n"); err != nil {
		t.Fatalf("DeliverLocal: %v", err)
	}

	recs, _, err := hub.MailRecords.ByMailbox(ctx, user.Mailboxes["Inbox"])
	if err != nil {
		t.Fatalf("ByMailbox: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d inbox records, want 1", len(recs))
	}
	if recs[0].MessageID != msgID {
		t.Errorf("MessageID = %q, want %q", recs[0].MessageID, msgID)
	}
	hasRecent := false
	for _, f := range recs[0].Flags {
		if f == `\Recent` {
			hasRecent = true
		}
	}
	if !hasRecent {
		t.Error("delivered mail not flagged \\Recent")
	}

	if n, _ := hub.Mails.RefCount(ctx, msgID); n != 1 {
		t.Errorf("RefCount = %d, want 1", n)
	}
}

func TestDeliverLocalByLocalpart(t *testing.T) {
	hub := testHub(t)
	ctx := context.Background()

	// Account registered without an email address still receives mail
	// addressed to <username>@<local domain>.
	if _, err := hub.CreateUser(ctx, "gordon", "pw", ""); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := hub.DeliverLocal(ctx, "gordon@foo.bar", "<m1@x>", "raw"); err != nil {
		t.Fatalf("DeliverLocal: %v", err)
	}
}

func TestDeliverLocalUnknownUser(t *testing.T) {
	hub := testHub(t)
	err := hub.DeliverLocal(context.Background(), "nobody@foo.bar", "<m@x>", "raw")
	if !errors.Is(err, ErrNoSuchUser) {
		t.Errorf("err = %v, want ErrNoSuchUser", err)
	}
}
