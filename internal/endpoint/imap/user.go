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

package imap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap"
	imapbackend "github.com/emersion/go-imap/backend"

	"github.com/themadorg/mailboat/internal/storagehub"
	"github.com/themadorg/mailboat/internal/usrsys"
)

const mailboxInbox = "Inbox"

// canonicalName folds the protocol-level INBOX spelling onto the stored
// mailbox name; all other names are case-sensitive.
func canonicalName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return mailboxInbox
	}
	return name
}

// user is one authenticated IMAP account over the storage hub.
type user struct {
	endp *Endpoint

	id  int64
	rec *usrsys.UserRecord

	// token and scope identify the session credential; NewToken
	// derives further tokens from them.
	token string
	scope usrsys.Scope

	mu         sync.Mutex
	subscribed map[string]bool
}

func (u *user) Username() string {
	return u.rec.Username
}

// refresh reloads the account document so mailbox map changes made by
// concurrent sessions become visible.
func (u *user) refresh(ctx context.Context) error {
	rec, id, err := u.endp.hub.Users.GetByUsername(ctx, u.rec.Username)
	if err != nil {
		return err
	}
	u.rec, u.id = rec, id
	return nil
}

// NewToken mints an additional act_as_user token for this account. The
// session credential must itself cover act_as_user.
func (u *user) NewToken(ctx context.Context, expiresIn time.Duration) (string, error) {
	if !u.scope.Contains(usrsys.ScopeActAsUser) {
		return "", usrsys.ErrAuthorization
	}
	token := usrsys.NewToken(u.rec.ProfileID, "", usrsys.Scope{usrsys.ScopeActAsUser}, expiresIn)
	if _, err := u.endp.hub.Tokens.Store(ctx, token); err != nil {
		return "", err
	}
	return token.Token, nil
}

func (u *user) ListMailboxes(subscribed bool) ([]imap.MailboxInfo, error) {
	ctx := context.TODO()
	if err := u.refresh(ctx); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(u.rec.Mailboxes))
	for name := range u.rec.Mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)

	u.mu.Lock()
	defer u.mu.Unlock()
	infos := make([]imap.MailboxInfo, 0, len(names))
	for _, name := range names {
		if subscribed && !u.subscribed[name] {
			continue
		}
		infos = append(infos, imap.MailboxInfo{
			Attributes: []string{},
			Delimiter:  "/",
			Name:       name,
		})
	}
	return infos, nil
}

func (u *user) lookup(ctx context.Context, name string) (*mailbox, error) {
	name = canonicalName(name)
	if err := u.refresh(ctx); err != nil {
		return nil, err
	}
	box, err := u.endp.hub.GetMailbox(ctx, u.rec, name)
	if err != nil {
		if errors.Is(err, storagehub.ErrNoSuchMailbox) {
			return nil, imapbackend.ErrNoSuchMailbox
		}
		return nil, err
	}
	return &mailbox{u: u, name: name, box: box}, nil
}

func (u *user) GetMailbox(name string, readOnly bool, conn imapbackend.Conn) (*imap.MailboxStatus, imapbackend.Mailbox, error) {
	ctx := context.TODO()
	mbox, err := u.lookup(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	// Selecting for writing claims the \Recent flags: this session
	// reports them once, later sessions do not.
	claimRecent := !readOnly && !mbox.box.ReadOnly
	status, err := mbox.status(ctx, []imap.StatusItem{
		imap.StatusMessages,
		imap.StatusRecent,
		imap.StatusUnseen,
		imap.StatusUidNext,
		imap.StatusUidValidity,
	}, claimRecent)
	if err != nil {
		return nil, nil, err
	}
	return status, mbox, nil
}

func (u *user) Status(name string, items []imap.StatusItem) (*imap.MailboxStatus, error) {
	ctx := context.TODO()
	mbox, err := u.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return mbox.status(ctx, items, false)
}

func (u *user) SetSubscribed(name string, subscribed bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.subscribed[canonicalName(name)] = subscribed
	return nil
}

func (u *user) CreateMailbox(name string) error {
	ctx := context.TODO()
	name = canonicalName(name)
	if err := u.refresh(ctx); err != nil {
		return err
	}
	if _, exists := u.rec.Mailboxes[name]; exists {
		return errors.New("mailbox already exists")
	}

	box := usrsys.NewMailBoxRecord()
	if _, err := u.endp.hub.Mailboxes.Store(ctx, box); err != nil {
		return err
	}
	u.rec.Mailboxes[name] = box.Identity
	return u.endp.hub.Users.Update(ctx, u.id, u.rec)
}

func (u *user) DeleteMailbox(name string) error {
	ctx := context.TODO()
	name = canonicalName(name)
	if name == mailboxInbox {
		return errors.New("cannot delete Inbox")
	}

	mbox, err := u.lookup(ctx, name)
	if err != nil {
		return err
	}

	// Drop every placement first so the content references stay
	// balanced.
	entries, err := mbox.entries(ctx)
	if err != nil {
		return err
	}
	hub := u.endp.hub
	for _, e := range entries {
		if err := hub.MailRecords.Delete(ctx, e.id); err != nil {
			return err
		}
		if err := hub.Mails.DerefMailByID(ctx, e.rec.MessageID); err != nil {
			return err
		}
	}

	if err := hub.Mailboxes.RemoveByIdentity(ctx, mbox.box.Identity); err != nil {
		return err
	}
	delete(u.rec.Mailboxes, name)
	return hub.Users.Update(ctx, u.id, u.rec)
}

func (u *user) RenameMailbox(existingName, newName string) error {
	ctx := context.TODO()
	existingName = canonicalName(existingName)
	newName = canonicalName(newName)
	if existingName == mailboxInbox {
		return errors.New("cannot rename Inbox")
	}
	if err := u.refresh(ctx); err != nil {
		return err
	}

	identity, exists := u.rec.Mailboxes[existingName]
	if !exists {
		return imapbackend.ErrNoSuchMailbox
	}
	if _, exists := u.rec.Mailboxes[newName]; exists {
		return errors.New("destination mailbox already exists")
	}

	u.rec.Mailboxes[newName] = identity
	delete(u.rec.Mailboxes, existingName)
	return u.endp.hub.Users.Update(ctx, u.id, u.rec)
}

func (u *user) CreateMessage(name string, flags []string, date time.Time, body imap.Literal, _ imapbackend.Mailbox) error {
	ctx := context.TODO()
	mbox, err := u.lookup(ctx, name)
	if err != nil {
		if !errors.Is(err, imapbackend.ErrNoSuchMailbox) {
			return err
		}
		if err := u.CreateMailbox(name); err != nil {
			return fmt.Errorf("failed to create mailbox: %w", err)
		}
		mbox, err = u.lookup(ctx, name)
		if err != nil {
			return err
		}
	}
	return mbox.CreateMessage(flags, date, body)
}

func (u *user) Logout() error {
	return nil
}
