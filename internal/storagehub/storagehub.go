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

// Package storagehub owns the embedded database and hands out the named
// collections every other component works through.
package storagehub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/themadorg/mailboat/framework/address"
	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/mailstore"
	"github.com/themadorg/mailboat/internal/storage"
	"github.com/themadorg/mailboat/internal/usrsys"
)

// ErrNoSuchUser is returned by local delivery when the recipient
// address maps to no account.
var ErrNoSuchUser = errors.New("storagehub: no such user")

// ErrNoSuchMailbox is returned when a mailbox name is not present in
// the user's mailbox map or its record is gone.
var ErrNoSuchMailbox = errors.New("storagehub: no such mailbox")

type Hub struct {
	engine *storage.Engine

	Users       *usrsys.UserRecordStorage
	Profiles    *usrsys.ProfileRecordStorage
	Mailboxes   *usrsys.MailBoxRecordStorage
	MailRecords *usrsys.MailRecordStorage
	Tokens      *usrsys.TokenRecordStorage
	Mails       *mailstore.MailStore

	HashOpts usrsys.HashOpts
	Log      log.Logger
}

// Open opens the database at path (":memory:" for throwaway storage)
// and prepares the standard collections.
func Open(path string, debug bool) (*Hub, error) {
	engine, err := storage.Open(path, debug)
	if err != nil {
		return nil, err
	}

	hub := &Hub{
		engine:   engine,
		HashOpts: usrsys.SensitiveOpts,
		Log:      log.Logger{Name: "storagehub", Debug: debug},
	}

	cols := map[string]func(storage.CommonStorage){
		"users":        func(c storage.CommonStorage) { hub.Users = usrsys.NewUserRecordStorage(c) },
		"profiles":     func(c storage.CommonStorage) { hub.Profiles = usrsys.NewProfileRecordStorage(c) },
		"mailboxs":     func(c storage.CommonStorage) { hub.Mailboxes = usrsys.NewMailBoxRecordStorage(c) },
		"mail_records": func(c storage.CommonStorage) { hub.MailRecords = usrsys.NewMailRecordStorage(c) },
		"mails":        func(c storage.CommonStorage) { hub.Mails = mailstore.New(c) },
		"tokens":       func(c storage.CommonStorage) { hub.Tokens = usrsys.NewTokenRecordStorage(c) },
	}
	for name, bind := range cols {
		col, err := engine.Collection(name)
		if err != nil {
			engine.Close()
			return nil, err
		}
		bind(col)
	}

	return hub, nil
}

func (h *Hub) Close() error {
	return h.engine.Close()
}

// QueueCollection returns the durable queue collection for the named
// owner, by convention "<owner>.queue".
func (h *Hub) QueueCollection(owner string) (storage.CommonStorage, error) {
	return h.engine.Collection(owner + ".queue")
}

// Collection opens an arbitrary named collection on the same engine,
// for components with storage needs outside the standard set.
func (h *Hub) Collection(name string) (storage.CommonStorage, error) {
	return h.engine.Collection(name)
}

// AuthProvider builds the authentication provider bound to this hub's
// user and token collections.
func (h *Hub) AuthProvider() *usrsys.AuthProvider {
	p := usrsys.NewAuthProvider(h.Users, h.Tokens)
	p.Opts = h.HashOpts
	p.Log = h.Log.Sublogger("auth")
	return p
}

// CreateUser registers an account: user record, 1:1 profile and the
// default mailbox set.
func (h *Hub) CreateUser(ctx context.Context, username, password, email string) (*usrsys.UserRecord, error) {
	if _, _, err := h.Users.GetByUsername(ctx, username); err == nil {
		return nil, fmt.Errorf("storagehub: user %s already exists", username)
	} else if !errors.Is(err, storage.ErrNoRecord) {
		return nil, err
	}

	hash, err := usrsys.HashPassword(ctx, password, h.HashOpts)
	if err != nil {
		return nil, err
	}

	profile := &usrsys.ProfileRecord{Identity: uuid.NewString()}
	if _, err := h.Profiles.Store(ctx, profile); err != nil {
		return nil, err
	}

	mailboxes := make(map[string]string, len(usrsys.DefaultMailboxes))
	for _, name := range usrsys.DefaultMailboxes {
		box := usrsys.NewMailBoxRecord()
		if _, err := h.Mailboxes.Store(ctx, box); err != nil {
			return nil, err
		}
		mailboxes[name] = box.Identity
	}

	user := &usrsys.UserRecord{
		Username:        username,
		Nickname:        username,
		PasswordB64Hash: hash,
		ProfileID:       profile.Identity,
		Mailboxes:       mailboxes,
		EmailAddress:    email,
	}
	if _, err := h.Users.Store(ctx, user); err != nil {
		return nil, err
	}

	h.Log.DebugMsg("user created", "username", user.Username, "profile", profile.Identity)
	return user, nil
}

// GetMailbox resolves a mailbox name for the user.
func (h *Hub) GetMailbox(ctx context.Context, user *usrsys.UserRecord, name string) (*usrsys.MailBoxRecord, error) {
	identity, ok := user.Mailboxes[name]
	if !ok {
		return nil, ErrNoSuchMailbox
	}
	box, _, err := h.Mailboxes.GetByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			return nil, ErrNoSuchMailbox
		}
		return nil, err
	}
	return box, nil
}

// UserByAddress resolves a delivery address to the owning account:
// first by the registered email address, then by local-part as the
// username.
func (h *Hub) UserByAddress(ctx context.Context, addr string) (*usrsys.UserRecord, int64, error) {
	user, id, err := h.Users.GetByEmail(ctx, addr)
	if err == nil {
		return user, id, nil
	}
	if !errors.Is(err, storage.ErrNoRecord) {
		return nil, 0, err
	}

	mbox, _, err := address.Split(addr)
	if err != nil {
		return nil, 0, ErrNoSuchUser
	}
	user, id, err = h.Users.GetByUsername(ctx, mbox)
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			return nil, 0, ErrNoSuchUser
		}
		return nil, 0, err
	}
	return user, id, nil
}

// DeliverLocal places message content into the recipient's Inbox: one
// content reference plus a placement row flagged \Recent.
func (h *Hub) DeliverLocal(ctx context.Context, recipient, messageID, rawMail string) error {
	user, _, err := h.UserByAddress(ctx, recipient)
	if err != nil {
		return err
	}

	inboxID, ok := user.Mailboxes["Inbox"]
	if !ok {
		return ErrNoSuchMailbox
	}

	if err := h.Mails.StoreMail(ctx, messageID, rawMail); err != nil {
		return err
	}
	_, err = h.MailRecords.Add(ctx, &usrsys.MailRecord{
		MailboxID: inboxID,
		MessageID: messageID,
		Flags:     []string{`\Recent`},
	})
	if err != nil {
		// Keep the ref count honest when the placement row failed.
		if derefErr := h.Mails.DerefMailByID(ctx, messageID); derefErr != nil {
			h.Log.Error("deref after failed placement", derefErr, "msg_id", messageID)
		}
		return err
	}

	h.Log.DebugMsg("local delivery", "rcpt", recipient, "msg_id", messageID)
	return nil
}
