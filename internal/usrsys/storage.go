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

package usrsys

import (
	"context"
	"fmt"

	"golang.org/x/text/secure/precis"

	"github.com/themadorg/mailboat/internal/storage"
)

// NormalizeUsername maps the username to its canonical form. Usernames
// are stored and looked up in this form so visually confusable inputs
// cannot address a different account.
func NormalizeUsername(username string) (string, error) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return "", fmt.Errorf("usrsys: invalid username: %w", err)
	}
	return key, nil
}

// UserRecordStorage is the typed view over the "users" collection.
type UserRecordStorage struct {
	t storage.Typed[UserRecord]
}

func NewUserRecordStorage(col storage.CommonStorage) *UserRecordStorage {
	return &UserRecordStorage{t: storage.Typed[UserRecord]{C: col}}
}

func (s *UserRecordStorage) Store(ctx context.Context, rec *UserRecord) (int64, error) {
	normalized, err := NormalizeUsername(rec.Username)
	if err != nil {
		return 0, err
	}
	rec.Username = normalized
	return s.t.Store(ctx, rec)
}

func (s *UserRecordStorage) GetByUsername(ctx context.Context, username string) (*UserRecord, int64, error) {
	normalized, err := NormalizeUsername(username)
	if err != nil {
		return nil, 0, err
	}
	return s.t.FindOne(ctx, storage.Query{"username": normalized})
}

func (s *UserRecordStorage) GetByEmail(ctx context.Context, email string) (*UserRecord, int64, error) {
	return s.t.FindOne(ctx, storage.Query{"email_address": email})
}

func (s *UserRecordStorage) GetByProfileID(ctx context.Context, profileID string) (*UserRecord, int64, error) {
	return s.t.FindOne(ctx, storage.Query{"profileid": profileID})
}

func (s *UserRecordStorage) Update(ctx context.Context, id int64, rec *UserRecord) error {
	return s.t.Update(ctx, id, rec)
}

// ProfileRecordStorage is the typed view over the "profiles" collection.
type ProfileRecordStorage struct {
	t storage.Typed[ProfileRecord]
}

func NewProfileRecordStorage(col storage.CommonStorage) *ProfileRecordStorage {
	return &ProfileRecordStorage{t: storage.Typed[ProfileRecord]{C: col}}
}

func (s *ProfileRecordStorage) Store(ctx context.Context, rec *ProfileRecord) (int64, error) {
	return s.t.Store(ctx, rec)
}

func (s *ProfileRecordStorage) GetByIdentity(ctx context.Context, identity string) (*ProfileRecord, int64, error) {
	return s.t.FindOne(ctx, storage.Query{"identity": identity})
}

// MailBoxRecordStorage is the typed view over the "mailboxs" collection.
// The collection name keeps its historical spelling.
type MailBoxRecordStorage struct {
	t storage.Typed[MailBoxRecord]
}

func NewMailBoxRecordStorage(col storage.CommonStorage) *MailBoxRecordStorage {
	return &MailBoxRecordStorage{t: storage.Typed[MailBoxRecord]{C: col}}
}

func (s *MailBoxRecordStorage) Store(ctx context.Context, rec *MailBoxRecord) (int64, error) {
	return s.t.Store(ctx, rec)
}

func (s *MailBoxRecordStorage) GetByIdentity(ctx context.Context, identity string) (*MailBoxRecord, int64, error) {
	return s.t.FindOne(ctx, storage.Query{"identity": identity})
}

func (s *MailBoxRecordStorage) Update(ctx context.Context, id int64, rec *MailBoxRecord) error {
	return s.t.Update(ctx, id, rec)
}

func (s *MailBoxRecordStorage) RemoveByIdentity(ctx context.Context, identity string) error {
	return s.t.RemoveOne(ctx, storage.Query{"identity": identity})
}

// MailRecordStorage is the typed view over the "mail_records"
// collection: placement rows binding stored messages to mailboxes. The
// row id doubles as the IMAP UID, ids are engine-assigned and
// monotonic within a mailbox.
type MailRecordStorage struct {
	t storage.Typed[MailRecord]
}

func NewMailRecordStorage(col storage.CommonStorage) *MailRecordStorage {
	return &MailRecordStorage{t: storage.Typed[MailRecord]{C: col}}
}

func (s *MailRecordStorage) Add(ctx context.Context, rec *MailRecord) (int64, error) {
	return s.t.Store(ctx, rec)
}

func (s *MailRecordStorage) ByMailbox(ctx context.Context, mailboxID string) ([]*MailRecord, []int64, error) {
	return s.t.Find(ctx, storage.Query{"mailbox_id": mailboxID})
}

func (s *MailRecordStorage) Fetch(ctx context.Context, id int64) (*MailRecord, error) {
	rec, err := s.t.C.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	v := new(MailRecord)
	if err := storage.Unpack(rec, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *MailRecordStorage) Update(ctx context.Context, id int64, rec *MailRecord) error {
	return s.t.Update(ctx, id, rec)
}

func (s *MailRecordStorage) Delete(ctx context.Context, id int64) error {
	return s.t.C.Delete(ctx, id)
}

// NextID returns the id the next placement row would get, used for the
// IMAP UIDNEXT report. Best effort: races only inflate the value.
func (s *MailRecordStorage) NextID(ctx context.Context) (int64, error) {
	ids, err := s.t.C.IDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 1, nil
	}
	return ids[len(ids)-1] + 1, nil
}

// TokenRecordStorage is the typed view over the "tokens" collection.
type TokenRecordStorage struct {
	t storage.Typed[TokenRecord]
}

func NewTokenRecordStorage(col storage.CommonStorage) *TokenRecordStorage {
	return &TokenRecordStorage{t: storage.Typed[TokenRecord]{C: col}}
}

func (s *TokenRecordStorage) Store(ctx context.Context, rec *TokenRecord) (int64, error) {
	return s.t.Store(ctx, rec)
}

func (s *TokenRecordStorage) GetByToken(ctx context.Context, token string) (*TokenRecord, int64, error) {
	return s.t.FindOne(ctx, storage.Query{"token": token})
}

func (s *TokenRecordStorage) RemoveByToken(ctx context.Context, token string) error {
	return s.t.RemoveOne(ctx, storage.Query{"token": token})
}
