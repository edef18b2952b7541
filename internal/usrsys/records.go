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

// Package usrsys implements the account layer: user, profile and mailbox
// records, dot-scoped access tokens and the authentication provider.
package usrsys

import (
	"github.com/google/uuid"
)

// UserRecord is the account document. Username and ProfileID are
// immutable after registration.
type UserRecord struct {
	Username        string `json:"username"`
	Nickname        string `json:"nickname"`
	PasswordB64Hash string `json:"password_b64hash"`
	ProfileID       string `json:"profileid"`
	// Mailboxes maps the user-visible mailbox name to the
	// MailBoxRecord identity.
	Mailboxes    map[string]string `json:"mailboxes"`
	EmailAddress string            `json:"email_address,omitempty"`
}

// ProfileRecord exists 1:1 with a UserRecord.
type ProfileRecord struct {
	Identity    string `json:"identity"`
	MemberNo    int    `json:"member_no,omitempty"`
	Name        string `json:"name,omitempty"`
	Age         int    `json:"age,omitempty"`
	PhysicalSex string `json:"physical_sex,omitempty"`
}

// MailBoxRecord describes one mailbox. The name lives in
// UserRecord.Mailboxes, messages are indexed by MailRecord rows keyed on
// Identity.
type MailBoxRecord struct {
	Identity       string   `json:"identity"`
	ReadOnly       bool     `json:"readonly"`
	PermanentFlags []string `json:"permanent_flags"`
	SessionFlags   []string `json:"session_flags"`
}

// MailRecord is an index row placing one stored message into one
// mailbox. Many mailboxes may reference the same message; the content
// itself is reference-counted by the mail store.
type MailRecord struct {
	MailboxID string   `json:"mailbox_id"`
	MessageID string   `json:"message_id"`
	Flags     []string `json:"flags,omitempty"`
}

// DefaultMailboxes is the mailbox set created at registration.
var DefaultMailboxes = []string{"Inbox", "Drafts", "Sent", "Archives", "Junk", "Deleted"}

// NewMailBoxRecord creates an empty writable mailbox with the standard
// flag sets.
func NewMailBoxRecord() *MailBoxRecord {
	return &MailBoxRecord{
		Identity:       uuid.NewString(),
		PermanentFlags: []string{`\Seen`, `\Answered`, `\Flagged`, `\Deleted`, `\Draft`},
		SessionFlags:   []string{`\Recent`},
	}
}
