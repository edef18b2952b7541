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
	"bytes"
	"context"
	"io"
	"net/mail"
	"sort"
	"strings"
	"time"

	imap "github.com/emersion/go-imap"
	"github.com/google/uuid"

	"github.com/themadorg/mailboat/internal/mta"
	"github.com/themadorg/mailboat/internal/usrsys"
)

// mailbox exposes one MailBoxRecord's placements. Messages are index
// rows pointing at reference-counted content; the row id is the UID.
type mailbox struct {
	u    *user
	name string
	box  *usrsys.MailBoxRecord
}

type entry struct {
	id  int64
	rec *usrsys.MailRecord
}

func (m *mailbox) entries(ctx context.Context) ([]entry, error) {
	recs, ids, err := m.u.endp.hub.MailRecords.ByMailbox(ctx, m.box.Identity)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(recs))
	for i, rec := range recs {
		out = append(out, entry{id: ids[i], rec: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func (m *mailbox) raw(ctx context.Context, e entry) ([]byte, error) {
	content, err := m.u.endp.hub.Mails.GetMail(ctx, e.rec.MessageID)
	if err != nil {
		return nil, err
	}
	return []byte(content.RawMail), nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func withoutFlag(flags []string, flag string) []string {
	out := flags[:0]
	for _, f := range flags {
		if !strings.EqualFold(f, flag) {
			out = append(out, f)
		}
	}
	return out
}

func (m *mailbox) Name() string {
	return m.name
}

func (m *mailbox) Close() error {
	return nil
}

func (m *mailbox) Check() error {
	return nil
}

func (m *mailbox) Poll(expunge bool) error {
	return nil
}

func (m *mailbox) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{
		Attributes: []string{},
		Delimiter:  "/",
		Name:       m.name,
	}, nil
}

func (m *mailbox) SetSubscribed(subscribed bool) error {
	return m.u.SetSubscribed(m.name, subscribed)
}

func (m *mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	return m.status(context.TODO(), items, false)
}

func (m *mailbox) status(ctx context.Context, items []imap.StatusItem, claimRecent bool) (*imap.MailboxStatus, error) {
	entries, err := m.entries(ctx)
	if err != nil {
		return nil, err
	}

	status := imap.NewMailboxStatus(m.name, items)
	status.ReadOnly = m.box.ReadOnly
	status.Flags = append(append([]string{}, m.box.PermanentFlags...), m.box.SessionFlags...)
	status.PermanentFlags = append([]string{}, m.box.PermanentFlags...)
	status.Messages = uint32(len(entries))
	status.UidValidity = 1

	next, err := m.u.endp.hub.MailRecords.NextID(ctx)
	if err != nil {
		return nil, err
	}
	status.UidNext = uint32(next)

	for _, e := range entries {
		if !hasFlag(e.rec.Flags, imap.SeenFlag) {
			status.Unseen++
		}
		if hasFlag(e.rec.Flags, imap.RecentFlag) {
			status.Recent++
			if claimRecent {
				e.rec.Flags = withoutFlag(e.rec.Flags, imap.RecentFlag)
				if err := m.u.endp.hub.MailRecords.Update(ctx, e.id, e.rec); err != nil {
					return nil, err
				}
			}
		}
	}
	return status, nil
}

func (m *mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)
	ctx := context.TODO()

	entries, err := m.entries(ctx)
	if err != nil {
		return err
	}

	for i, e := range entries {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = uint32(e.id)
		}
		if !seqSet.Contains(id) {
			continue
		}

		raw, err := m.raw(ctx, e)
		if err != nil {
			m.u.endp.Log.Error("missing content for placement", err, "uid", e.id, "msg_id", e.rec.MessageID)
			continue
		}
		parsed, err := mta.ReadMessage(raw)
		if err != nil {
			m.u.endp.Log.Error("unparsable stored message", err, "uid", e.id)
			continue
		}

		imapMsg := imap.NewMessage(seqNum, items)
		for _, item := range items {
			switch item {
			case imap.FetchEnvelope:
				imapMsg.Envelope = buildEnvelope(parsed)
			case imap.FetchBody, imap.FetchBodyStructure:
				imapMsg.BodyStructure = buildBodyStructure(parsed)
			case imap.FetchFlags:
				imapMsg.Flags = append([]string{}, e.rec.Flags...)
			case imap.FetchInternalDate:
				imapMsg.InternalDate = messageDate(parsed)
			case imap.FetchRFC822Size:
				imapMsg.Size = uint32(len(raw))
			case imap.FetchUid:
				imapMsg.Uid = uint32(e.id)
			default:
				section, err := imap.ParseBodySectionName(item)
				if err != nil {
					break
				}
				imapMsg.Body[section] = bytes.NewReader(section.ExtractPartial(raw))
			}
		}
		ch <- imapMsg
	}
	return nil
}

func messageDate(m *mta.Message) time.Time {
	if t, err := mail.ParseDate(m.Header.Get("Date")); err == nil {
		return t
	}
	return time.Time{}
}

func convertAddresses(list []*mail.Address) []*imap.Address {
	out := make([]*imap.Address, 0, len(list))
	for _, a := range list {
		mbox, host := a.Address, ""
		if i := strings.LastIndex(a.Address, "@"); i >= 0 {
			mbox, host = a.Address[:i], a.Address[i+1:]
		}
		out = append(out, &imap.Address{
			PersonalName: a.Name,
			MailboxName:  mbox,
			HostName:     host,
		})
	}
	return out
}

func buildEnvelope(m *mta.Message) *imap.Envelope {
	env := &imap.Envelope{
		Date:      messageDate(m),
		Subject:   m.Header.Get("Subject"),
		InReplyTo: m.Header.Get("In-Reply-To"),
		MessageId: m.Header.Get("Message-Id"),
	}
	for key, dst := range map[string]*[]*imap.Address{
		"From":     &env.From,
		"Sender":   &env.Sender,
		"Reply-To": &env.ReplyTo,
		"To":       &env.To,
		"Cc":       &env.Cc,
		"Bcc":      &env.Bcc,
	} {
		if list, err := m.AddressList(key); err == nil {
			*dst = convertAddresses(list)
		}
	}
	if env.Sender == nil {
		env.Sender = env.From
	}
	if env.ReplyTo == nil {
		env.ReplyTo = env.From
	}
	return env
}

func buildBodyStructure(m *mta.Message) *imap.BodyStructure {
	mimeType, mimeSubType := "text", "plain"
	if ct := m.Header.Get("Content-Type"); ct != "" {
		full := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
		if parts := strings.SplitN(full, "/", 2); len(parts) == 2 {
			mimeType, mimeSubType = parts[0], parts[1]
		}
	}
	encoding := m.Header.Get("Content-Transfer-Encoding")
	if encoding == "" {
		encoding = "7bit"
	}
	return &imap.BodyStructure{
		MIMEType:    mimeType,
		MIMESubType: mimeSubType,
		Encoding:    encoding,
		Size:        uint32(len(m.Body)),
		Lines:       uint32(bytes.Count(m.Body, []byte("\n"))),
	}
}

func (m *mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	ctx := context.TODO()
	entries, err := m.entries(ctx)
	if err != nil {
		return nil, err
	}

	var matches []uint32
	for i, e := range entries {
		seqNum := uint32(i + 1)
		raw, err := m.raw(ctx, e)
		if err != nil {
			continue
		}
		parsed, err := mta.ReadMessage(raw)
		if err != nil {
			continue
		}
		if !m.matchesCriteria(e, seqNum, raw, parsed, criteria) {
			continue
		}
		if uid {
			matches = append(matches, uint32(e.id))
		} else {
			matches = append(matches, seqNum)
		}
	}
	return matches, nil
}

func (m *mailbox) matchesCriteria(e entry, seqNum uint32, raw []byte, parsed *mta.Message, c *imap.SearchCriteria) bool {
	if c == nil {
		return true
	}
	if c.SeqNum != nil && !c.SeqNum.Contains(seqNum) {
		return false
	}
	if c.Uid != nil && !c.Uid.Contains(uint32(e.id)) {
		return false
	}

	for key, values := range c.Header {
		got := parsed.Header.Get(key)
		if got == "" {
			return false
		}
		for _, want := range values {
			if !strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
				return false
			}
		}
	}

	lowerBody := strings.ToLower(string(parsed.Body))
	for _, want := range c.Body {
		if !strings.Contains(lowerBody, strings.ToLower(want)) {
			return false
		}
	}
	lowerRaw := strings.ToLower(string(raw))
	for _, want := range c.Text {
		if !strings.Contains(lowerRaw, strings.ToLower(want)) {
			return false
		}
	}

	for _, flag := range c.WithFlags {
		if !hasFlag(e.rec.Flags, flag) {
			return false
		}
	}
	for _, flag := range c.WithoutFlags {
		if hasFlag(e.rec.Flags, flag) {
			return false
		}
	}

	if c.Larger > 0 && uint32(len(raw)) <= c.Larger {
		return false
	}
	if c.Smaller > 0 && uint32(len(raw)) >= c.Smaller {
		return false
	}

	for _, not := range c.Not {
		if m.matchesCriteria(e, seqNum, raw, parsed, not) {
			return false
		}
	}
	for _, or := range c.Or {
		if !m.matchesCriteria(e, seqNum, raw, parsed, or[0]) &&
			!m.matchesCriteria(e, seqNum, raw, parsed, or[1]) {
			return false
		}
	}
	return true
}

// CreateMessage implements APPEND. Messages without a Message-Id get a
// generated one so the content store can address them.
func (m *mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	ctx := context.TODO()

	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	parsed, err := mta.ReadMessage(raw)
	if err != nil {
		return err
	}

	msgID := parsed.MessageID()
	if msgID == "" {
		msgID = "<" + uuid.NewString() + "@" + m.u.endp.cfg.Hostname + ">"
		parsed.Header.Add("Message-Id", msgID)
		raw = parsed.Bytes()
	}

	hub := m.u.endp.hub
	if err := hub.Mails.StoreMail(ctx, msgID, string(raw)); err != nil {
		return err
	}
	_, err = hub.MailRecords.Add(ctx, &usrsys.MailRecord{
		MailboxID: m.box.Identity,
		MessageID: msgID,
		Flags:     append([]string{}, flags...),
	})
	if err != nil {
		if derefErr := hub.Mails.DerefMailByID(ctx, msgID); derefErr != nil {
			m.u.endp.Log.Error("deref after failed placement", derefErr, "msg_id", msgID)
		}
		return err
	}
	return nil
}

func (m *mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, operation imap.FlagsOp, silent bool, flags []string) error {
	ctx := context.TODO()
	entries, err := m.entries(ctx)
	if err != nil {
		return err
	}

	for i, e := range entries {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = uint32(e.id)
		}
		if !seqSet.Contains(id) {
			continue
		}

		switch operation {
		case imap.SetFlags:
			e.rec.Flags = append([]string{}, flags...)
		case imap.AddFlags:
			for _, flag := range flags {
				if !hasFlag(e.rec.Flags, flag) {
					e.rec.Flags = append(e.rec.Flags, flag)
				}
			}
		case imap.RemoveFlags:
			for _, flag := range flags {
				e.rec.Flags = withoutFlag(e.rec.Flags, flag)
			}
		}

		if err := m.u.endp.hub.MailRecords.Update(ctx, e.id, e.rec); err != nil {
			return err
		}
	}
	return nil
}

// CopyMessages adds placements in the destination mailbox; the content
// itself is shared and gains one reference per copy.
func (m *mailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	ctx := context.TODO()
	dest, err := m.u.lookup(ctx, destName)
	if err != nil {
		return err
	}

	entries, err := m.entries(ctx)
	if err != nil {
		return err
	}
	hub := m.u.endp.hub

	for i, e := range entries {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = uint32(e.id)
		}
		if !seqSet.Contains(id) {
			continue
		}

		content, err := hub.Mails.GetMail(ctx, e.rec.MessageID)
		if err != nil {
			return err
		}
		if err := hub.Mails.StoreMail(ctx, e.rec.MessageID, content.RawMail); err != nil {
			return err
		}
		_, err = hub.MailRecords.Add(ctx, &usrsys.MailRecord{
			MailboxID: dest.box.Identity,
			MessageID: e.rec.MessageID,
			Flags:     append([]string{}, e.rec.Flags...),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *mailbox) Expunge() error {
	ctx := context.TODO()
	entries, err := m.entries(ctx)
	if err != nil {
		return err
	}

	hub := m.u.endp.hub
	for _, e := range entries {
		if !hasFlag(e.rec.Flags, imap.DeletedFlag) {
			continue
		}
		if err := hub.MailRecords.Delete(ctx, e.id); err != nil {
			return err
		}
		if err := hub.Mails.DerefMailByID(ctx, e.rec.MessageID); err != nil {
			return err
		}
	}
	return nil
}

func (m *mailbox) Idle(done <-chan struct{}) {
	<-done
}
