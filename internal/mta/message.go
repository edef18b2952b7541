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

// Package mta implements the mail transfer core: the SMTP ingress
// endpoint, the durable email queue and the transfer agent doing local
// and remote delivery.
package mta

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/mail"

	"github.com/emersion/go-message"
	emailmail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is a parsed RFC 5322 message: structured header plus opaque
// body bytes.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// ReadMessage parses raw RFC 5322 text.
func ReadMessage(raw []byte) (*Message, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("mta: malformed message header: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("mta: failed to read message body: %w", err)
	}
	return &Message{Header: hdr, Body: body}, nil
}

// Bytes serializes the message back to wire form.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header); err != nil {
		// strings.Builder-backed writes do not fail; keep the body
		// anyway so the caller never loses content silently.
		buf.Reset()
	}
	buf.Write(m.Body)
	return buf.Bytes()
}

// Copy returns a deep copy sharing no header state with the original.
// The body is immutable by convention and shared.
func (m *Message) Copy() *Message {
	return &Message{Header: m.Header.Copy(), Body: m.Body}
}

// MessageID returns the Message-Id header value, empty when absent.
func (m *Message) MessageID() string {
	return m.Header.Get("Message-Id")
}

// AddressList parses the named header as an RFC 5322 address list.
// Absent headers yield an empty list; unparsable ones an error.
func (m *Message) AddressList(key string) ([]*mail.Address, error) {
	if !m.Header.Has(key) {
		return nil, nil
	}
	mh := emailmail.Header{Header: message.Header{Header: m.Header}}
	list, err := mh.AddressList(key)
	if err != nil {
		return nil, fmt.Errorf("mta: bad %s header: %w", key, err)
	}
	return list, nil
}
