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

// Package routing implements operator-managed delivery route overrides.
//
// Before outgoing delivery resolves a recipient domain through MX
// records, the override table is consulted. A matching row short-circuits
// DNS entirely and sends the mail to its target host. This lets an
// operator:
//   - route mail for a domain to a specific host during a migration,
//   - redirect IP-literal destinations (a@[1.1.1.1] elsewhere),
//   - point mail flows at a staging server without touching real DNS.
//
// Overrides are stored in a collection of the embedded database, so they
// survive restarts and are editable while the server runs.
package routing

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/storage"
)

// Override routes mail for LookupKey (a lowercase domain or IP) to
// TargetHost instead of the MX the public DNS would give.
type Override struct {
	LookupKey  string `json:"lookup_key"`
	TargetHost string `json:"target_host"`
	Comment    string `json:"comment,omitempty"`
}

// ErrNoOverride is returned by Get and Remove when no row matches the
// key.
var ErrNoOverride = errors.New("routing: no such override")

// Overrides is the typed view over the override collection.
type Overrides struct {
	t   storage.Typed[Override]
	Log log.Logger
}

func New(col storage.CommonStorage) *Overrides {
	return &Overrides{t: storage.Typed[Override]{C: col}}
}

// normalizeKey maps the many spellings of a destination to the stored
// form: lowercase, no trailing dot, IP literals without brackets or the
// IPv6: tag.
func normalizeKey(key string) string {
	key = strings.TrimPrefix(key, "[")
	key = strings.TrimSuffix(key, "]")
	key = strings.ToLower(key)
	key = strings.TrimPrefix(key, "ipv6:")
	return strings.TrimSuffix(key, ".")
}

// Resolve returns the override target for key, if one is set. A miss is
// not an error: ok is false and the caller proceeds with real DNS.
func (o *Overrides) Resolve(ctx context.Context, key string) (target string, ok bool, err error) {
	key = normalizeKey(key)
	rec, _, err := o.t.FindOne(ctx, storage.Query{"lookup_key": key})
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			return "", false, nil
		}
		return "", false, err
	}
	o.Log.DebugMsg("route override hit", "key", key, "target", rec.TargetHost)
	return rec.TargetHost, true, nil
}

// Set creates or replaces the override for key.
func (o *Overrides) Set(ctx context.Context, key, targetHost, comment string) error {
	key = normalizeKey(key)
	return o.t.UpdateOne(ctx, storage.Query{"lookup_key": key}, &Override{
		LookupKey:  key,
		TargetHost: targetHost,
		Comment:    comment,
	}, true)
}

// Get returns the override stored for key.
func (o *Overrides) Get(ctx context.Context, key string) (*Override, error) {
	rec, _, err := o.t.FindOne(ctx, storage.Query{"lookup_key": normalizeKey(key)})
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			return nil, ErrNoOverride
		}
		return nil, err
	}
	return rec, nil
}

// Remove deletes the override for key.
func (o *Overrides) Remove(ctx context.Context, key string) error {
	err := o.t.RemoveOne(ctx, storage.Query{"lookup_key": normalizeKey(key)})
	if errors.Is(err, storage.ErrNoRecord) {
		return ErrNoOverride
	}
	return err
}

// List returns all overrides sorted by key.
func (o *Overrides) List(ctx context.Context) ([]*Override, error) {
	recs, _, err := o.t.Find(ctx, storage.Query{})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].LookupKey < recs[j].LookupKey })
	return recs, nil
}
