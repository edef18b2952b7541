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

// Package storage implements the record store used for all persistent
// state: JSON-shaped records grouped into named collections, addressed
// by an engine-assigned integer id.
package storage

import (
	"encoding/json"
	"errors"

	"context"
)

// IDKey is the reserved record key holding the engine-assigned id.
const IDKey = "__id"

// Record is a single JSON-shaped document. Values are restricted to what
// encoding/json produces: strings, numbers, bools, []interface{} and
// nested map[string]interface{}.
type Record = map[string]interface{}

// Query matches records by equality on top-level fields.
type Query = map[string]interface{}

// ErrNoRecord is returned by lookups that matched nothing.
var ErrNoRecord = errors.New("storage: no record matched")

// CommonStorage is a single named collection of records.
//
// Store assigns and returns the record id. Find returns a cursor that
// streams matches in id order; the produced batch size is bounded so
// abandoning the cursor (Close or context cancellation) does not leave
// the full result set in memory.
type CommonStorage interface {
	Store(ctx context.Context, rec Record) (int64, error)
	Fetch(ctx context.Context, id int64) (Record, error)
	Update(ctx context.Context, id int64, rec Record) error
	Delete(ctx context.Context, id int64) error

	Find(ctx context.Context, q Query) (*Cursor, error)
	FindOne(ctx context.Context, q Query) (Record, error)
	UpdateOne(ctx context.Context, q Query, rec Record, upsert bool) error
	Remove(ctx context.Context, q Query) (int, error)
	RemoveOne(ctx context.Context, q Query) error

	// IDs returns the ids of all records in the collection in ascending
	// order. Used for queue recovery after restart.
	IDs(ctx context.Context) ([]int64, error)
}

// Cursor streams records matched by Find. Typical use:
//
//	cur, err := col.Find(ctx, q)
//	defer cur.Close()
//	for {
//		rec, ok := cur.Next()
//		if !ok {
//			break
//		}
//		...
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	ch     <-chan Record
	cancel context.CancelFunc
	err    *error
}

func (c *Cursor) Next() (Record, bool) {
	rec, ok := <-c.ch
	return rec, ok
}

// Err reports the error that terminated iteration, if any. Valid only
// after Next returned false.
func (c *Cursor) Err() error {
	return *c.err
}

// Close cancels the producer. Safe to call multiple times and after
// iteration finished.
func (c *Cursor) Close() {
	c.cancel()
	for range c.ch {
	}
}

// RecordID extracts the engine id from a record returned by Find/Fetch.
func RecordID(rec Record) (int64, bool) {
	switch v := rec[IDKey].(type) {
	case int64:
		return v, true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case float64:
		return int64(v), true
	}
	return 0, false
}

// matches reports whether every field of q is present in rec with an
// equal value. Numbers are compared by value regardless of the concrete
// Go type they were decoded into.
func matches(rec Record, q Query) bool {
	for k, want := range q {
		got, ok := rec[k]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	// Composite values are not meaningful query operands, compare by
	// JSON form as a last resort.
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
