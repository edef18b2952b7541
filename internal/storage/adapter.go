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

package storage

import (
	"bytes"
	"context"
	"encoding/json"
)

// Pack converts a typed record into its document form using the json
// tags of T.
func Pack(v interface{}) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Unpack fills a typed record from its document form. Fields absent from
// the document are left at their zero value, unknown document fields are
// ignored.
func Unpack(rec Record, v interface{}) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Typed is a thin typed view over a collection. T must be a struct with
// json tags naming the document fields.
type Typed[T any] struct {
	C CommonStorage
}

// Store inserts the record and returns its assigned id.
func (t Typed[T]) Store(ctx context.Context, v *T) (int64, error) {
	rec, err := Pack(v)
	if err != nil {
		return 0, err
	}
	return t.C.Store(ctx, rec)
}

// FindOne returns the first matching record and its id.
func (t Typed[T]) FindOne(ctx context.Context, q Query) (*T, int64, error) {
	rec, err := t.C.FindOne(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	id, _ := RecordID(rec)
	v := new(T)
	if err := Unpack(rec, v); err != nil {
		return nil, 0, err
	}
	return v, id, nil
}

// Find collects all matching records. Use the untyped cursor directly
// when the result set may be large.
func (t Typed[T]) Find(ctx context.Context, q Query) ([]*T, []int64, error) {
	cur, err := t.C.Find(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close()

	var (
		out []*T
		ids []int64
	)
	for {
		rec, ok := cur.Next()
		if !ok {
			break
		}
		id, _ := RecordID(rec)
		v := new(T)
		if err := Unpack(rec, v); err != nil {
			return nil, nil, err
		}
		out = append(out, v)
		ids = append(ids, id)
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}
	return out, ids, nil
}

// Update replaces the record stored under id.
func (t Typed[T]) Update(ctx context.Context, id int64, v *T) error {
	rec, err := Pack(v)
	if err != nil {
		return err
	}
	return t.C.Update(ctx, id, rec)
}

// UpdateOne replaces the first record matching q, inserting when upsert
// is set and nothing matched.
func (t Typed[T]) UpdateOne(ctx context.Context, q Query, v *T, upsert bool) error {
	rec, err := Pack(v)
	if err != nil {
		return err
	}
	return t.C.UpdateOne(ctx, q, rec, upsert)
}

func (t Typed[T]) RemoveOne(ctx context.Context, q Query) error {
	return t.C.RemoveOne(ctx, q)
}
