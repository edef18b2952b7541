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
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// docRow is the row shape shared by all collections: an autoincrement id
// and the JSON document body.
type docRow struct {
	ID  int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Doc string `gorm:"column:doc;type:text"`
}

// Engine owns a single embedded database holding any number of named
// collections, one table each.
type Engine struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the database file at path.
// Pass ":memory:" for an in-process throwaway database.
func Open(path string, debug bool) (*Engine, error) {
	gormCfg := &gorm.Config{}
	if !debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(sqlite.Open(path), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get underlying sql.DB: %w", err)
	}
	if path == ":memory:" {
		// The in-memory database exists per connection, the pool must
		// collapse to one so every collection sees the same data.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(64)
		sqlDB.SetMaxIdleConns(8)
	}

	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Collection returns the named collection, creating its table on first
// use. Collection names may contain characters that are not valid in SQL
// identifiers (the transfer agent queue is called "<name>.queue"), these
// are folded into underscores for the table name.
func (e *Engine) Collection(name string) (CommonStorage, error) {
	table := tableName(name)
	if err := e.db.Table(table).AutoMigrate(&docRow{}); err != nil {
		return nil, fmt.Errorf("storage: failed to migrate collection %s: %w", name, err)
	}
	return &gormCollection{db: e.db, table: table}, nil
}

func tableName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
	return "records_" + mapped
}

type gormCollection struct {
	db    *gorm.DB
	table string
}

func decodeDoc(doc string) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(doc)))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("storage: malformed document: %w", err)
	}
	return rec, nil
}

func encodeDoc(rec Record) (string, error) {
	if _, ok := rec[IDKey]; ok {
		clean := make(Record, len(rec))
		for k, v := range rec {
			if k == IDKey {
				continue
			}
			clean[k] = v
		}
		rec = clean
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("storage: failed to encode document: %w", err)
	}
	return string(doc), nil
}

func (c *gormCollection) Store(ctx context.Context, rec Record) (int64, error) {
	doc, err := encodeDoc(rec)
	if err != nil {
		return 0, err
	}
	row := docRow{Doc: doc}
	if err := c.db.WithContext(ctx).Table(c.table).Create(&row).Error; err != nil {
		return 0, err
	}
	rec[IDKey] = row.ID
	return row.ID, nil
}

func (c *gormCollection) Fetch(ctx context.Context, id int64) (Record, error) {
	var row docRow
	err := c.db.WithContext(ctx).Table(c.table).Where("id = ?", id).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNoRecord
		}
		return nil, err
	}
	rec, err := decodeDoc(row.Doc)
	if err != nil {
		return nil, err
	}
	rec[IDKey] = row.ID
	return rec, nil
}

func (c *gormCollection) Update(ctx context.Context, id int64, rec Record) error {
	doc, err := encodeDoc(rec)
	if err != nil {
		return err
	}
	res := c.db.WithContext(ctx).Table(c.table).Where("id = ?", id).Update("doc", doc)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoRecord
	}
	return nil
}

func (c *gormCollection) Delete(ctx context.Context, id int64) error {
	return c.db.WithContext(ctx).Table(c.table).Where("id = ?", id).Delete(&docRow{}).Error
}

// Find scans the whole collection and filters in memory. Queries here are
// always on small account-sized collections or are id-bounded, a proper
// index is not worth the schema complexity.
func (c *gormCollection) Find(ctx context.Context, q Query) (*Cursor, error) {
	prodCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Record, 16)
	errPtr := new(error)

	go func() {
		defer close(ch)
		rows, err := c.db.WithContext(prodCtx).Table(c.table).
			Select("id, doc").Order("id").Rows()
		if err != nil {
			*errPtr = err
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row docRow
			if err := rows.Scan(&row.ID, &row.Doc); err != nil {
				*errPtr = err
				return
			}
			rec, err := decodeDoc(row.Doc)
			if err != nil {
				*errPtr = err
				return
			}
			if !matches(rec, q) {
				continue
			}
			rec[IDKey] = row.ID
			select {
			case ch <- rec:
			case <-prodCtx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			*errPtr = err
		}
	}()

	return &Cursor{ch: ch, cancel: cancel, err: errPtr}, nil
}

func (c *gormCollection) FindOne(ctx context.Context, q Query) (Record, error) {
	cur, err := c.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	rec, ok := cur.Next()
	if !ok {
		if err := cur.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoRecord
	}
	return rec, nil
}

func (c *gormCollection) UpdateOne(ctx context.Context, q Query, rec Record, upsert bool) error {
	existing, err := c.FindOne(ctx, q)
	if err != nil {
		if err == ErrNoRecord && upsert {
			_, err = c.Store(ctx, rec)
			return err
		}
		return err
	}
	id, _ := RecordID(existing)
	return c.Update(ctx, id, rec)
}

func (c *gormCollection) Remove(ctx context.Context, q Query) (int, error) {
	cur, err := c.Find(ctx, q)
	if err != nil {
		return 0, err
	}
	defer cur.Close()
	var ids []int64
	for {
		rec, ok := cur.Next()
		if !ok {
			break
		}
		if id, ok := RecordID(rec); ok {
			ids = append(ids, id)
		}
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := c.Delete(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

func (c *gormCollection) RemoveOne(ctx context.Context, q Query) error {
	rec, err := c.FindOne(ctx, q)
	if err != nil {
		return err
	}
	id, _ := RecordID(rec)
	return c.Delete(ctx, id)
}

func (c *gormCollection) IDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := c.db.WithContext(ctx).Table(c.table).Order("id").Pluck("id", &ids).Error
	return ids, err
}
