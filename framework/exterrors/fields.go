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

// Package exterrors annotates error values with structured fields and
// a temporary/permanent classification, both consumed by the logging
// and delivery retry paths.
package exterrors

import "errors"

type fieldsErr interface {
	Fields() map[string]interface{}
}

type fieldsWrap struct {
	err    error
	fields map[string]interface{}
}

func (fw fieldsWrap) Error() string                  { return fw.err.Error() }
func (fw fieldsWrap) Unwrap() error                  { return fw.err }
func (fw fieldsWrap) Fields() map[string]interface{} { return fw.fields }

// WithFields attaches key-value context to err. The original error
// stays reachable through errors.Unwrap.
func WithFields(err error, fields map[string]interface{}) error {
	return fieldsWrap{err: err, fields: fields}
}

// Fields collects the attached fields of the whole error chain. When
// the same key appears at several wrapping depths, the outermost value
// wins.
func Fields(err error) map[string]interface{} {
	fields := make(map[string]interface{})
	for ; err != nil; err = errors.Unwrap(err) {
		fe, ok := err.(fieldsErr)
		if !ok {
			continue
		}
		for k, v := range fe.Fields() {
			if _, seen := fields[k]; !seen {
				fields[k] = v
			}
		}
	}
	return fields
}
