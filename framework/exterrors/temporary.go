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

package exterrors

import "errors"

// TemporaryErr marks an error as retryable or final.
type TemporaryErr interface {
	Temporary() bool
}

type temporaryErr struct {
	err  error
	temp bool
}

func (t temporaryErr) Error() string   { return t.err.Error() }
func (t temporaryErr) Unwrap() error   { return t.err }
func (t temporaryErr) Temporary() bool { return t.temp }

// WithTemporary forces the retryability classification of err. The
// original error stays reachable through errors.Unwrap.
func WithTemporary(err error, temporary bool) error {
	return temporaryErr{err, temporary}
}

// IsTemporary reports whether err classifies itself as retryable.
// Errors without a Temporary method count as permanent.
func IsTemporary(err error) bool {
	var temp TemporaryErr
	return errors.As(err, &temp) && temp.Temporary()
}

// IsTemporaryOrUnspec is IsTemporary with the opposite default: an
// error that does not say is assumed retryable. The delivery path uses
// this so unknown failures get their retries.
func IsTemporaryOrUnspec(err error) bool {
	var temp TemporaryErr
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}
