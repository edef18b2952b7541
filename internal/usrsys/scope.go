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

import "strings"

// ScopeActAsUser is the scope granted by a plain password login: act on
// the owning user's behalf.
const ScopeActAsUser = "act_as_user"

// ScopeMail is the broad mail administration scope. Tokens carrying it
// are too powerful for a mail-user-agent login and are rejected there.
const ScopeMail = "mail"

// Scope is a set of dotted permission strings with prefix-cover
// semantics: "a.b" covers "a.b.c" but not the other way around.
type Scope []string

// ScopeMatch reports whether defined covers requesting: the dot
// components of defined must be a prefix of, and no longer than,
// requesting.
func ScopeMatch(defined, requesting string) bool {
	defParts := strings.Split(defined, ".")
	reqParts := strings.Split(requesting, ".")
	if len(defParts) > len(reqParts) {
		return false
	}
	for i, p := range defParts {
		if p != reqParts[i] {
			return false
		}
	}
	return true
}

// Contains reports whether some element of the scope covers val.
func (s Scope) Contains(val string) bool {
	for _, defined := range s {
		if ScopeMatch(defined, val) {
			return true
		}
	}
	return false
}

// IsSupersetOf reports whether every scope in other is covered by some
// element of s.
func (s Scope) IsSupersetOf(other Scope) bool {
	for _, requested := range other {
		if !s.Contains(requested) {
			return false
		}
	}
	return true
}
