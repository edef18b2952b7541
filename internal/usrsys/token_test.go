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

import (
	"testing"
	"time"
)

func TestNewTokenDefaults(t *testing.T) {
	tok := NewToken("profile-1", "", nil, 0)
	if tok.Token == "" {
		t.Error("empty token string")
	}
	if tok.AppID != AppIDPasswordGrant {
		t.Errorf("AppID = %q, want %q", tok.AppID, AppIDPasswordGrant)
	}
	if len(tok.Scope) != 1 || tok.Scope[0] != ScopeActAsUser {
		t.Errorf("Scope = %v, want [%s]", tok.Scope, ScopeActAsUser)
	}
	if tok.Expiration != 0 {
		t.Errorf("Expiration = %d, want 0", tok.Expiration)
	}
}

func TestTokenAvailability(t *testing.T) {
	now := time.Now().UTC().Unix()

	noExpiry := &TokenRecord{}
	if !noExpiry.Available() {
		t.Error("token without expiration should be available")
	}

	future := &TokenRecord{Expiration: now + 3600}
	if !future.Available() {
		t.Error("token expiring in the future should be available")
	}

	past := &TokenRecord{Expiration: now - 1}
	if past.Available() {
		t.Error("expired token should not be available")
	}
}

func TestNewTokenExpiration(t *testing.T) {
	before := time.Now().UTC().Add(30 * time.Minute).Unix()
	tok := NewToken("profile-1", "app", Scope{"mail"}, 30*time.Minute)
	after := time.Now().UTC().Add(30 * time.Minute).Unix()

	if tok.Expiration < before || tok.Expiration > after {
		t.Errorf("Expiration = %d, want within [%d, %d]", tok.Expiration, before, after)
	}
	if !tok.Available() {
		t.Error("freshly minted token should be available")
	}
}
