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
	"time"

	"github.com/google/uuid"
)

// AppIDPasswordGrant marks tokens minted by a native password login
// rather than a registered application.
const AppIDPasswordGrant = "-1"

// TokenRecord is a minted access token.
type TokenRecord struct {
	Token     string `json:"token"`
	ProfileID string `json:"profileid"`
	AppID     string `json:"appid"`
	AppRev    string `json:"apprev,omitempty"`
	Scope     Scope  `json:"scope"`
	// Expiration is unix seconds, zero means the token never expires.
	Expiration int64 `json:"expiration,omitempty"`
}

// NewToken mints a token for the given profile. Zero values select the
// defaults: password-grant appid, [act_as_user] scope, no expiration.
func NewToken(profileID, appID string, scope Scope, expiresIn time.Duration) *TokenRecord {
	if appID == "" {
		appID = AppIDPasswordGrant
	}
	if len(scope) == 0 {
		scope = Scope{ScopeActAsUser}
	}
	var expiration int64
	if expiresIn > 0 {
		expiration = time.Now().UTC().Add(expiresIn).Unix()
	}
	return &TokenRecord{
		Token:      uuid.NewString(),
		ProfileID:  profileID,
		AppID:      appID,
		Scope:      scope,
		Expiration: expiration,
	}
}

// Available reports whether the token may still be used: the expiration
// is unset or strictly in the future.
func (t *TokenRecord) Available() bool {
	return t.Expiration == 0 || t.Expiration > time.Now().UTC().Unix()
}
