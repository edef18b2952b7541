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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/themadorg/mailboat/internal/storage"
)

func testProvider(t *testing.T) *AuthProvider {
	t.Helper()
	eng, err := storage.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	usersCol, err := eng.Collection("users")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	tokensCol, err := eng.Collection("tokens")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	p := NewAuthProvider(NewUserRecordStorage(usersCol), NewTokenRecordStorage(tokensCol))
	p.Opts = testHashOpts
	return p
}

func mustCreateUser(t *testing.T, p *AuthProvider, username, password string) *UserRecord {
	t.Helper()
	hash, err := HashPassword(context.Background(), password, p.Opts)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &UserRecord{
		Username:        username,
		PasswordB64Hash: hash,
		ProfileID:       uuid.NewString(),
		Mailboxes:       map[string]string{},
	}
	if _, err := p.Users.Store(context.Background(), user); err != nil {
		t.Fatalf("Store user: %v", err)
	}
	return user
}

func TestAuthPasswordGrant(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()
	user := mustCreateUser(t, p, "alyx", "alyxpassword")

	answer, err := p.Auth(ctx, AuthRequest{
		Username:     "alyx",
		Password:     "alyxpassword",
		RequestToken: true,
	})
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if !answer.Handled || !answer.Success {
		t.Fatalf("answer = %+v, want handled success", answer)
	}
	if answer.Token == "" {
		t.Fatal("no token minted")
	}
	if answer.ProfileID != user.ProfileID {
		t.Errorf("ProfileID = %q, want %q", answer.ProfileID, user.ProfileID)
	}

	tok, _, err := p.Tokens.GetByToken(ctx, answer.Token)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if tok.AppID != AppIDPasswordGrant {
		t.Errorf("AppID = %q, want %q", tok.AppID, AppIDPasswordGrant)
	}
	if len(tok.Scope) != 1 || tok.Scope[0] != ScopeActAsUser {
		t.Errorf("Scope = %v, want [%s]", tok.Scope, ScopeActAsUser)
	}
}

func TestAuthWrongPassword(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()
	mustCreateUser(t, p, "alyx", "alyxpassword")

	answer, err := p.Auth(ctx, AuthRequest{Username: "alyx", Password: "nope"})
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if !answer.Handled || answer.Success {
		t.Errorf("answer = %+v, want handled failure", answer)
	}
}

func TestAuthUnknownUser(t *testing.T) {
	p := testProvider(t)

	answer, err := p.Auth(context.Background(), AuthRequest{Username: "ghost", Password: "pw"})
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if !answer.Handled || answer.Success {
		t.Errorf("answer = %+v, want handled failure", answer)
	}
}

func TestAuthNoCredentials(t *testing.T) {
	p := testProvider(t)

	answer, err := p.Auth(context.Background(), AuthRequest{})
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if answer.Handled {
		t.Errorf("answer = %+v, want unhandled", answer)
	}
}

func TestAuthTokenGrant(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	tok := NewToken("profile-1", "", Scope{ScopeActAsUser}, 0)
	if _, err := p.Tokens.Store(ctx, tok); err != nil {
		t.Fatalf("Store token: %v", err)
	}

	answer, err := p.Auth(ctx, AuthRequest{Token: tok.Token})
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if !answer.Handled || !answer.Success {
		t.Fatalf("answer = %+v, want handled success", answer)
	}
	if answer.ProfileID != "profile-1" {
		t.Errorf("ProfileID = %q, want profile-1", answer.ProfileID)
	}
}

func TestAuthExpiredToken(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	tok := NewToken("profile-1", "", nil, 0)
	tok.Expiration = time.Now().UTC().Add(-time.Minute).Unix()
	if _, err := p.Tokens.Store(ctx, tok); err != nil {
		t.Fatalf("Store token: %v", err)
	}

	answer, err := p.Auth(ctx, AuthRequest{Token: tok.Token})
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if !answer.Handled || answer.Success {
		t.Errorf("answer = %+v, want handled failure", answer)
	}
}

func TestAuthTokenScopeCheck(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()

	tok := NewToken("profile-1", "", Scope{ScopeActAsUser}, 0)
	if _, err := p.Tokens.Store(ctx, tok); err != nil {
		t.Fatalf("Store token: %v", err)
	}

	_, err := p.Auth(ctx, AuthRequest{Token: tok.Token, NewTokenScope: Scope{"mail"}})
	if !errors.Is(err, ErrAuthorization) {
		t.Errorf("err = %v, want ErrAuthorization", err)
	}
}
