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
	"time"

	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/storage"
)

var (
	// ErrInvalidAuth is the "unknown user, bad password or bad token"
	// rejection. Deliberately carries no detail about which part failed.
	ErrInvalidAuth = errors.New("usrsys: invalid credentials")

	// ErrAuthorization means the credentials are genuine but their scope
	// does not cover the requested operation.
	ErrAuthorization = errors.New("usrsys: insufficient scope")
)

// AuthRequest carries one credential tuple: either username+password or
// a token string.
type AuthRequest struct {
	Username string
	Password string
	Token    string

	AppID string
	// NewTokenScope is the scope for the minted token; empty defaults
	// to [act_as_user].
	NewTokenScope Scope
	// RequestToken asks the password grant to mint and return a token.
	RequestToken bool
	// TokenExpiresIn sets the minted token expiration offset; zero
	// means no expiration.
	TokenExpiresIn time.Duration
}

// AuthAnswer reports the outcome. Handled=false means the request shape
// was not recognized (no usable credentials); Success is meaningful only
// when Handled.
type AuthAnswer struct {
	Handled               bool
	Success               bool
	RequiredSecondFactors []string
	Scope                 Scope
	Token                 string
	ProfileID             string
}

// AuthProvider validates credentials against the user and token
// storages.
type AuthProvider struct {
	Users  *UserRecordStorage
	Tokens *TokenRecordStorage
	Opts   HashOpts
	Log    log.Logger
}

func NewAuthProvider(users *UserRecordStorage, tokens *TokenRecordStorage) *AuthProvider {
	return &AuthProvider{
		Users:  users,
		Tokens: tokens,
		Opts:   SensitiveOpts,
		Log:    log.Logger{Name: "auth"},
	}
}

// Auth runs the authentication algorithm. Credential failures are
// reported through the answer, the error return is reserved for storage
// trouble.
func (p *AuthProvider) Auth(ctx context.Context, req AuthRequest) (AuthAnswer, error) {
	switch {
	case req.Username != "" && req.Password != "":
		return p.authPassword(ctx, req)
	case req.Token != "":
		return p.authToken(ctx, req)
	}
	return AuthAnswer{}, nil
}

func (p *AuthProvider) authPassword(ctx context.Context, req AuthRequest) (AuthAnswer, error) {
	user, _, err := p.Users.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			return AuthAnswer{Handled: true}, nil
		}
		// Normalization failures count as bad credentials, not storage
		// trouble.
		p.Log.DebugMsg("username rejected", "username", req.Username)
		return AuthAnswer{Handled: true}, nil
	}

	ok, err := VerifyPassword(ctx, req.Password, user.PasswordB64Hash)
	if err != nil {
		return AuthAnswer{Handled: true}, err
	}
	if !ok {
		return AuthAnswer{Handled: true}, nil
	}

	answer := AuthAnswer{Handled: true, Success: true, ProfileID: user.ProfileID}
	if req.RequestToken {
		token := NewToken(user.ProfileID, req.AppID, req.NewTokenScope, req.TokenExpiresIn)
		if _, err := p.Tokens.Store(ctx, token); err != nil {
			return AuthAnswer{Handled: true}, err
		}
		answer.Token = token.Token
		answer.Scope = token.Scope
	}
	return answer, nil
}

func (p *AuthProvider) authToken(ctx context.Context, req AuthRequest) (AuthAnswer, error) {
	token, _, err := p.Tokens.GetByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			return AuthAnswer{Handled: true}, nil
		}
		return AuthAnswer{Handled: true}, err
	}
	if !token.Available() {
		return AuthAnswer{Handled: true}, nil
	}
	if len(req.NewTokenScope) != 0 && !token.Scope.IsSupersetOf(req.NewTokenScope) {
		return AuthAnswer{Handled: true}, ErrAuthorization
	}
	return AuthAnswer{
		Handled:   true,
		Success:   true,
		Scope:     token.Scope,
		Token:     token.Token,
		ProfileID: token.ProfileID,
	}, nil
}
