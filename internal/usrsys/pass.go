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
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

const (
	argon2SaltLen = 16
	argon2KeyLen  = 64
)

// HashOpts holds the argon2id cost parameters for newly hashed
// passwords. The parameters are stored together with the hash so
// verification works regardless of the current defaults.
type HashOpts struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// SensitiveOpts matches the libsodium SENSITIVE profile.
var SensitiveOpts = HashOpts{Time: 4, Memory: 1024 * 1024, Threads: 4}

// Hashing is memory- and CPU-bound, keep concurrent computations
// bounded so a login burst cannot exhaust the process.
var hashSem = semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))

// HashPassword computes the argon2id hash of pass, returning the
// base64-encoded self-describing hash string stored in UserRecord.
func HashPassword(ctx context.Context, pass string, opts HashOpts) (string, error) {
	if err := hashSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer hashSem.Release(1)

	salt := make([]byte, argon2SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("usrsys: failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(pass), salt, opts.Time, opts.Memory, opts.Threads, argon2KeyLen)

	var out strings.Builder
	out.WriteString(strconv.FormatUint(uint64(opts.Time), 10))
	out.WriteRune(':')
	out.WriteString(strconv.FormatUint(uint64(opts.Memory), 10))
	out.WriteRune(':')
	out.WriteString(strconv.FormatUint(uint64(opts.Threads), 10))
	out.WriteRune(':')
	out.WriteString(base64.StdEncoding.EncodeToString(salt))
	out.WriteRune(':')
	out.WriteString(base64.StdEncoding.EncodeToString(hash))
	return base64.StdEncoding.EncodeToString([]byte(out.String())), nil
}

// VerifyPassword checks pass against a hash produced by HashPassword.
// The comparison is constant-time with respect to the hash value. A
// malformed stored hash is reported as an error, not a mismatch.
func VerifyPassword(ctx context.Context, pass, b64hash string) (bool, error) {
	if err := hashSem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer hashSem.Release(1)

	raw, err := base64.StdEncoding.DecodeString(b64hash)
	if err != nil {
		return false, fmt.Errorf("usrsys: malformed hash string: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 5)
	if len(parts) != 5 {
		return false, fmt.Errorf("usrsys: malformed hash string: want 5 fields, got %d", len(parts))
	}

	time, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return false, fmt.Errorf("usrsys: malformed hash string: %w", err)
	}
	memory, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return false, fmt.Errorf("usrsys: malformed hash string: %w", err)
	}
	threads, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return false, fmt.Errorf("usrsys: malformed hash string: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("usrsys: malformed hash string: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("usrsys: malformed hash string: %w", err)
	}

	passHash := argon2.IDKey([]byte(pass), salt, uint32(time), uint32(memory), uint8(threads), uint32(len(hash)))
	return subtle.ConstantTimeCompare(passHash, hash) == 1, nil
}
