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

// Package address provides helpers for working with email addresses as
// defined by the RFC 5321 forward-path token.
package address

import (
	"errors"
	"strings"
)

// Split splits an email address into local part (mailbox) and domain.
//
// Note that definition of the forward-path token includes the special
// postmaster address without the domain part. Split will return domain == ""
// in this case.
//
// Split does almost no sanity checks on the input and is intentionally naive.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:indx]
	domain = addr[indx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return
}

// Equal reports whether two addresses are equal, comparing the domain part
// case-insensitively.
func Equal(a, b string) bool {
	aMbox, aDomain, err := Split(a)
	if err != nil {
		return a == b
	}
	bMbox, bDomain, err := Split(b)
	if err != nil {
		return a == b
	}
	return aMbox == bMbox && strings.EqualFold(aDomain, bDomain)
}
