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

package mta

import (
	"context"
	"net"
	"testing"

	"blitiri.com.ar/go/spf"
	"github.com/foxcpp/go-mockdns"
)

func TestCheckSPF(t *testing.T) {
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.org.": {
			TXT: []string{"v=spf1 ip4:192.0.2.0/24 -all"},
		},
	}}

	res, err := CheckSPF(context.Background(), resolver,
		net.ParseIP("192.0.2.10"), "mx.example.org", "alyx@example.org")
	if err != nil {
		t.Fatalf("CheckSPF: %v", err)
	}
	if res != spf.Pass {
		t.Errorf("result = %v, want Pass", res)
	}

	res, _ = CheckSPF(context.Background(), resolver,
		net.ParseIP("198.51.100.1"), "mx.example.org", "alyx@example.org")
	if res != spf.Fail {
		t.Errorf("result = %v, want Fail", res)
	}
}
