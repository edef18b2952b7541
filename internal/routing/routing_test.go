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

package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/themadorg/mailboat/internal/storage"
)

func testOverrides(t *testing.T) *Overrides {
	t.Helper()
	eng, err := storage.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	col, err := eng.Collection("routing.overrides")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	return New(col)
}

func TestResolveMiss(t *testing.T) {
	o := testOverrides(t)
	target, ok, err := o.Resolve(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok || target != "" {
		t.Errorf("Resolve miss = (%q, %v), want empty miss", target, ok)
	}
}

func TestSetResolveRoundTrip(t *testing.T) {
	o := testOverrides(t)
	ctx := context.Background()

	if err := o.Set(ctx, "Example.ORG.", "mx.staging.test", "migration"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for _, key := range []string{"example.org", "EXAMPLE.ORG", "example.org."} {
		target, ok, err := o.Resolve(ctx, key)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", key, err)
		}
		if !ok || target != "mx.staging.test" {
			t.Errorf("Resolve(%q) = (%q, %v), want mx.staging.test", key, target, ok)
		}
	}
}

func TestSetReplaces(t *testing.T) {
	o := testOverrides(t)
	ctx := context.Background()

	if err := o.Set(ctx, "example.org", "first.test", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := o.Set(ctx, "example.org", "second.test", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	target, ok, err := o.Resolve(ctx, "example.org")
	if err != nil || !ok {
		t.Fatalf("Resolve = (%q, %v, %v)", target, ok, err)
	}
	if target != "second.test" {
		t.Errorf("target = %q, want second.test", target)
	}
	list, err := o.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List returned %d rows after replace, want 1", len(list))
	}
}

func TestIPLiteralKeys(t *testing.T) {
	o := testOverrides(t)
	ctx := context.Background()

	if err := o.Set(ctx, "[1.1.1.1]", "2.2.2.2", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := o.Set(ctx, "[IPv6:2001:db8::1]", "relay.test", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	target, ok, err := o.Resolve(ctx, "1.1.1.1")
	if err != nil || !ok || target != "2.2.2.2" {
		t.Errorf("Resolve(1.1.1.1) = (%q, %v, %v), want 2.2.2.2", target, ok, err)
	}
	target, ok, err = o.Resolve(ctx, "2001:db8::1")
	if err != nil || !ok || target != "relay.test" {
		t.Errorf("Resolve(2001:db8::1) = (%q, %v, %v), want relay.test", target, ok, err)
	}
}

func TestRemove(t *testing.T) {
	o := testOverrides(t)
	ctx := context.Background()

	if err := o.Set(ctx, "example.org", "mx.test", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := o.Remove(ctx, "example.org."); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, err := o.Resolve(ctx, "example.org"); err != nil || ok {
		t.Errorf("override survived Remove (ok=%v, err=%v)", ok, err)
	}
	if err := o.Remove(ctx, "example.org"); !errors.Is(err, ErrNoOverride) {
		t.Errorf("second Remove = %v, want ErrNoOverride", err)
	}
	if _, err := o.Get(ctx, "example.org"); !errors.Is(err, ErrNoOverride) {
		t.Errorf("Get after Remove = %v, want ErrNoOverride", err)
	}
}

func TestListSorted(t *testing.T) {
	o := testOverrides(t)
	ctx := context.Background()

	for _, key := range []string{"zeta.test", "alpha.test", "mid.test"} {
		if err := o.Set(ctx, key, "mx."+key, ""); err != nil {
			t.Fatalf("Set(%q): %v", key, err)
		}
	}
	list, err := o.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"alpha.test", "mid.test", "zeta.test"}
	if len(list) != len(want) {
		t.Fatalf("List returned %d rows, want %d", len(list), len(want))
	}
	for i, ov := range list {
		if ov.LookupKey != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, ov.LookupKey, want[i])
		}
	}
}
