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

package apigate

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/themadorg/mailboat/framework/log"
	"github.com/themadorg/mailboat/internal/metrics"
)

func startGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	cfg.Log = log.Logger{Out: log.NopOutput{}}
	g := New(cfg)
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGenerate204(t *testing.T) {
	g := startGate(t, Config{})

	addrs := g.Addrs()
	if len(addrs) != 1 {
		t.Fatalf("Addrs = %v, want one loopback listener", addrs)
	}
	if !strings.HasPrefix(addrs[0].String(), "127.0.0.1:") {
		t.Errorf("default bind %v is not loopback", addrs[0])
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/generate204", addrs[0]))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Post(fmt.Sprintf("http://%s/generate204", addrs[0]), "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp.StatusCode)
	}
}

func TestExplicitBind(t *testing.T) {
	g := startGate(t, Config{Binds: []string{"127.0.0.1:0", "127.0.0.1:0"}})
	if got := len(g.Addrs()); got != 2 {
		t.Errorf("Addrs count = %d, want 2", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	col := metrics.New(reg)
	col.MessageQueued()

	g := startGate(t, Config{Gatherer: reg})
	addr := g.Addrs()[0]

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !strings.Contains(string(body), "mailboat_queued_messages_total 1") {
		t.Errorf("metrics output missing queue counter:\n%s", body)
	}
}

func TestMetricsDisabledWithoutGatherer(t *testing.T) {
	g := startGate(t, Config{})
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", g.Addrs()[0]))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
