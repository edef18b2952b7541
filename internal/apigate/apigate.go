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

// Package apigate is the HTTP side door: a liveness endpoint for
// connectivity probes and the Prometheus scrape target.
package apigate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/themadorg/mailboat/framework/log"
)

type Config struct {
	// Binds lists the listen addresses. An empty list binds one
	// loopback listener on a random port; the effective address is
	// available through Addrs.
	Binds []string

	// Gatherer backs the /metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer

	Log log.Logger
}

type Gate struct {
	cfg Config
	mux *http.ServeMux

	server    *http.Server
	listeners []net.Listener
	log       log.Logger
}

func New(cfg Config) *Gate {
	g := &Gate{cfg: cfg, log: cfg.Log}

	mux := http.NewServeMux()
	mux.HandleFunc("/generate204", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	g.mux = mux
	g.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return g
}

// Start brings up the listeners and begins serving.
func (g *Gate) Start() error {
	binds := g.cfg.Binds
	if len(binds) == 0 {
		binds = []string{"127.0.0.1:0"}
	}

	for _, bind := range binds {
		l, err := net.Listen("tcp", bind)
		if err != nil {
			g.closeListeners()
			return fmt.Errorf("apigate: listen %s: %w", bind, err)
		}
		g.log.Printf("http gate listening on %v", l.Addr())
		g.listeners = append(g.listeners, l)

		go func(l net.Listener) {
			if err := g.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.log.Error("http gate serve failed", err)
			}
		}(l)
	}
	return nil
}

// Addrs reports the effective listen addresses.
func (g *Gate) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(g.listeners))
	for _, l := range g.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (g *Gate) closeListeners() {
	for _, l := range g.listeners {
		l.Close()
	}
	g.listeners = nil
}

func (g *Gate) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.server.Shutdown(ctx)
	g.closeListeners()
	return err
}
