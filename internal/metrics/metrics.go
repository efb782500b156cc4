// Package metrics is a hand-rolled Prometheus text-format exporter over
// the two counters this overlay usefully exposes: node selection and
// tunnel send failures.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	enabled bool
	mu      sync.RWMutex

	selectedTotal map[string]uint64
	failuresTotal map[string]uint64
}

var (
	regMu sync.RWMutex
	reg   = registry{}
)

// Enable turns on metrics collection. Safe to call more than once.
func Enable() {
	regMu.Lock()
	defer regMu.Unlock()
	if reg.enabled {
		return
	}
	reg.selectedTotal = make(map[string]uint64)
	reg.failuresTotal = make(map[string]uint64)
	reg.enabled = true
}

// ObserveSelection records that nodeID was picked by a Node Coordinator.
func ObserveSelection(nodeID string) {
	regMu.RLock()
	if !reg.enabled {
		regMu.RUnlock()
		return
	}
	reg.mu.Lock()
	regMu.RUnlock()
	defer reg.mu.Unlock()
	reg.selectedTotal[fmt.Sprintf("node=%s", nodeID)]++
}

// ObserveFailure records that a send to nodeID failed.
func ObserveFailure(nodeID string) {
	regMu.RLock()
	if !reg.enabled {
		regMu.RUnlock()
		return
	}
	reg.mu.Lock()
	regMu.RUnlock()
	defer reg.mu.Unlock()
	reg.failuresTotal[fmt.Sprintf("node=%s", nodeID)]++
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func handler(w http.ResponseWriter, _ *http.Request) {
	regMu.RLock()
	enabled := reg.enabled
	regMu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	writeCounterVec(w, "olla_node_selected_total", reg.selectedTotal)
	writeCounterVec(w, "olla_node_send_failures_total", reg.failuresTotal)
}

func writeCounterVec(w http.ResponseWriter, name string, data map[string]uint64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %d\n", name, k, data[k])
	}
}
