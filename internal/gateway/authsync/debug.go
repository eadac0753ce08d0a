package authsync

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// DebugHandler 返回 /debug/authsync 所需的 handler。
func (d *Dispatcher) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.snapshot())
	})
}

type debugSnapshot struct {
	QueueDepth int       `json:"queueDepth"`
	Pending    int       `json:"pending"`
	Workers    int       `json:"workers"`
	RateLimit  float64   `json:"rateLimit"`
	Players    []string  `json:"players"`
	Timestamp  time.Time `json:"timestamp"`
}

func (d *Dispatcher) snapshot() debugSnapshot {
	snap := debugSnapshot{Workers: d.cfg.Workers, Timestamp: time.Now()}
	d.mu.Lock()
	snap.Pending = len(d.states)
	snap.Players = make([]string, 0, len(d.states))
	for player := range d.states {
		snap.Players = append(snap.Players, player)
	}
	d.mu.Unlock()
	sort.Strings(snap.Players)
	snap.QueueDepth = len(d.queue)
	if limiter := d.limiter.Load(); limiter != nil {
		snap.RateLimit = float64(limiter.Limit())
	}
	return snap
}
