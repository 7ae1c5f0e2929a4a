// Package reputation tracks per-peer sync history on this node. Each node
// collects its own local data; nothing here is gossiped or shared. The
// scheduler consults it to skip peers that recently violated the protocol
// and to prefer endpoints that have synced cleanly before.
package reputation

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// PeerRecord holds sync history for a single peer.
type PeerRecord struct {
	NodeID     string         `json:"node_id"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	SyncCount  int            `json:"sync_count"`
	FailCount  int            `json:"fail_count"`
	AvgSyncMs  float64        `json:"avg_sync_ms"`
	Sources    map[string]int `json:"sources"` // "gossip":12, "mdns":3, "rendezvous":5
	LastError  string         `json:"last_error,omitempty"`
	Introducer string         `json:"introducer,omitempty"`  // node id or endpoint that first named this peer
	IntroVia   string         `json:"intro_via,omitempty"`   // "invite", "gossip", "mdns", "rendezvous"
	ViolatedAt time.Time      `json:"violated_at,omitempty"` // last protocol violation, for operators
}

// History manages the local sync history file plus the runtime violation
// cooldowns. Cooldowns are not persisted: they span one dial interval and
// a restart clears them.
type History struct {
	mu         sync.RWMutex
	path       string
	records    map[string]*PeerRecord
	retryAfter map[string]time.Time
}

// NewHistory creates or loads a history. path may be empty for
// memory-only operation (tests, ephemeral nodes).
func NewHistory(path string) *History {
	h := &History{
		path:       path,
		records:    make(map[string]*PeerRecord),
		retryAfter: make(map[string]time.Time),
	}
	_ = h.Load() // best-effort
	return h
}

func (h *History) recordLocked(nodeID string) *PeerRecord {
	r, ok := h.records[nodeID]
	if !ok {
		r = &PeerRecord{
			NodeID:    nodeID,
			FirstSeen: time.Now(),
			Sources:   make(map[string]int),
		}
		h.records[nodeID] = r
	}
	return r
}

// RecordSync notes one clean exchange with a peer: source names the path
// that produced it ("gossip", "mdns", "rendezvous").
func (h *History) RecordSync(nodeID, source string, elapsed time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.recordLocked(nodeID)
	r.LastSeen = time.Now()
	r.SyncCount++
	r.LastError = ""
	if source != "" {
		if r.Sources == nil {
			r.Sources = make(map[string]int)
		}
		r.Sources[source]++
	}

	// Running average: new_avg = old_avg + (value - old_avg) / count
	if ms := float64(elapsed.Milliseconds()); ms > 0 {
		r.AvgSyncMs += (ms - r.AvgSyncMs) / float64(r.SyncCount)
	}
}

// RecordFailure notes a transient failure (dial refused, timeout, reset).
// Transient failures never block a peer; the next round tries again.
func (h *History) RecordFailure(nodeID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.recordLocked(nodeID)
	r.FailCount++
	if err != nil {
		r.LastError = err.Error()
	}
}

// RecordViolation notes a protocol violation and blocks the peer until
// the given time. The scheduler passes now+interval, so a violator sits
// out exactly one dial round.
func (h *History) RecordViolation(nodeID string, until time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.recordLocked(nodeID)
	r.FailCount++
	r.ViolatedAt = time.Now()
	r.LastError = "protocol violation"
	h.retryAfter[nodeID] = until
}

// Blocked reports whether a peer is sitting out a violation cooldown.
// Expired cooldowns are dropped on the way through.
func (h *History) Blocked(nodeID string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	until, ok := h.retryAfter[nodeID]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(h.retryAfter, nodeID)
	return false
}

// RecordIntroduction notes how a peer was first learned of.
// Later introductions do not overwrite the first.
func (h *History) RecordIntroduction(nodeID, introducer, via string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.recordLocked(nodeID)
	if r.Introducer == "" {
		r.Introducer = introducer
		r.IntroVia = via
	}
}

// Get returns a copy of the record for the given peer, or nil.
func (h *History) Get(nodeID string) *PeerRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.records[nodeID]
	if !ok {
		return nil
	}
	cp := *r
	cp.Sources = make(map[string]int, len(r.Sources))
	for k, v := range r.Sources {
		cp.Sources[k] = v
	}
	return &cp
}

// Count returns the number of peers tracked.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Load reads the history file from disk. A missing file is a fresh start.
func (h *History) Load() error {
	if h.path == "" {
		return nil
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sync history: %w", err)
	}

	var records map[string]*PeerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse sync history: %w", err)
	}

	h.mu.Lock()
	h.records = records
	h.mu.Unlock()
	return nil
}

// Save writes the history file to disk atomically.
func (h *History) Save() error {
	if h.path == "" {
		return nil
	}
	h.mu.RLock()
	data, err := json.MarshalIndent(h.records, "", "  ")
	h.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal sync history: %w", err)
	}

	tmpPath := h.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write sync history: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename sync history: %w", err)
	}
	return nil
}
