// Package status holds the pipeline's observable state: what the current
// job is doing and how the last run went. The in-memory snapshot serves the
// API; a copy is published to Redis so dashboard collaborators can read it
// without touching this service.
package status

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is the externally visible pipeline state. State values come from
// the pipeline package; this package treats them as opaque strings.
type Snapshot struct {
	State      string     `json:"state"`
	JobID      string     `json:"job_id,omitempty"`
	JobKind    string     `json:"job_kind,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	Rostered int `json:"rostered"`
	Enriched int `json:"enriched"`
	Failed   int `json:"failed"`
	Blocked  int `json:"blocked"`
	Synced   int `json:"synced"`

	BlockedCases []string            `json:"blocked_cases,omitempty"`
	Warnings     map[string][]string `json:"warnings,omitempty"`
	Errors       map[string]string   `json:"errors,omitempty"`
}

// KV is the publish side of the feed. Implemented by RedisKV; nil-safe via
// Tracker (a Tracker without a KV only keeps the in-memory snapshot).
type KV interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

const feedKey = "emr-bridge:job-status"

type Tracker struct {
	mu     sync.RWMutex
	snap   Snapshot
	kv     KV
	logger *zap.Logger
}

func NewTracker(kv KV, logger *zap.Logger) *Tracker {
	return &Tracker{
		snap:   Snapshot{State: "idle"},
		kv:     kv,
		logger: logger,
	}
}

// Update applies fn under the lock and publishes the result. A publish
// failure is logged and dropped; the feed is advisory.
func (t *Tracker) Update(fn func(*Snapshot)) {
	t.mu.Lock()
	fn(&t.snap)
	snap := t.snap
	t.mu.Unlock()

	if t.kv == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		t.logger.Error("marshal status snapshot", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.kv.Set(ctx, feedKey, string(payload), 0); err != nil {
		t.logger.Warn("publish status snapshot", zap.Error(err))
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}
