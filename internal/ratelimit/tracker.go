// Package ratelimit tracks rate-limit events per credential profile and
// ranks alternate profiles for failover. The Failure Classifier records
// into the tracker at detection time; the Failover Controller asks it for
// the best alternate when deciding whether to auto-swap.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/veletrix/warden/internal/classify"
)

// maxHistoryPerProfile bounds the retained event history.
const maxHistoryPerProfile = 100

// Event is one recorded rate-limit occurrence.
type Event struct {
	Time      time.Time `json:"time"`
	Profile   string    `json:"profile"`
	LimitType string    `json:"limit_type,omitempty"`
	ResetTime string    `json:"reset_time,omitempty"`
}

// ProfileState is the current standing of one credential profile.
type ProfileState struct {
	LastRateLimit   time.Time `json:"last_rate_limit,omitempty"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	TotalRateLimits int       `json:"total_rate_limits"`
	TotalSuccesses  int       `json:"total_successes"`
}

// Tracker is safe for concurrent use. If dataDir is empty, persistence is
// disabled.
type Tracker struct {
	mu         sync.RWMutex
	candidates []string // profile names eligible for failover, in config order
	history    map[string][]Event
	state      map[string]*ProfileState
	dataDir    string
}

type persistedData struct {
	State   map[string]*ProfileState `json:"state"`
	History map[string][]Event       `json:"history,omitempty"`
}

// New creates a Tracker persisting under dataDir (empty disables).
func New(dataDir string) *Tracker {
	return &Tracker{
		history: make(map[string][]Event),
		state:   make(map[string]*ProfileState),
		dataDir: dataDir,
	}
}

// SetCandidates declares which profiles exist and may be swapped to,
// in configuration order.
func (t *Tracker) SetCandidates(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append([]string(nil), names...)
}

// RecordRateLimit records a detection against the implicated profile.
// Implements classify.Recorder.
func (t *Tracker) RecordRateLimit(profile string, det classify.RateLimitDetection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := det.DetectedAt
	if now.IsZero() {
		now = time.Now()
	}

	ev := Event{Time: now, Profile: profile, LimitType: det.LimitType, ResetTime: det.ResetTime}
	t.history[profile] = append(t.history[profile], ev)
	if len(t.history[profile]) > maxHistoryPerProfile {
		t.history[profile] = t.history[profile][len(t.history[profile])-maxHistoryPerProfile:]
	}

	st := t.getOrCreateLocked(profile)
	st.LastRateLimit = now
	st.TotalRateLimits++
}

// RecordSuccess records a successful worker completion for a profile,
// which freshens its capacity ranking.
func (t *Tracker) RecordSuccess(profile string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.getOrCreateLocked(profile)
	st.LastSuccess = time.Now()
	st.TotalSuccesses++
}

// BestAlternate returns the candidate profile with the freshest known
// capacity, excluding the given one: never-rate-limited candidates win
// (config order breaks ties), then least-recently-rate-limited.
// Implements classify.Recorder.
func (t *Tracker) BestAlternate(exclude string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := ""
	var bestLimited time.Time
	haveBest := false

	for _, name := range t.candidates {
		if name == exclude {
			continue
		}
		var limited time.Time
		if st, ok := t.state[name]; ok {
			limited = st.LastRateLimit
		}
		if limited.IsZero() {
			// Never limited; first such candidate in config order wins.
			return name, true
		}
		if !haveBest || limited.Before(bestLimited) {
			best = name
			bestLimited = limited
			haveBest = true
		}
	}
	return best, haveBest
}

// State returns a copy of the state for a profile, or nil if untracked.
func (t *Tracker) State(profile string) *ProfileState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.state[profile]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// RecentEvents returns up to limit most recent events for a profile.
func (t *Tracker) RecentEvents(profile string, limit int) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	events := t.history[profile]
	if len(events) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	out := make([]Event, limit)
	copy(out, events[len(events)-limit:])
	return out
}

func (t *Tracker) getOrCreateLocked(profile string) *ProfileState {
	if st, ok := t.state[profile]; ok {
		return st
	}
	st := &ProfileState{}
	t.state[profile] = st
	return st
}

// Load reads persisted tracker data. A missing file is not an error.
func (t *Tracker) Load() error {
	if t.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(t.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read rate limits file: %w", err)
	}

	var pd persistedData
	if err := json.Unmarshal(data, &pd); err != nil {
		return fmt.Errorf("parse rate limits file: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if pd.State != nil {
		t.state = pd.State
	}
	if pd.History != nil {
		t.history = pd.History
	}
	return nil
}

// Save writes tracker data to disk. No-op when persistence is disabled.
func (t *Tracker) Save() error {
	if t.dataDir == "" {
		return nil
	}

	t.mu.RLock()
	pd := persistedData{
		State:   make(map[string]*ProfileState, len(t.state)),
		History: make(map[string][]Event, len(t.history)),
	}
	for k, v := range t.state {
		cp := *v
		pd.State[k] = &cp
	}
	for k, v := range t.history {
		pd.History[k] = append([]Event(nil), v...)
	}
	t.mu.RUnlock()

	if err := os.MkdirAll(t.dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}
	if err := os.WriteFile(t.path(), data, 0644); err != nil {
		return fmt.Errorf("write rate limits file: %w", err)
	}
	return nil
}

func (t *Tracker) path() string {
	return filepath.Join(t.dataDir, "rate_limits.json")
}
