// Package health implements the per-source circuit breaker. The tracker is a
// pure state transition: the fetch coordinator loads the current breaker
// state from the sources row, applies an outcome, and persists the result.
// Keeping the state in the row lets ranking and the API read it directly.
package health

import (
	"sync"
	"time"

	"github.com/signalbrief/briefd/internal/store"
	"github.com/signalbrief/briefd/internal/textutil"
)

// Config tunes the breaker. Zero values fall back to the defaults used in
// production.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker.
	FailureThreshold int
	// DisableFor is how long a tripped source stays out of rotation.
	DisableFor time.Duration
	// LatencyAlpha is the EMA smoothing factor for fetch latency.
	LatencyAlpha float64
}

const (
	DefaultFailureThreshold = 3
	DefaultDisableFor       = 180 * time.Minute
	DefaultLatencyAlpha     = 0.30

	// lastErrorLimit bounds the persisted error message, in bytes.
	lastErrorLimit = 512
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.DisableFor <= 0 {
		c.DisableFor = DefaultDisableFor
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		c.LatencyAlpha = DefaultLatencyAlpha
	}
	return c
}

// Tracker applies fetch outcomes to source breaker state.
type Tracker struct {
	mu  sync.RWMutex
	cfg Config
	now func() time.Time
}

// NewTracker builds a tracker with the given tuning.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults(), now: time.Now}
}

// Reconfigure swaps the tuning in place. The pipeline calls this at run
// start with the persisted settings, so operator edits apply to the next
// run without a restart.
func (t *Tracker) Reconfigure(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.mu.Unlock()
}

func (t *Tracker) config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// RecordSuccess returns the breaker state after a successful fetch: the
// consecutive-failure count resets, any cooldown clears, and latency folds
// into the EMA (a first observation seeds it).
func (t *Tracker) RecordSuccess(src store.SourceRecord, latency time.Duration) store.SourceHealthUpdate {
	cfg := t.config()
	now := t.now().UTC()
	upd := store.SourceHealthUpdate{
		ConsecutiveFailures:  0,
		ConsecutiveSuccesses: src.ConsecutiveSuccesses + 1,
		TotalFailures:        src.TotalFailures,
		TotalSuccesses:       src.TotalSuccesses + 1,
		DisabledUntil:        nil,
		LastError:            "",
		LastSuccessAt:        &now,
	}
	ms := float64(latency.Milliseconds())
	if src.AvgLatencyMS == nil {
		upd.AvgLatencyMS = &ms
	} else {
		avg := cfg.LatencyAlpha*ms + (1-cfg.LatencyAlpha)*(*src.AvgLatencyMS)
		upd.AvgLatencyMS = &avg
	}
	return upd
}

// RecordFailure returns the breaker state after a failed fetch. Reaching the
// threshold trips the breaker: the source is disabled until now+DisableFor.
func (t *Tracker) RecordFailure(src store.SourceRecord, fetchErr error) store.SourceHealthUpdate {
	cfg := t.config()
	msg := ""
	if fetchErr != nil {
		msg = textutil.TruncateBytes(fetchErr.Error(), lastErrorLimit)
	}
	upd := store.SourceHealthUpdate{
		ConsecutiveFailures:  src.ConsecutiveFailures + 1,
		ConsecutiveSuccesses: 0,
		TotalFailures:        src.TotalFailures + 1,
		TotalSuccesses:       src.TotalSuccesses,
		DisabledUntil:        src.DisabledUntil,
		LastError:            msg,
		LastSuccessAt:        src.LastSuccessAt,
		AvgLatencyMS:         src.AvgLatencyMS,
	}
	if upd.ConsecutiveFailures >= cfg.FailureThreshold {
		until := t.now().UTC().Add(cfg.DisableFor)
		upd.DisabledUntil = &until
	}
	return upd
}

// Available reports whether a source may be fetched at the given time.
func Available(src store.SourceRecord, now time.Time) bool {
	if !src.Enabled {
		return false
	}
	return src.DisabledUntil == nil || !src.DisabledUntil.After(now)
}

// Status labels a source's breaker state for the API.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusCooldown Status = "cooldown"
	StatusDegraded Status = "degraded"
	StatusHealthy  Status = "healthy"
)

// degradedFailures is the consecutive-failure count at which a source is
// reported degraded, below the breaker threshold.
const degradedFailures = 2

// Classify orders the states by severity: a disabled source is inactive no
// matter what its counters say, a tripped breaker wins over mere failures.
func Classify(src store.SourceRecord, now time.Time) Status {
	if !src.Enabled {
		return StatusInactive
	}
	if src.DisabledUntil != nil && src.DisabledUntil.After(now) {
		return StatusCooldown
	}
	if src.ConsecutiveFailures >= degradedFailures {
		return StatusDegraded
	}
	return StatusHealthy
}

// Score maps breaker state to a [0,1] reliability figure used as an input
// to ranking: the success fraction, zeroed while the breaker is open.
func Score(src store.SourceRecord, now time.Time) float64 {
	if !Available(src, now) {
		return 0
	}
	total := src.TotalSuccesses + src.TotalFailures
	if total == 0 {
		return 0.5
	}
	return float64(src.TotalSuccesses) / float64(total)
}
