// Package governor implements admission control for agent runs: a ceiling
// on concurrent sessions, a sliding one-hour window on run starts, and the
// per-run cost and duration ceilings handed out with each admission.
package governor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RateWindow is the span over which run starts are counted
const RateWindow = time.Hour

// Request describes a run asking for admission
type Request struct {
	AgentRef      string
	SessionID     string
	EstimatedCost float64
	// MaxDuration optionally shortens the configured duration limit.
	MaxDuration time.Duration
}

// Token is proof of admission. It must be released exactly once.
type Token struct {
	ID          string        `json:"id"`
	AdmittedAt  time.Time     `json:"admittedAt"`
	Deadline    time.Time     `json:"deadline"`
	MaxDuration time.Duration `json:"maxDuration"`
	CostCeiling float64       `json:"costCeiling"`
	TokenBudget int           `json:"tokenBudget"`
}

// Snapshot is a point-in-time view of governor counters
type Snapshot struct {
	Active         int    `json:"active"`
	StartsInWindow int    `json:"startsInWindow"`
	Limits         Limits `json:"limits"`
}

// Governor is safe for concurrent use. Each Admit and Release is a single
// read-modify-write under one mutex.
type Governor struct {
	limits Limits
	now    func() time.Time

	mu          sync.Mutex
	outstanding map[string]struct{}
	starts      []time.Time
	onChange    func(Snapshot)
}

// Option configures a Governor
type Option func(*Governor)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// WithObserver registers a callback invoked after every counter change
func WithObserver(fn func(Snapshot)) Option {
	return func(g *Governor) {
		g.onChange = fn
	}
}

// New creates a governor after validating limits
func New(limits Limits, opts ...Option) (*Governor, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	g := &Governor{
		limits:      limits,
		now:         time.Now,
		outstanding: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Limits returns the configured limits
func (g *Governor) Limits() Limits {
	return g.limits
}

// Admit checks the request against every limit and, if it fits, counts it
// as active and as a start in the rate window.
func (g *Governor) Admit(req Request) (Token, error) {
	if req.EstimatedCost > g.limits.MaxCostPerRun {
		return Token{}, &AdmissionError{
			Reason:  ReasonCostExceeded,
			Limit:   g.limits.MaxCostPerRun,
			Current: req.EstimatedCost,
		}
	}

	g.mu.Lock()
	now := g.now()
	g.pruneLocked(now)

	if len(g.outstanding) >= g.limits.MaxConcurrentAgents {
		active := len(g.outstanding)
		g.mu.Unlock()
		return Token{}, &AdmissionError{
			Reason:  ReasonConcurrencyExceeded,
			Limit:   float64(g.limits.MaxConcurrentAgents),
			Current: float64(active),
		}
	}

	if len(g.starts) >= g.limits.MaxRunsPerHour {
		retryAfter := g.starts[0].Add(RateWindow).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		count := len(g.starts)
		g.mu.Unlock()
		return Token{}, &AdmissionError{
			Reason:     ReasonRateExceeded,
			Limit:      float64(g.limits.MaxRunsPerHour),
			Current:    float64(count),
			RetryAfter: retryAfter,
		}
	}

	maxDuration := g.limits.MaxDuration()
	if req.MaxDuration > 0 && req.MaxDuration < maxDuration {
		maxDuration = req.MaxDuration
	}

	token := Token{
		ID:          uuid.NewString(),
		AdmittedAt:  now,
		Deadline:    now.Add(maxDuration),
		MaxDuration: maxDuration,
		CostCeiling: g.limits.MaxCostPerRun,
		TokenBudget: g.limits.MaxTokensPerRun,
	}
	g.outstanding[token.ID] = struct{}{}
	g.starts = append(g.starts, now)
	snap := g.snapshotLocked()
	g.mu.Unlock()

	g.notify(snap)
	return token, nil
}

// Release frees the concurrency slot held by token. It returns false if the
// token was already released or never issued.
func (g *Governor) Release(token Token) bool {
	g.mu.Lock()
	if _, ok := g.outstanding[token.ID]; !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.outstanding, token.ID)
	snap := g.snapshotLocked()
	g.mu.Unlock()

	g.notify(snap)
	return true
}

// Active returns the number of outstanding tokens
func (g *Governor) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.outstanding)
}

// Snapshot returns current counters
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	return g.snapshotLocked()
}

func (g *Governor) snapshotLocked() Snapshot {
	return Snapshot{
		Active:         len(g.outstanding),
		StartsInWindow: len(g.starts),
		Limits:         g.limits,
	}
}

// pruneLocked drops starts that have left the window. starts is appended in
// clock order so the expired entries are a prefix.
func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-RateWindow)
	i := 0
	for i < len(g.starts) && !g.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.starts = append(g.starts[:0], g.starts[i:]...)
	}
}

func (g *Governor) notify(snap Snapshot) {
	if g.onChange != nil {
		g.onChange(snap)
	}
}
