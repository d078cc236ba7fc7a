// Package budget implements per-user, per-dimension daily resource
// accounting. The ledger is the single point of cross-session
// synchronization; all locking is scoped to one (user, dimension) entry so
// unrelated users never contend.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Dimension is one metered resource axis.
type Dimension string

const (
	DimensionAudioMinutes Dimension = "audio_minutes"
	DimensionTextTokens   Dimension = "text_tokens"
	DimensionVisionTokens Dimension = "vision_tokens"
	DimensionDollars      Dimension = "dollars"
)

// Dimensions lists every metered axis.
var Dimensions = []Dimension{
	DimensionAudioMinutes,
	DimensionTextTokens,
	DimensionVisionTokens,
	DimensionDollars,
}

// WarnUtilization is the threshold at which a non-blocking warning should be
// surfaced to the client. At 1.0 reservations are denied.
const WarnUtilization = 0.8

// Snapshot is a read-only, point-in-time copy of one (user, dimension)
// entry. Sessions hold copies; only the ledger mutates the underlying state.
type Snapshot struct {
	Dimension Dimension `json:"dimension"`
	Used      float64   `json:"used"`
	Limit     float64   `json:"limit"`
}

// Utilization is used/limit; an entry with no limit never warns or denies.
func (s Snapshot) Utilization() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return s.Used / s.Limit
}

func (s Snapshot) Remaining() float64 {
	if s.Limit <= 0 {
		return 0
	}
	if s.Used >= s.Limit {
		return 0
	}
	return s.Limit - s.Used
}

// ExceededError is returned by Reserve when the reservation would push usage
// past the daily limit. It is an expected condition, not a failure: callers
// surface it as a structured message and pause the session.
type ExceededError struct {
	UserID   string
	Snapshot Snapshot
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for user %s on %s: used %.3f of %.3f",
		e.UserID, e.Snapshot.Dimension, e.Snapshot.Used, e.Snapshot.Limit)
}

// Limits is the fixed daily allowance per dimension. A zero or missing limit
// means the dimension is unmetered.
type Limits map[Dimension]float64

// Reporter receives committed usage for downstream metering (billing).
// Implementations must not block the caller.
type Reporter interface {
	RecordUsage(ctx context.Context, userID string, dim Dimension, amount float64)
}

// Ledger is the check/reserve/release/commit contract shared by the
// in-memory and Redis implementations.
type Ledger interface {
	// Check reports whether a reservation of estimate would be allowed.
	// It never mutates state.
	Check(ctx context.Context, userID string, dim Dimension, estimate float64) (bool, Snapshot, error)

	// Reserve atomically tests used+amount <= limit and provisionally
	// increments used. A denied reservation never changes used.
	Reserve(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error)

	// Release reverts a reservation that was never consumed. Usage never
	// goes negative.
	Release(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error)

	// Commit finalizes a previously reserved amount and forwards it to the
	// usage reporter, if any. It does not change used.
	Commit(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error)

	// SnapshotAll returns current snapshots for every dimension, for
	// pre-flight checks and the session record's budget_remaining copy.
	SnapshotAll(ctx context.Context, userID string) (map[Dimension]Snapshot, error)
}

type entryKey struct {
	user string
	dim  Dimension
}

type entry struct {
	mu   sync.Mutex
	used float64
	day  time.Time // UTC midnight of the day the usage belongs to
}

// MemoryLedger is the in-process Ledger. Usage resets lazily: the first
// touch of an entry after UTC midnight zeroes it.
type MemoryLedger struct {
	limits   Limits
	reporter Reporter
	now      func() time.Time

	mu      sync.Mutex
	entries map[entryKey]*entry
}

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithClock overrides the time source, used by tests to cross the daily
// boundary deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLedger) { l.now = now }
}

// WithReporter forwards committed usage to a downstream reporter.
func WithReporter(r Reporter) Option {
	return func(l *MemoryLedger) { l.reporter = r }
}

func NewMemoryLedger(limits Limits, opts ...Option) *MemoryLedger {
	l := &MemoryLedger{
		limits:  limits,
		now:     time.Now,
		entries: make(map[entryKey]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) limit(dim Dimension) float64 {
	return l.limits[dim]
}

func (l *MemoryLedger) entry(userID string, dim Dimension) *entry {
	key := entryKey{user: userID, dim: dim}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{day: utcDay(l.now())}
		l.entries[key] = e
	}
	return e
}

// resetIfStaleLocked zeroes usage when the UTC day has rolled over. The
// daily reset is the only operation permitted to decrease used to zero.
func (l *MemoryLedger) resetIfStaleLocked(e *entry) {
	today := utcDay(l.now())
	if !e.day.Equal(today) {
		e.used = 0
		e.day = today
	}
}

func (l *MemoryLedger) Check(ctx context.Context, userID string, dim Dimension, estimate float64) (bool, Snapshot, error) {
	_ = ctx
	limit := l.limit(dim)
	e := l.entry(userID, dim)
	e.mu.Lock()
	defer e.mu.Unlock()
	l.resetIfStaleLocked(e)

	snap := Snapshot{Dimension: dim, Used: e.used, Limit: limit}
	if limit <= 0 {
		return true, snap, nil
	}
	return e.used+estimate <= limit, snap, nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error) {
	_ = ctx
	if amount < 0 {
		return Snapshot{}, fmt.Errorf("reserve amount must be >= 0, got %v", amount)
	}
	limit := l.limit(dim)
	e := l.entry(userID, dim)
	e.mu.Lock()
	defer e.mu.Unlock()
	l.resetIfStaleLocked(e)

	if limit > 0 && e.used+amount > limit {
		return Snapshot{}, &ExceededError{
			UserID:   userID,
			Snapshot: Snapshot{Dimension: dim, Used: e.used, Limit: limit},
		}
	}
	e.used += amount
	return Snapshot{Dimension: dim, Used: e.used, Limit: limit}, nil
}

func (l *MemoryLedger) Release(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error) {
	_ = ctx
	if amount < 0 {
		return Snapshot{}, fmt.Errorf("release amount must be >= 0, got %v", amount)
	}
	e := l.entry(userID, dim)
	e.mu.Lock()
	defer e.mu.Unlock()
	l.resetIfStaleLocked(e)

	e.used -= amount
	if e.used < 0 {
		e.used = 0
	}
	return Snapshot{Dimension: dim, Used: e.used, Limit: l.limit(dim)}, nil
}

func (l *MemoryLedger) Commit(ctx context.Context, userID string, dim Dimension, amount float64) (Snapshot, error) {
	e := l.entry(userID, dim)
	e.mu.Lock()
	l.resetIfStaleLocked(e)
	snap := Snapshot{Dimension: dim, Used: e.used, Limit: l.limit(dim)}
	e.mu.Unlock()

	if l.reporter != nil && amount > 0 {
		l.reporter.RecordUsage(ctx, userID, dim, amount)
	}
	return snap, nil
}

func (l *MemoryLedger) SnapshotAll(ctx context.Context, userID string) (map[Dimension]Snapshot, error) {
	_ = ctx
	out := make(map[Dimension]Snapshot, len(Dimensions))
	for _, dim := range Dimensions {
		e := l.entry(userID, dim)
		e.mu.Lock()
		l.resetIfStaleLocked(e)
		out[dim] = Snapshot{Dimension: dim, Used: e.used, Limit: l.limit(dim)}
		e.mu.Unlock()
	}
	return out, nil
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
