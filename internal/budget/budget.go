package budget

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reason classifies why a lock was denied.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonTokenLimit Reason = "token_limit"
	ReasonRateLimit  Reason = "rate_limit"
	ReasonValidation Reason = "validation"
)

// Reservation is one outstanding hold against a budget.
type Reservation struct {
	AppID      string
	Amount     int
	AcquiredAt time.Time
}

// LockResult is the outcome of a Lock call.
type LockResult struct {
	Allowed           bool
	Handle            string
	Reason            Reason
	Message           string
	AvailableAfter    int
	SecondsUntilReset int
}

// Snapshot is a point-in-time view of a budget.
type Snapshot struct {
	Limit             int
	Committed         int
	Held              int
	Available         int
	SecondsUntilReset int
}

// Budget is a tumbling-minute quota pool with hold/commit/release
// semantics. The window advances lazily: every entry point first checks
// whether a minute has passed and, if so, clears committed, held and all
// outstanding reservations. There is no background timer.
//
// committed may transiently exceed limit when a report declares more
// usage than was reserved; subsequent locks deny until the window rolls.
type Budget struct {
	mu           sync.Mutex
	name         string
	limit        int
	denyReason   Reason
	windowStart  time.Time
	committed    int
	held         int
	reservations map[string]Reservation

	now func() time.Time
}

// New creates a budget with the given per-minute limit. denyReason is the
// classification attached to capacity denials (token pool vs request
// pool), so paired budgets can tell the two apart.
func New(name string, limit int, denyReason Reason) *Budget {
	b := &Budget{
		name:         name,
		limit:        limit,
		denyReason:   denyReason,
		reservations: make(map[string]Reservation),
		now:          time.Now,
	}
	b.windowStart = b.now().Truncate(time.Minute)
	return b
}

// Name returns the budget's configured name.
func (b *Budget) Name() string { return b.name }

// rollIfNeeded advances the window when at least a minute has passed.
// The caller must hold b.mu. A backward clock jump never rewinds the
// window; a forward jump of any size advances it exactly once, to the
// largest minute boundary not after now.
func (b *Budget) rollIfNeeded(now time.Time) {
	if now.Sub(b.windowStart) < time.Minute {
		return
	}
	b.windowStart = now.Truncate(time.Minute)
	b.committed = 0
	b.held = 0
	b.reservations = make(map[string]Reservation)
}

// secondsUntilReset reports the time left in the current window, rounded
// up so a caller sleeping that long lands past the boundary. The caller
// must hold b.mu and must have rolled the window first.
func (b *Budget) secondsUntilReset(now time.Time) int {
	remaining := b.windowStart.Add(time.Minute).Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// Lock reserves amount against the budget. A negative amount is denied
// as a validation error without touching state. A zero amount is allowed
// and returns a fresh handle, but no reservation is recorded: held is
// untouched and a later report or release of that handle is the usual
// missing-handle no-op.
func (b *Budget) Lock(appID string, amount int) LockResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rollIfNeeded(now)
	reset := b.secondsUntilReset(now)

	if amount < 0 {
		return LockResult{
			Allowed:           false,
			Reason:            ReasonValidation,
			Message:           "amount must not be negative",
			AvailableAfter:    b.available(),
			SecondsUntilReset: reset,
		}
	}

	if b.committed+b.held+amount > b.limit {
		return LockResult{
			Allowed:           false,
			Reason:            b.denyReason,
			Message:           b.denialMessage(amount),
			AvailableAfter:    b.available(),
			SecondsUntilReset: reset,
		}
	}

	handle := uuid.New().String()
	if amount > 0 {
		b.held += amount
		b.reservations[handle] = Reservation{
			AppID:      appID,
			Amount:     amount,
			AcquiredAt: now,
		}
	}

	return LockResult{
		Allowed:           true,
		Handle:            handle,
		AvailableAfter:    b.available(),
		SecondsUntilReset: reset,
	}
}

// Report settles a reservation with the amount actually consumed. used
// is authoritative and may exceed the reserved amount; negative values
// count as zero. A handle that no longer exists (typically reclaimed by
// a window roll) is a no-op; the returned bool tells the caller whether
// the reservation was still live.
func (b *Budget) Report(handle string, used int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollIfNeeded(b.now())

	res, ok := b.reservations[handle]
	if !ok {
		return false
	}
	b.held -= res.Amount
	if used > 0 {
		b.committed += used
	}
	delete(b.reservations, handle)
	return true
}

// Release drops a reservation, returning its amount to the pool. Missing
// handles are a no-op, same as Report.
func (b *Budget) Release(handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollIfNeeded(b.now())

	res, ok := b.reservations[handle]
	if !ok {
		return false
	}
	b.held -= res.Amount
	delete(b.reservations, handle)
	return true
}

// Status rolls the window and returns the current snapshot.
func (b *Budget) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rollIfNeeded(now)

	return Snapshot{
		Limit:             b.limit,
		Committed:         b.committed,
		Held:              b.held,
		Available:         b.available(),
		SecondsUntilReset: b.secondsUntilReset(now),
	}
}

// available never reports below zero even when committed overshoots the
// limit. The caller must hold b.mu.
func (b *Budget) available() int {
	a := b.limit - b.committed - b.held
	if a < 0 {
		return 0
	}
	return a
}

func (b *Budget) denialMessage(amount int) string {
	if b.denyReason == ReasonRateLimit {
		return rateDenialMessage(b.committed+b.held, b.limit)
	}
	return tokenDenialMessage(amount, b.available(), b.committed+b.held, b.limit)
}
