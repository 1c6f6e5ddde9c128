package budget

import (
	"fmt"
	"strings"
)

// Pair composes a token budget with a request budget so one lock
// consumes amount tokens and exactly one request slot, all-or-nothing.
// The two budgets are always taken in a fixed order, tokens first; when
// the token half allows but the request half denies, the token hold is
// released before the combined denial is returned, so a denied pair lock
// never leaves either half incremented.
//
// The client-facing handle is "tokenHandle:requestHandle".
type Pair struct {
	tokens   *Budget
	requests *Budget
}

// PairSnapshot combines the two halves; SecondsUntilReset is the minimum
// of the two so a sleeping client wakes when the tighter pool resets.
type PairSnapshot struct {
	Tokens            Snapshot
	Requests          Snapshot
	SecondsUntilReset int
}

// NewPair builds a paired budget. The token budget must have been
// created with ReasonTokenLimit and the request budget with
// ReasonRateLimit so denials are distinguishable.
func NewPair(tokens, requests *Budget) *Pair {
	return &Pair{tokens: tokens, requests: requests}
}

// Lock reserves amount tokens and one request slot.
func (p *Pair) Lock(appID string, amount int) LockResult {
	tokenRes := p.tokens.Lock(appID, amount)
	if !tokenRes.Allowed {
		return tokenRes
	}

	rateRes := p.requests.Lock(appID, 1)
	if !rateRes.Allowed {
		// Compensating release: the token hold must not survive a
		// combined denial.
		p.tokens.Release(tokenRes.Handle)
		return rateRes
	}

	return LockResult{
		Allowed:           true,
		Handle:            tokenRes.Handle + ":" + rateRes.Handle,
		AvailableAfter:    tokenRes.AvailableAfter,
		SecondsUntilReset: minInt(tokenRes.SecondsUntilReset, rateRes.SecondsUntilReset),
	}
}

// Report settles the token half with the amount actually used and the
// request half with exactly one slot. Either half may already have been
// reclaimed by a window roll; both outcomes are benign.
func (p *Pair) Report(handle string, used int) {
	tokenHandle, rateHandle := SplitHandle(handle)
	if tokenHandle != "" {
		p.tokens.Report(tokenHandle, used)
	}
	if rateHandle != "" {
		p.requests.Report(rateHandle, 1)
	}
}

// Release drops both halves of the reservation.
func (p *Pair) Release(handle string) {
	tokenHandle, rateHandle := SplitHandle(handle)
	if tokenHandle != "" {
		p.tokens.Release(tokenHandle)
	}
	if rateHandle != "" {
		p.requests.Release(rateHandle)
	}
}

// Status returns both snapshots plus the effective reset time.
func (p *Pair) Status() PairSnapshot {
	ts := p.tokens.Status()
	rs := p.requests.Status()
	return PairSnapshot{
		Tokens:            ts,
		Requests:          rs,
		SecondsUntilReset: minInt(ts.SecondsUntilReset, rs.SecondsUntilReset),
	}
}

// SplitHandle parses a compound "token:rate" handle. A handle without a
// colon is treated as a bare token handle; either half may be empty and
// callers skip the missing side.
func SplitHandle(handle string) (tokenHandle, rateHandle string) {
	before, after, found := strings.Cut(handle, ":")
	if !found {
		return handle, ""
	}
	return before, after
}

// JoinHandle is the inverse of SplitHandle for callers that track the
// halves separately.
func JoinHandle(tokenHandle, rateHandle string) string {
	if rateHandle == "" {
		return tokenHandle
	}
	return tokenHandle + ":" + rateHandle
}

func tokenDenialMessage(requested, available, total, limit int) string {
	return fmt.Sprintf("Not enough tokens available. Requested: %d, available: %d, used: %d/%d",
		requested, available, total, limit)
}

func rateDenialMessage(total, limit int) string {
	return fmt.Sprintf("No available request slots. Used: %d/%d", total, limit)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
