// Package admission implements request-rate gating ahead of the
// scheduler's waiting queue.
//
// Grounded on the teacher's sim/policy/admission.go AdmissionPolicy
// family. The default policy (AlwaysAdmit) makes add_request never
// block on capacity — queueing is the scheduler's job. TokenBucket is
// an opt-in request-rate shedder that runs strictly before
// PromptTooLong is checked, and is independent of the scheduler's own
// token/seq budget.
package admission

import "fmt"

// Policy decides whether a request should be admitted right now.
// clockMicros is the caller's monotonic clock in microseconds.
type Policy interface {
	Admit(promptLen int, clockMicros int64) (admitted bool, reason string)
}

// AlwaysAdmit admits every request unconditionally.
type AlwaysAdmit struct{}

func (AlwaysAdmit) Admit(_ int, _ int64) (bool, string) { return true, "" }

// TokenBucket rate-limits admission by prompt-token cost.
type TokenBucket struct {
	capacity      float64
	refillRate    float64 // tokens per second
	currentTokens float64
	lastRefill    int64 // microseconds
}

// NewTokenBucket creates a TokenBucket starting at full capacity.
func NewTokenBucket(capacity, refillRatePerSec float64) *TokenBucket {
	return &TokenBucket{capacity: capacity, refillRate: refillRatePerSec, currentTokens: capacity}
}

func (tb *TokenBucket) Admit(promptLen int, clockMicros int64) (bool, string) {
	elapsed := clockMicros - tb.lastRefill
	if elapsed > 0 {
		refill := float64(elapsed) * tb.refillRate / 1e6
		tb.currentTokens = min(tb.capacity, tb.currentTokens+refill)
		tb.lastRefill = clockMicros
	}
	cost := float64(promptLen)
	if tb.currentTokens >= cost {
		tb.currentTokens -= cost
		return true, ""
	}
	return false, "insufficient tokens"
}

// New creates a Policy by name: "always-admit" (default) or
// "token-bucket". Panics on an unrecognized name, matching the
// teacher's fail-fast constructor convention for config-driven
// component selection.
func New(name string, capacity, refillRatePerSec float64) Policy {
	switch name {
	case "", "always-admit":
		return AlwaysAdmit{}
	case "token-bucket":
		return NewTokenBucket(capacity, refillRatePerSec)
	default:
		panic(fmt.Sprintf("unknown admission policy %q; valid: [always-admit, token-bucket]", name))
	}
}
