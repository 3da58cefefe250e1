package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlwaysAdmit_AdmitsEverything(t *testing.T) {
	p := AlwaysAdmit{}
	admitted, reason := p.Admit(1_000_000, 0)
	assert.True(t, admitted)
	assert.Empty(t, reason)
}

func TestTokenBucket_Admit(t *testing.T) {
	tests := []struct {
		name      string
		capacity  float64
		refillPS  float64
		promptLen int
		clock     int64
		wantAdmit bool
	}{
		{"exactly at capacity admits", 100, 10, 100, 0, true},
		{"one over capacity rejects", 100, 10, 101, 0, false},
		{"well under capacity admits", 100, 10, 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := NewTokenBucket(tt.capacity, tt.refillPS)
			admitted, reason := tb.Admit(tt.promptLen, tt.clock)
			assert.Equal(t, tt.wantAdmit, admitted)
			if !tt.wantAdmit {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestTokenBucket_DepletedBucketRejectsUntilRefill(t *testing.T) {
	tb := NewTokenBucket(10, 10) // 10 tokens/sec refill

	admitted, _ := tb.Admit(10, 0)
	assert.True(t, admitted, "spend the full bucket")

	admitted, reason := tb.Admit(1, 0)
	assert.False(t, admitted, "no time has passed, bucket is empty")
	assert.Equal(t, "insufficient tokens", reason)

	// 100ms at 10 tokens/sec refills exactly 1 token.
	admitted, _ = tb.Admit(1, 100_000)
	assert.True(t, admitted, "refill since lastRefill must cover the 1-token request")
}

func TestTokenBucket_RefillNeverExceedsCapacity(t *testing.T) {
	tb := NewTokenBucket(5, 1000) // fast refill rate

	admitted, _ := tb.Admit(5, 0)
	assert.True(t, admitted, "spend the full bucket")

	// A huge elapsed time would overrefill past capacity if uncapped.
	admitted, _ = tb.Admit(6, 10_000_000)
	assert.False(t, admitted, "refill is capped at capacity, 6 tokens can never be admitted")

	admitted, _ = tb.Admit(5, 10_000_000)
	assert.True(t, admitted, "refill caps at capacity, exactly 5 tokens are available")
}

func TestNew_BuildsNamedPolicies(t *testing.T) {
	assert.IsType(t, AlwaysAdmit{}, New("", 0, 0))
	assert.IsType(t, AlwaysAdmit{}, New("always-admit", 0, 0))
	assert.IsType(t, &TokenBucket{}, New("token-bucket", 10, 10))
}

func TestNew_PanicsOnUnknownPolicy(t *testing.T) {
	assert.Panics(t, func() { New("bogus", 0, 0) })
}
