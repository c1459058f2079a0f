package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTier(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		configured string
		want       TierName
		wantLimit  int
	}{
		{name: "exact match", token: "EVAL2024", configured: "EVAL2024", want: TierEvaluator, wantLimit: 50},
		{name: "case mismatch", token: "eval2024", configured: "EVAL2024", want: TierStandard, wantLimit: 3},
		{name: "empty vs empty", token: "", configured: "", want: TierStandard, wantLimit: 3},
		{name: "token without configuration", token: "EVAL2024", configured: "", want: TierStandard, wantLimit: 3},
		{name: "no token presented", token: "", configured: "EVAL2024", want: TierStandard, wantLimit: 3},
		{name: "prefix only", token: "EVAL", configured: "EVAL2024", want: TierStandard, wantLimit: 3},
		{name: "trailing space", token: "EVAL2024 ", configured: "EVAL2024", want: TierStandard, wantLimit: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := ResolveTier(tt.token, tt.configured, 3, 50)
			assert.Equal(t, tt.want, tier.Name)
			assert.Equal(t, tt.wantLimit, tier.Limit)
		})
	}
}

func TestFirstValue(t *testing.T) {
	assert.Equal(t, "", FirstValue(nil))
	assert.Equal(t, "a", FirstValue([]string{"a"}))
	assert.Equal(t, "EVAL2024", FirstValue([]string{"EVAL2024", "other"}))

	tier := ResolveTier(FirstValue([]string{"wrong", "EVAL2024"}), "EVAL2024", 3, 50)
	assert.Equal(t, TierStandard, tier.Name, "only the first value counts")
}

func TestCheckUnderLimit(t *testing.T) {
	tier := Tier{Name: TierStandard, Limit: 3}
	for usage := 0; usage < tier.Limit; usage++ {
		allowed, remaining := Check(State{UsageCount: usage}, tier)
		assert.True(t, allowed, "usage %d", usage)
		assert.Equal(t, tier.Limit-usage, remaining)
		assert.Greater(t, remaining, 0)
	}
}

func TestCheckAtOrOverLimit(t *testing.T) {
	tier := Tier{Name: TierStandard, Limit: 3}
	for _, usage := range []int{3, 4, 10} {
		allowed, remaining := Check(State{UsageCount: usage}, tier)
		assert.False(t, allowed, "usage %d", usage)
		assert.Equal(t, 3-usage, remaining, "raw remaining is not clamped")
		assert.Equal(t, 0, DisplayRemaining(remaining))
	}
}

func TestCheckDoesNotMutate(t *testing.T) {
	state := State{UsageCount: 1}
	Check(state, Tier{Limit: 3})
	assert.Equal(t, 1, state.UsageCount)
}

func TestCheckZeroLimit(t *testing.T) {
	allowed, remaining := Check(State{}, Tier{Name: TierStandard, Limit: 0})
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestCommitIsStrictlyMonotonic(t *testing.T) {
	state := State{}
	for i := 1; i <= 5; i++ {
		next := Commit(state)
		assert.Equal(t, state.UsageCount+1, next.UsageCount)
		state = next
	}
}

// Committing twice for one logical action double-charges. The gate does not
// prevent it; callers own the commit-once discipline.
func TestCommitIsNotIdempotent(t *testing.T) {
	before := State{UsageCount: 1}
	after := Commit(Commit(before))
	assert.Equal(t, before.UsageCount+2, after.UsageCount)
}

func TestPhaseTransitions(t *testing.T) {
	tier := Tier{Name: TierStandard, Limit: 2}

	state := State{}
	assert.Equal(t, PhaseFresh, PhaseOf(state, tier))

	state = Commit(state)
	assert.Equal(t, PhaseMetered, PhaseOf(state, tier))

	state = Commit(state)
	assert.Equal(t, PhaseExhausted, PhaseOf(state, tier))
	assert.Equal(t, "exhausted", PhaseOf(state, tier).String())
}

func TestExhaustedReopensUnderLargerTier(t *testing.T) {
	state := State{UsageCount: 3}

	standard := ResolveTier("", "EVAL2024", 3, 50)
	allowed, _ := Check(state, standard)
	assert.False(t, allowed)
	assert.Equal(t, PhaseExhausted, PhaseOf(state, standard))

	evaluator := ResolveTier("EVAL2024", "EVAL2024", 3, 50)
	allowed, remaining := Check(state, evaluator)
	assert.True(t, allowed)
	assert.Equal(t, 47, remaining)
	assert.Equal(t, PhaseMetered, PhaseOf(state, evaluator))
	assert.Equal(t, 3, state.UsageCount, "tier change does not reset usage")
}
