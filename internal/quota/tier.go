// Package quota meters how many book lookups a device may run.
//
// The functions in this file are pure: they take a State and a Tier and
// return new values without touching storage. Gate binds them to a Store so
// request handlers can check and commit usage for a device identity.
//
// Device identities are client hints. They can collide, change between
// sessions and be forged, so the quota is a courtesy limit against casual
// overuse and must not be treated as an access-control boundary.
package quota

import (
	"crypto/subtle"
)

// TierName names a quota policy.
type TierName string

const (
	TierStandard  TierName = "standard"
	TierEvaluator TierName = "evaluator"
)

// Tier is a named limit selected per request.
type Tier struct {
	Name  TierName `json:"name"`
	Limit int      `json:"limit"`
}

// State is the per-device usage counter. The zero value is a fresh session.
type State struct {
	UsageCount int `json:"usage_count"`
}

// Phase is where a State sits relative to a Tier's limit.
type Phase int

const (
	PhaseFresh Phase = iota
	PhaseMetered
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseMetered:
		return "metered"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ResolveTier picks the Evaluator tier when accessToken exactly matches the
// configured evaluator token, and the Standard tier otherwise. The comparison
// is case-sensitive. An empty presented token never matches, so an unset
// evaluator token cannot be "matched" by omitting the token.
func ResolveTier(accessToken, configuredEvaluatorToken string, standardLimit, evaluatorLimit int) Tier {
	if accessToken != "" && configuredEvaluatorToken != "" &&
		subtle.ConstantTimeCompare([]byte(accessToken), []byte(configuredEvaluatorToken)) == 1 {
		return Tier{Name: TierEvaluator, Limit: evaluatorLimit}
	}
	return Tier{Name: TierStandard, Limit: standardLimit}
}

// FirstValue returns the first value of a possibly repeated field, such as
// ?token=a&token=b, or "" when there is none.
func FirstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Check reports whether another action is allowed. remaining is the raw
// difference limit - usage and is only negative if usage was committed past
// the limit; use DisplayRemaining before showing it to a user.
func Check(state State, tier Tier) (allowed bool, remaining int) {
	remaining = tier.Limit - state.UsageCount
	return remaining > 0, remaining
}

// DisplayRemaining clamps a remaining count at zero.
func DisplayRemaining(remaining int) int {
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Commit records one completed action. It is not idempotent: callers must
// commit exactly once per successful billable action and never on failure.
func Commit(state State) State {
	state.UsageCount++
	return state
}

// PhaseOf classifies state against tier. Exhausted is not terminal: the same
// counter checked against a larger tier can be Metered again.
func PhaseOf(state State, tier Tier) Phase {
	switch {
	case state.UsageCount >= tier.Limit:
		return PhaseExhausted
	case state.UsageCount == 0:
		return PhaseFresh
	default:
		return PhaseMetered
	}
}
