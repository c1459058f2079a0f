package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"libria/internal/logger"
)

// Policy holds the configured limits and evaluator secret.
type Policy struct {
	StandardLimit  int
	EvaluatorLimit int
	EvaluatorToken string
}

// Decision is the outcome of checking a device against its tier.
type Decision struct {
	Device    string `json:"device_id"`
	Tier      Tier   `json:"tier"`
	State     State  `json:"state"`
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"-"`
	Phase     Phase  `json:"-"`
}

// DisplayRemaining is Remaining clamped at zero.
func (d Decision) DisplayRemaining() int {
	return DisplayRemaining(d.Remaining)
}

// Banner is the user-facing quota message.
func (d Decision) Banner() string {
	left := d.DisplayRemaining()
	if d.Tier.Name == TierEvaluator {
		if left == 0 {
			return fmt.Sprintf("🎓 Modo Evaluador: has usado las %d consultas disponibles", d.Tier.Limit)
		}
		return fmt.Sprintf("🎓 Modo Evaluador: puedes seguir realizando consultas de libros (%d restantes)", left)
	}
	switch left {
	case 0:
		return fmt.Sprintf("❌ Has alcanzado tu límite de %d búsquedas gratuitas", d.Tier.Limit)
	case 1:
		return fmt.Sprintf("⚠️ Última búsqueda disponible (1 de %d)", d.Tier.Limit)
	default:
		return fmt.Sprintf("⚡ Te quedan %d de %d búsquedas gratuitas", left, d.Tier.Limit)
	}
}

// ErrNoLookup is returned by CommitDelivery when the device has no committed
// lookup in its live session.
var ErrNoLookup = errors.New("no completed lookup in this session")

// deliveryPrefix namespaces the per-device delivery counter in the Store.
const deliveryPrefix = "delivery:"

// Gate applies a Policy to per-device state kept in a Store.
type Gate struct {
	store  Store
	policy Policy
	log    zerolog.Logger
}

// NewGate creates a Gate. An empty EvaluatorToken disables the evaluator tier.
func NewGate(store Store, policy Policy) *Gate {
	return &Gate{
		store:  store,
		policy: policy,
		log:    logger.WithComponent("quota"),
	}
}

// Tier resolves the tier for a presented access token.
func (g *Gate) Tier(token string) Tier {
	return ResolveTier(token, g.policy.EvaluatorToken, g.policy.StandardLimit, g.policy.EvaluatorLimit)
}

// Check loads the device's state and decides whether a new action may start.
// It never mutates the stored counter.
func (g *Gate) Check(ctx context.Context, device, token string) (Decision, error) {
	const op = "Check"

	state, err := g.store.Load(ctx, device)
	if err != nil {
		return Decision{}, fmt.Errorf("%s: load usage for %q: %w", op, device, err)
	}

	tier := g.Tier(token)
	allowed, remaining := Check(state, tier)
	decision := Decision{
		Device:    device,
		Tier:      tier,
		State:     state,
		Allowed:   allowed,
		Remaining: remaining,
		Phase:     PhaseOf(state, tier),
	}

	g.log.Debug().
		Str("device_id", device).
		Str("tier", string(tier.Name)).
		Int("usage_count", state.UsageCount).
		Int("remaining", remaining).
		Bool("allowed", allowed).
		Msg("Quota checked")

	return decision, nil
}

// Commit charges one action to the device. Call it once, after the action
// has completed successfully. The charge is refused with ErrLimitReached when
// concurrent actions already used up tier's limit, so usage never passes it.
func (g *Gate) Commit(ctx context.Context, device string, tier Tier) (State, error) {
	const op = "Commit"

	state, err := g.store.Increment(ctx, device, tier.Limit)
	if err != nil {
		return State{}, fmt.Errorf("%s: increment usage for %q: %w", op, device, err)
	}

	g.log.Info().
		Str("device_id", device).
		Int("usage_count", state.UsageCount).
		Msg("Usage committed")

	return state, nil
}

// CommitDelivery charges one dossier email to the device. A device may send
// one email per lookup committed in its live session; past that the charge
// is refused with ErrLimitReached, and without any lookup with ErrNoLookup.
func (g *Gate) CommitDelivery(ctx context.Context, device string) (State, error) {
	const op = "CommitDelivery"

	lookups, err := g.store.Load(ctx, device)
	if err != nil {
		return State{}, fmt.Errorf("%s: load usage for %q: %w", op, device, err)
	}
	if lookups.UsageCount == 0 {
		return State{}, fmt.Errorf("%s: %q: %w", op, device, ErrNoLookup)
	}

	state, err := g.store.Increment(ctx, deliveryPrefix+device, lookups.UsageCount)
	if err != nil {
		return State{}, fmt.Errorf("%s: increment deliveries for %q: %w", op, device, err)
	}

	g.log.Info().
		Str("device_id", device).
		Int("deliveries", state.UsageCount).
		Int("lookups", lookups.UsageCount).
		Msg("Delivery committed")

	return state, nil
}
