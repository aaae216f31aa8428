package omnix

import "log/slog"

// PunishmentAggregator collapses the violated verdicts of one message into a
// single enforcement decision. Ranking is lexicographic: layer rank first,
// rule priority second. Ties keep the earliest verdict, which preserves
// pipeline order.
type PunishmentAggregator struct {
	logger *slog.Logger
}

// AggregatorOption configures a PunishmentAggregator.
type AggregatorOption func(*PunishmentAggregator)

// WithAggregatorLogger sets the structured logger for the aggregator.
func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *PunishmentAggregator) { a.logger = l }
}

// NewPunishmentAggregator creates an aggregator.
func NewPunishmentAggregator(opts ...AggregatorOption) *PunishmentAggregator {
	a := &PunishmentAggregator{logger: nopLogger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Decide picks the winning verdict among verdicts. Non-violated verdicts and
// nils are ignored. Returns nil when nothing violated.
func (a *PunishmentAggregator) Decide(verdicts []*ModerationVerdict) *PunishmentDecision {
	var violated []*ModerationVerdict
	for _, v := range verdicts {
		if v != nil && v.Violated {
			violated = append(violated, v)
		}
	}
	if len(violated) == 0 {
		return nil
	}

	chosen := violated[0]
	for _, v := range violated[1:] {
		if outranks(v, chosen) {
			chosen = v
		}
	}

	conflicting := make([]*ModerationVerdict, 0, len(violated)-1)
	for _, v := range violated {
		if v != chosen {
			conflicting = append(conflicting, v)
		}
	}

	if len(conflicting) > 0 {
		a.logger.Debug("punishment conflict resolved",
			"chosen_layer", chosen.Layer,
			"chosen_action", chosen.Action,
			"conflicting", len(conflicting))
	}
	return &PunishmentDecision{Chosen: chosen, Conflicting: conflicting}
}

// outranks reports whether a strictly beats b under (layer rank, priority).
func outranks(a, b *ModerationVerdict) bool {
	if a.Layer.Rank() != b.Layer.Rank() {
		return a.Layer.Rank() > b.Layer.Rank()
	}
	return a.Priority > b.Priority
}
