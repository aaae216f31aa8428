package omnix

import "context"

// Layer is one stage of the moderation pipeline. Evaluate returns a nil
// verdict when the layer has nothing to say about the message (no matching
// rule, empty content, or a swallowed external API failure); it returns a
// non-nil error only for faults the pipeline should surface.
type Layer interface {
	// Kind identifies the layer.
	Kind() LayerKind

	// Priority orders layers within the pipeline; lower runs first.
	Priority() int

	// Evaluate judges a single message.
	Evaluate(ctx context.Context, msg *MessageEnvelope) (*ModerationVerdict, error)
}

// Warmer is implemented by layers with precomputable state, such as compiled
// regex caches. The pipeline warms layers at startup and after rule changes.
type Warmer interface {
	Warmup(ctx context.Context) error
}
