package omnix

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Pipeline composes moderation layers in ascending priority order and
// evaluates each message with short-circuit semantics: the first violated
// verdict whose action is not none terminates evaluation.
type Pipeline struct {
	layers []Layer
	logger *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the structured logger for the pipeline.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline over layers. The slice is copied and sorted
// by Layer.Priority ascending; the pipeline is immutable afterwards.
func NewPipeline(layers []Layer, opts ...PipelineOption) *Pipeline {
	sorted := make([]Layer, len(layers))
	copy(sorted, layers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	p := &Pipeline{layers: sorted, logger: nopLogger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Layers returns the pipeline's layers in evaluation order.
func (p *Pipeline) Layers() []Layer {
	out := make([]Layer, len(p.layers))
	copy(out, p.layers)
	return out
}

// ProcessMessage runs the layers over one envelope. Layers in disabled are
// skipped and omitted from EvaluatedLayers. A layer error is logged and
// treated as no verdict; it never fails the message.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg *MessageEnvelope, disabled map[LayerKind]bool) *ModerationResult {
	result := &ModerationResult{Message: msg}
	for _, layer := range p.layers {
		if disabled[layer.Kind()] {
			continue
		}
		result.EvaluatedLayers = append(result.EvaluatedLayers, layer.Kind())

		verdict, err := layer.Evaluate(ctx, msg)
		if err != nil {
			p.logger.Error("layer evaluation failed",
				"layer", layer.Kind(),
				"chat_id", msg.Context.ChatID,
				"message_id", msg.Context.MessageID,
				"error", err)
			continue
		}
		if verdict == nil {
			continue
		}
		if verdict.ShortCircuit() {
			result.Verdict = verdict
			p.logger.Info("pipeline short-circuit",
				"layer", layer.Kind(),
				"rule_code", verdict.RuleCode,
				"action", verdict.Action,
				"chat_id", msg.Context.ChatID,
				"message_id", msg.Context.MessageID)
			return result
		}
	}
	return result
}

// ProcessBatch evaluates every envelope of the batch concurrently. The
// returned slice preserves batch item order regardless of completion order.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch *MessageBatch, disabled map[LayerKind]bool) []*ModerationResult {
	results := make([]*ModerationResult, len(batch.Items))
	var wg sync.WaitGroup
	for i, msg := range batch.Items {
		wg.Add(1)
		go func(i int, msg *MessageEnvelope) {
			defer wg.Done()
			results[i] = p.ProcessMessage(ctx, msg, disabled)
		}(i, msg)
	}
	wg.Wait()
	return results
}
