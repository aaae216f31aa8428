package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	omnix "github.com/tg-prplx/OmniX-Moderation-bot"
)

// ObservedAPI wraps an omnix.ModerationAPI with OTEL instrumentation.
type ObservedAPI struct {
	inner omnix.ModerationAPI
	inst  *Instruments
}

var _ omnix.ModerationAPI = (*ObservedAPI)(nil)

// WrapAPI returns an instrumented ModerationAPI that emits traces and
// metrics for every external call.
func WrapAPI(inner omnix.ModerationAPI, inst *Instruments) *ObservedAPI {
	return &ObservedAPI{inner: inner, inst: inst}
}

func (o *ObservedAPI) ClassifyText(ctx context.Context, text string) (omnix.ModerationScores, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "moderation.classify_text")
	defer span.End()
	start := time.Now()

	scores, err := o.inner.ClassifyText(ctx, text)

	span.SetAttributes(AttrFlagged.Bool(scores.Flagged))
	o.finish(ctx, span, "classify_text", start, err)
	return scores, err
}

func (o *ObservedAPI) ClassifyImage(ctx context.Context, image string) (omnix.ModerationScores, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "moderation.classify_image")
	defer span.End()
	start := time.Now()

	scores, err := o.inner.ClassifyImage(ctx, image)

	span.SetAttributes(AttrFlagged.Bool(scores.Flagged))
	o.finish(ctx, span, "classify_image", start, err)
	return scores, err
}

func (o *ObservedAPI) CompleteChat(ctx context.Context, req omnix.ChatCompletionRequest) (omnix.ChatCompletion, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "moderation.complete_chat",
		trace.WithAttributes(AttrModel.String(req.Model)))
	defer span.End()
	start := time.Now()

	completion, err := o.inner.CompleteChat(ctx, req)

	span.SetAttributes(
		AttrFinishReason.String(completion.FinishReason),
		AttrTokensInput.Int(completion.PromptTokens),
		AttrTokensOutput.Int(completion.CompletionTokens),
	)
	if completion.TotalTokens > 0 {
		o.inst.TokenUsage.Add(ctx, int64(completion.TotalTokens),
			metric.WithAttributes(AttrModel.String(req.Model)))
	}
	o.finish(ctx, span, "complete_chat", start, err)
	return completion, err
}

func (o *ObservedAPI) SynthesizeRule(ctx context.Context, req omnix.RuleSynthesisRequest) (omnix.RuleSynthesis, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "moderation.synthesize_rule")
	defer span.End()
	start := time.Now()

	synthesis, err := o.inner.SynthesizeRule(ctx, req)

	if err == nil {
		span.SetAttributes(AttrRuleLayer.String(synthesis.Layer))
	}
	o.finish(ctx, span, "synthesize_rule", start, err)
	return synthesis, err
}

// finish records the common per-call metrics and span status.
func (o *ObservedAPI) finish(ctx context.Context, span trace.Span, method string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(
		AttrAPIMethod.String(method),
		AttrAPIStatus.String(status),
	)
	o.inst.APIRequests.Add(ctx, 1, attrs)
	o.inst.APIDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}
