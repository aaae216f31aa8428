package observer

import (
	"context"
	"errors"
	"testing"

	omnix "github.com/tg-prplx/OmniX-Moderation-bot"
)

type stubAPI struct {
	scores     omnix.ModerationScores
	completion omnix.ChatCompletion
	synthesis  omnix.RuleSynthesis
	err        error
	calls      int
}

func (s *stubAPI) ClassifyText(ctx context.Context, text string) (omnix.ModerationScores, error) {
	s.calls++
	return s.scores, s.err
}

func (s *stubAPI) ClassifyImage(ctx context.Context, image string) (omnix.ModerationScores, error) {
	s.calls++
	return s.scores, s.err
}

func (s *stubAPI) CompleteChat(ctx context.Context, req omnix.ChatCompletionRequest) (omnix.ChatCompletion, error) {
	s.calls++
	return s.completion, s.err
}

func (s *stubAPI) SynthesizeRule(ctx context.Context, req omnix.RuleSynthesisRequest) (omnix.RuleSynthesis, error) {
	s.calls++
	return s.synthesis, s.err
}

// newNoopInstruments builds instruments against the default no-op OTEL
// providers, so the wrapper can be exercised without an exporter.
func newNoopInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestWrapAPIDelegates(t *testing.T) {
	inner := &stubAPI{
		scores:     omnix.ModerationScores{Flagged: true},
		completion: omnix.ChatCompletion{Content: "{}", FinishReason: "stop", TotalTokens: 10},
		synthesis:  omnix.RuleSynthesis{Layer: "regex"},
	}
	api := WrapAPI(inner, newNoopInstruments(t))
	ctx := context.Background()

	scores, err := api.ClassifyText(ctx, "text")
	if err != nil || !scores.Flagged {
		t.Errorf("ClassifyText = %+v, %v", scores, err)
	}
	if _, err := api.ClassifyImage(ctx, "url"); err != nil {
		t.Error(err)
	}
	completion, err := api.CompleteChat(ctx, omnix.ChatCompletionRequest{Model: "m"})
	if err != nil || completion.FinishReason != "stop" {
		t.Errorf("CompleteChat = %+v, %v", completion, err)
	}
	synthesis, err := api.SynthesizeRule(ctx, omnix.RuleSynthesisRequest{})
	if err != nil || synthesis.Layer != "regex" {
		t.Errorf("SynthesizeRule = %+v, %v", synthesis, err)
	}
	if inner.calls != 4 {
		t.Errorf("inner calls = %d, want 4", inner.calls)
	}
}

func TestWrapAPIPropagatesErrors(t *testing.T) {
	inner := &stubAPI{err: errors.New("upstream down")}
	api := WrapAPI(inner, newNoopInstruments(t))

	if _, err := api.ClassifyText(context.Background(), "x"); err == nil {
		t.Error("error swallowed by instrumentation")
	}
}
