package omnix

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipelineShortCircuit(t *testing.T) {
	hit := &ModerationVerdict{Layer: LayerRegex, RuleCode: "r1", Action: ActionDelete, Violated: true}
	first := &stubLayer{kind: LayerRegex, priority: 10, verdict: hit}
	second := &stubLayer{kind: LayerCategory, priority: 20}
	third := &stubLayer{kind: LayerContextual, priority: 30}

	p := NewPipeline([]Layer{third, first, second})
	result := p.ProcessMessage(context.Background(), textEnvelope(1, 1, "x"), nil)

	if result.Verdict != hit {
		t.Fatalf("verdict = %v, want the regex hit", result.Verdict)
	}
	if second.callCount() != 0 || third.callCount() != 0 {
		t.Error("layers after short-circuit were invoked")
	}
	if len(result.EvaluatedLayers) != 1 || result.EvaluatedLayers[0] != LayerRegex {
		t.Errorf("evaluated = %v, want [regex]", result.EvaluatedLayers)
	}
}

func TestPipelineNoneActionDoesNotShortCircuit(t *testing.T) {
	soft := &ModerationVerdict{Layer: LayerRegex, Action: ActionNone, Violated: true}
	first := &stubLayer{kind: LayerRegex, priority: 10, verdict: soft}
	second := &stubLayer{kind: LayerCategory, priority: 20}

	p := NewPipeline([]Layer{first, second})
	result := p.ProcessMessage(context.Background(), textEnvelope(1, 1, "x"), nil)

	if result.Verdict != nil {
		t.Errorf("verdict = %v, want nil for action none", result.Verdict)
	}
	if second.callCount() != 1 {
		t.Error("action=none verdict stopped evaluation")
	}
}

func TestPipelineDisabledLayers(t *testing.T) {
	first := &stubLayer{kind: LayerRegex, priority: 10}
	second := &stubLayer{kind: LayerCategory, priority: 20}
	third := &stubLayer{kind: LayerContextual, priority: 30}

	p := NewPipeline([]Layer{first, second, third})
	disabled := map[LayerKind]bool{LayerCategory: true}
	result := p.ProcessMessage(context.Background(), textEnvelope(1, 1, "x"), disabled)

	if second.callCount() != 0 {
		t.Error("disabled layer was invoked")
	}
	want := []LayerKind{LayerRegex, LayerContextual}
	if len(result.EvaluatedLayers) != len(want) {
		t.Fatalf("evaluated = %v, want %v", result.EvaluatedLayers, want)
	}
	for i, kind := range want {
		if result.EvaluatedLayers[i] != kind {
			t.Errorf("evaluated[%d] = %s, want %s", i, result.EvaluatedLayers[i], kind)
		}
	}
}

func TestPipelineLayerErrorAbsorbed(t *testing.T) {
	failing := &stubLayer{kind: LayerRegex, priority: 10, err: errors.New("boom")}
	hit := &ModerationVerdict{Layer: LayerCategory, Action: ActionWarn, Violated: true}
	next := &stubLayer{kind: LayerCategory, priority: 20, verdict: hit}

	p := NewPipeline([]Layer{failing, next})
	result := p.ProcessMessage(context.Background(), textEnvelope(1, 1, "x"), nil)

	if result.Verdict != hit {
		t.Errorf("verdict = %v, want the category hit despite the earlier failure", result.Verdict)
	}
}

func TestPipelineBatchPreservesOrder(t *testing.T) {
	layer := &stubLayer{kind: LayerRegex, priority: 10}
	p := NewPipeline([]Layer{layer})

	batch := &MessageBatch{CreatedAt: time.Now(), FlushReason: FlushSize}
	for i := int64(0); i < 20; i++ {
		batch.Items = append(batch.Items, textEnvelope(1, i, "x"))
	}
	results := p.ProcessBatch(context.Background(), batch, nil)

	if len(results) != 20 {
		t.Fatalf("results = %d, want 20", len(results))
	}
	for i, result := range results {
		if result.Message.Context.MessageID != int64(i) {
			t.Fatalf("results[%d] is message %d", i, result.Message.Context.MessageID)
		}
	}
}
