package omnix

import (
	"context"
	"testing"
)

func TestRegexLayerMatch(t *testing.T) {
	registry := NewRuleRegistry()
	rule := regexRule("r1", "forbidden", ActionDelete, PriorityNSFW)
	registry.Seed([]ModerationRule{rule})
	layer := NewRegexLayer(registry, 2)

	verdict, err := layer.Evaluate(context.Background(), textEnvelope(1, 1, "This message has forbidden content"))
	if err != nil {
		t.Fatal(err)
	}
	if verdict == nil {
		t.Fatal("expected a verdict")
	}
	if verdict.RuleCode != "r1" || verdict.Action != ActionDelete || !verdict.Violated {
		t.Errorf("verdict = %+v", verdict)
	}
	if verdict.Details["matched"] != "forbidden" {
		t.Errorf("matched = %v, want forbidden", verdict.Details["matched"])
	}
	if verdict.Details["pattern"] != "forbidden" {
		t.Errorf("pattern = %v", verdict.Details["pattern"])
	}
}

func TestRegexLayerCaseAndMultiline(t *testing.T) {
	registry := NewRuleRegistry()
	registry.Seed([]ModerationRule{regexRule("r1", "^buy now", ActionWarn, PrioritySpam)})
	layer := NewRegexLayer(registry, 1)

	tests := []struct {
		name string
		text string
		hit  bool
	}{
		{"uppercase", "BUY NOW while stocks last", true},
		{"second line anchor", "hello\nBuy Now", true},
		{"mid-line anchor miss", "please buy now", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := layer.Evaluate(context.Background(), textEnvelope(1, 1, tt.text))
			if err != nil {
				t.Fatal(err)
			}
			if (verdict != nil) != tt.hit {
				t.Errorf("hit = %v, want %v", verdict != nil, tt.hit)
			}
		})
	}
}

func TestRegexLayerSkipsEmptyAndUsesCaption(t *testing.T) {
	registry := NewRuleRegistry()
	registry.Seed([]ModerationRule{regexRule("r1", "spam", ActionWarn, PrioritySpam)})
	layer := NewRegexLayer(registry, 1)

	verdict, err := layer.Evaluate(context.Background(), textEnvelope(1, 1, ""))
	if err != nil || verdict != nil {
		t.Errorf("empty text: verdict=%v err=%v, want nil/nil", verdict, err)
	}

	env := textEnvelope(1, 2, "")
	env.Caption = "pure spam caption"
	verdict, err = layer.Evaluate(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if verdict == nil {
		t.Error("caption not matched")
	}
}

func TestRegexLayerZeroWidthEvasion(t *testing.T) {
	registry := NewRuleRegistry()
	registry.Seed([]ModerationRule{regexRule("r1", "forbidden", ActionDelete, PriorityNSFW)})
	layer := NewRegexLayer(registry, 1)

	verdict, err := layer.Evaluate(context.Background(), textEnvelope(1, 1, "for​bid​den word"))
	if err != nil {
		t.Fatal(err)
	}
	if verdict == nil {
		t.Error("zero-width padding defeated the pattern")
	}
}

func TestRegexLayerFirstHitWins(t *testing.T) {
	registry := NewRuleRegistry()
	registry.Seed([]ModerationRule{
		regexRule("first", "content", ActionWarn, PriorityOther),
		regexRule("second", "content", ActionBan, PriorityThreats),
	})
	layer := NewRegexLayer(registry, 1)

	verdict, err := layer.Evaluate(context.Background(), textEnvelope(1, 1, "some content"))
	if err != nil {
		t.Fatal(err)
	}
	if verdict.RuleCode != "first" {
		t.Errorf("rule = %s, want first in registry order", verdict.RuleCode)
	}
}

func TestRegexLayerInvalidPatternSkipped(t *testing.T) {
	registry := NewRuleRegistry()
	registry.Seed([]ModerationRule{
		regexRule("bad", "(unclosed", ActionBan, PriorityThreats),
		regexRule("good", "spam", ActionWarn, PrioritySpam),
	})
	layer := NewRegexLayer(registry, 1)

	if err := layer.Warmup(context.Background()); err != nil {
		t.Fatal(err)
	}
	verdict, err := layer.Evaluate(context.Background(), textEnvelope(1, 1, "spam text"))
	if err != nil {
		t.Fatal(err)
	}
	if verdict == nil || verdict.RuleCode != "good" {
		t.Errorf("verdict = %+v, want hit from the valid rule", verdict)
	}
}

func TestRegexLayerChatScopedRules(t *testing.T) {
	registry := NewRuleRegistry()
	scoped := regexRule("scoped", "localword", ActionMute, PrioritySpam)
	scoped.ChatID = int64ptr(42)
	registry.Seed([]ModerationRule{scoped})
	layer := NewRegexLayer(registry, 1)

	verdict, err := layer.Evaluate(context.Background(), textEnvelope(42, 1, "a localword here"))
	if err != nil {
		t.Fatal(err)
	}
	if verdict == nil {
		t.Error("chat-scoped rule not applied in its chat")
	}

	verdict, err = layer.Evaluate(context.Background(), textEnvelope(7, 1, "a localword here"))
	if err != nil {
		t.Fatal(err)
	}
	if verdict != nil {
		t.Error("chat-scoped rule leaked into another chat")
	}
}

func TestRegexLayerActionDuration(t *testing.T) {
	registry := NewRuleRegistry()
	rule := regexRule("r1", "mute me", ActionMute, PrioritySpam)
	rule.ActionDurationSeconds = int64ptr(3600)
	registry.Seed([]ModerationRule{rule})
	layer := NewRegexLayer(registry, 1)

	verdict, err := layer.Evaluate(context.Background(), textEnvelope(1, 1, "please mute me"))
	if err != nil {
		t.Fatal(err)
	}
	if got := verdict.Details["action_duration_seconds"]; got != int64(3600) {
		t.Errorf("action_duration_seconds = %v, want 3600", got)
	}
}
