package app

import (
	"context"
	"sync"
	"testing"
	"time"

	omnix "github.com/tg-prplx/OmniX-Moderation-bot"
	"github.com/tg-prplx/OmniX-Moderation-bot/internal/config"
)

type memStore struct {
	mu    sync.Mutex
	rules map[string]omnix.ModerationRule
	count int
}

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) ListRules(ctx context.Context) ([]omnix.ModerationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]omnix.ModerationRule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, rule)
	}
	return out, nil
}

func (s *memStore) UpsertRule(ctx context.Context, rule omnix.ModerationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.RuleID] = rule
	return nil
}

func (s *memStore) DeleteRule(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, ruleID)
	return nil
}

func (s *memStore) RecordBatchResults(ctx context.Context, results []*omnix.ModerationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		if r.Verdict != nil {
			s.count++
		}
	}
	return nil
}

type noopAPI struct{}

func (noopAPI) ClassifyText(ctx context.Context, text string) (omnix.ModerationScores, error) {
	return omnix.ModerationScores{}, nil
}

func (noopAPI) ClassifyImage(ctx context.Context, image string) (omnix.ModerationScores, error) {
	return omnix.ModerationScores{}, nil
}

func (noopAPI) CompleteChat(ctx context.Context, req omnix.ChatCompletionRequest) (omnix.ChatCompletion, error) {
	return omnix.ChatCompletion{Content: `{"violation":false}`, FinishReason: "stop"}, nil
}

func (noopAPI) SynthesizeRule(ctx context.Context, req omnix.RuleSynthesisRequest) (omnix.RuleSynthesis, error) {
	return omnix.RuleSynthesis{RuleType: "contextual", Layer: "contextual", Category: "other", Priority: 10}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.API.APIKey = "test"
	cfg.Batch.MaxBatchSize = 1
	cfg.Batch.MaxDelaySeconds = 0.01
	return cfg
}

func TestAppEndToEnd(t *testing.T) {
	store := &memStore{rules: map[string]omnix.ModerationRule{
		"r1": {
			RuleID: "r1", Description: "no forbidden words",
			Action: omnix.ActionWarn, Source: omnix.SourceAdmin,
			Layer: omnix.LayerRegex, RuleType: omnix.RuleTypeRegex,
			Pattern: "forbidden", Priority: omnix.PrioritySpam,
		},
	}}
	decisions := make(chan omnix.Action, 1)
	sink := omnix.DecisionSinkFunc(func(ctx context.Context, decision *omnix.PunishmentDecision, result *omnix.ModerationResult) error {
		decisions <- decision.Action()
		return nil
	})

	a, err := New(testConfig(), Deps{API: noopAPI{}, Store: store, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	err = a.Ingest(&omnix.MessageEnvelope{
		Context: omnix.ChatContext{ChatID: 1, UserID: 2, MessageID: 3, Timestamp: time.Now().UTC()},
		Text:    "a forbidden word",
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case action := <-decisions:
		if action != omnix.ActionWarn {
			t.Errorf("action = %s, want warn", action)
		}
	case <-time.After(time.Second):
		t.Fatal("no decision within 1s")
	}
	a.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.count != 1 {
		t.Errorf("incidents = %d, want 1", store.count)
	}
}

func TestAppRuleLifecycle(t *testing.T) {
	store := &memStore{rules: map[string]omnix.ModerationRule{}}
	a, err := New(testConfig(), Deps{API: noopAPI{}, Store: store,
		Sink: omnix.DecisionSinkFunc(func(context.Context, *omnix.PunishmentDecision, *omnix.ModerationResult) error {
			return nil
		})})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	rule, err := a.AddRule(ctx, omnix.AddRuleInput{
		Description: "no trolling",
		Action:      omnix.ActionMute,
		Source:      omnix.SourceAdmin,
	})
	if err != nil {
		t.Fatal(err)
	}
	rules, err := a.ListRules(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	if err := a.RemoveRule(ctx, rule.RuleID); err != nil {
		t.Fatal(err)
	}
	rules, err = a.ListRules(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Errorf("rules = %d, want 0 after removal", len(rules))
	}
}

func TestAppInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.MaxBatchSize = 0
	_, err := New(cfg, Deps{API: noopAPI{}, Store: &memStore{rules: map[string]omnix.ModerationRule{}},
		Sink: omnix.DecisionSinkFunc(func(context.Context, *omnix.PunishmentDecision, *omnix.ModerationResult) error {
			return nil
		})})
	if err == nil {
		t.Error("invalid batch size accepted")
	}
}
