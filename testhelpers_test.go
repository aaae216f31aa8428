package omnix

import (
	"context"
	"sync"
	"time"
)

// fakeAPI is a scriptable ModerationAPI for layer and service tests.
type fakeAPI struct {
	mu sync.Mutex

	textScores  ModerationScores
	textErr     error
	imageScores ModerationScores
	imageErr    error
	completion  ChatCompletion
	completeErr error
	lastChatReq ChatCompletionRequest
	synthesis   RuleSynthesis
	synthErr    error

	textCalls     int
	imageCalls    int
	completeCalls int
	synthCalls    int
}

func (f *fakeAPI) ClassifyText(ctx context.Context, text string) (ModerationScores, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textCalls++
	return f.textScores, f.textErr
}

func (f *fakeAPI) ClassifyImage(ctx context.Context, image string) (ModerationScores, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCalls++
	return f.imageScores, f.imageErr
}

func (f *fakeAPI) CompleteChat(ctx context.Context, req ChatCompletionRequest) (ChatCompletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	f.lastChatReq = req
	return f.completion, f.completeErr
}

func (f *fakeAPI) SynthesizeRule(ctx context.Context, req RuleSynthesisRequest) (RuleSynthesis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthCalls++
	return f.synthesis, f.synthErr
}

// fakeStore keeps rules in memory and counts incident writes.
type fakeStore struct {
	mu        sync.Mutex
	rules     map[string]ModerationRule
	incidents []*ModerationResult

	listErr   error
	upsertErr error
	deleteErr error
	recordErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rules: make(map[string]ModerationRule)}
}

func (f *fakeStore) Init(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func (f *fakeStore) ListRules(ctx context.Context) ([]ModerationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]ModerationRule, 0, len(f.rules))
	for _, rule := range f.rules {
		out = append(out, rule)
	}
	return out, nil
}

func (f *fakeStore) UpsertRule(ctx context.Context, rule ModerationRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.rules[rule.RuleID] = rule
	return nil
}

func (f *fakeStore) DeleteRule(ctx context.Context, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.rules, ruleID)
	return nil
}

func (f *fakeStore) RecordBatchResults(ctx context.Context, results []*ModerationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	for _, result := range results {
		if result.Verdict != nil {
			f.incidents = append(f.incidents, result)
		}
	}
	return nil
}

func (f *fakeStore) incidentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.incidents)
}

// stubLayer returns a fixed verdict and records invocations.
type stubLayer struct {
	kind     LayerKind
	priority int
	verdict  *ModerationVerdict
	err      error

	mu    sync.Mutex
	calls int
}

func (s *stubLayer) Kind() LayerKind { return s.kind }
func (s *stubLayer) Priority() int   { return s.priority }

func (s *stubLayer) Evaluate(ctx context.Context, msg *MessageEnvelope) (*ModerationVerdict, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.verdict, s.err
}

func (s *stubLayer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func textEnvelope(chatID, messageID int64, text string) *MessageEnvelope {
	return &MessageEnvelope{
		Context: ChatContext{
			ChatID:    chatID,
			UserID:    chatID * 10,
			MessageID: messageID,
			Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		Text: text,
	}
}

func regexRule(id, pattern string, action Action, priority Priority) ModerationRule {
	return ModerationRule{
		RuleID:      id,
		Description: "rule " + id,
		Action:      action,
		Source:      SourceAdmin,
		Layer:       LayerRegex,
		RuleType:    RuleTypeRegex,
		Pattern:     pattern,
		Priority:    priority,
	}
}

func categoryRule(id, category string, action Action, priority Priority) ModerationRule {
	return ModerationRule{
		RuleID:      id,
		Description: "rule " + id,
		Action:      action,
		Source:      SourceAdmin,
		Layer:       LayerCategory,
		RuleType:    RuleTypeSemantic,
		Category:    category,
		Priority:    priority,
	}
}

func contextualRule(id, category string, action Action, priority Priority) ModerationRule {
	return ModerationRule{
		RuleID:      id,
		Description: "rule " + id,
		Action:      action,
		Source:      SourceAdmin,
		Layer:       LayerContextual,
		RuleType:    RuleTypeContextual,
		Category:    category,
		Priority:    priority,
	}
}

func int64ptr(v int64) *int64 { return &v }
