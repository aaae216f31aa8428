package omnix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// RuleService orchestrates rule add/remove against both the store and the
// registry. The add path runs under a service-wide mutex so the synthesize,
// validate, persist, register sequence is atomic and the two views cannot
// diverge.
type RuleService struct {
	registry    *RuleRegistry
	store       Store
	synthesizer ModerationAPI
	logger      *slog.Logger
	mu          sync.Mutex
}

// RuleServiceOption configures a RuleService.
type RuleServiceOption func(*RuleService)

// WithServiceLogger sets the structured logger for the service.
func WithServiceLogger(l *slog.Logger) RuleServiceOption {
	return func(s *RuleService) { s.logger = l }
}

// NewRuleService creates the service.
func NewRuleService(registry *RuleRegistry, store Store, synthesizer ModerationAPI, opts ...RuleServiceOption) *RuleService {
	s := &RuleService{
		registry:    registry,
		store:       store,
		synthesizer: synthesizer,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap seeds the registry from the store.
func (s *RuleService) Bootstrap(ctx context.Context) error {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap rules: %w", err)
	}
	s.registry.Seed(rules)
	s.logger.Info("rules bootstrapped", "count", len(rules))
	return nil
}

// AddRuleInput is the admin's request to create a rule. Description and
// Action are required. The optional pointer fields override the synthesizer;
// when any of Layer, RuleType, Pattern, or Category is nil, the synthesizer
// is consulted to fill the gaps.
type AddRuleInput struct {
	Description           string
	Action                Action
	Source                RuleSource
	ChatID                *int64
	ActionDurationSeconds *int64
	Layer                 *LayerKind
	RuleType              *RuleType
	Pattern               *string
	Category              *string
}

// AddRule synthesizes, validates, persists, and registers a rule. Caller
// overrides win over synthesizer output; validation then repairs the result:
// category and contextual rules drop any pattern, a category rule outside the
// official catalog demotes to contextual, and a regex rule without a pattern
// demotes to contextual.
func (s *RuleService) AddRule(ctx context.Context, in AddRuleInput) (ModerationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("rule add requested",
		"source", in.Source,
		"action", in.Action,
		"chat_id", chatScope(in.ChatID),
		"layer_override", in.Layer != nil,
		"rule_type_override", in.RuleType != nil)

	var synthesized *RuleSynthesis
	if in.Layer == nil || in.RuleType == nil || in.Pattern == nil || in.Category == nil {
		result, err := s.synthesizer.SynthesizeRule(ctx, RuleSynthesisRequest{
			RuleText:      in.Description,
			Source:        string(in.Source),
			DesiredAction: string(in.Action),
		})
		if err != nil {
			return ModerationRule{}, fmt.Errorf("synthesize rule: %w", err)
		}
		synthesized = &result
		s.logger.Debug("rule synthesized",
			"layer", result.Layer,
			"rule_type", result.RuleType,
			"category", result.Category,
			"has_regex", result.Regex != "",
			"priority", result.Priority)
	}

	layer := LayerContextual
	ruleType := RuleTypeContextual
	pattern := ""
	category := ""
	score := 10
	if synthesized != nil {
		layer = resolveLayer(synthesized.Layer)
		ruleType = resolveRuleType(synthesized.RuleType)
		pattern = synthesized.Regex
		category = synthesized.Category
		score = synthesized.Priority
	}
	if in.Layer != nil {
		layer = *in.Layer
	}
	if in.RuleType != nil {
		ruleType = *in.RuleType
	}
	if in.Pattern != nil {
		pattern = *in.Pattern
	}
	if in.Category != nil {
		category = *in.Category
	}

	switch layer {
	case LayerCategory, LayerContextual:
		if pattern != "" {
			s.logger.Warn("rule pattern dropped",
				"layer", layer, "pattern", preview(pattern, 50))
			pattern = ""
		}
		if layer == LayerCategory && !IsOfficialCategory(category) {
			s.logger.Warn("rule category outside catalog, demoting to contextual",
				"category", category)
			layer = LayerContextual
			ruleType = RuleTypeContextual
		}
	case LayerRegex:
		if pattern == "" {
			s.logger.Warn("regex rule without pattern, demoting to contextual")
			layer = LayerContextual
			ruleType = RuleTypeContextual
		}
	}

	metadata := map[string]any{"auto_generated": true}
	if in.ActionDurationSeconds != nil {
		metadata["action_duration_seconds"] = *in.ActionDurationSeconds
	}
	rule := ModerationRule{
		RuleID:                NewID(),
		Description:           in.Description,
		Action:                in.Action,
		Source:                in.Source,
		Layer:                 layer,
		RuleType:              ruleType,
		ChatID:                in.ChatID,
		Pattern:               pattern,
		Category:              category,
		Priority:              BucketPriority(score),
		ActionDurationSeconds: in.ActionDurationSeconds,
		Metadata:              metadata,
	}

	if err := s.store.UpsertRule(ctx, rule); err != nil {
		return ModerationRule{}, fmt.Errorf("persist rule: %w", err)
	}
	s.registry.AddRule(rule)

	s.logger.Info("rule added",
		"rule_id", rule.RuleID,
		"layer", rule.Layer,
		"rule_type", rule.RuleType,
		"category", rule.Category,
		"has_pattern", rule.Pattern != "",
		"priority", int(rule.Priority),
		"chat_id", chatScope(rule.ChatID))
	return rule, nil
}

// RemoveRule deletes from the store first, then the registry.
func (s *RuleService) RemoveRule(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteRule(ctx, ruleID); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	s.registry.RemoveRule(ruleID)
	s.logger.Info("rule removed", "rule_id", ruleID)
	return nil
}

// ListRules returns the global rules when chatID is nil; otherwise the
// global rules plus the rules scoped to that chat.
func (s *RuleService) ListRules(ctx context.Context, chatID *int64) ([]ModerationRule, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	filtered := rules[:0:0]
	for _, rule := range rules {
		if rule.ChatID == nil || (chatID != nil && *rule.ChatID == *chatID) {
			filtered = append(filtered, rule)
		}
	}
	return filtered, nil
}

// resolveLayer maps synthesizer layer names, including legacy classifier
// vocabulary, onto LayerKind. Unknown names go to the contextual layer.
func resolveLayer(value string) LayerKind {
	switch lower(value) {
	case "regex":
		return LayerRegex
	case "category", "omni":
		return LayerCategory
	case "contextual", "chatgpt", "gpt", "llm":
		return LayerContextual
	}
	return LayerContextual
}

// resolveRuleType maps synthesizer rule type names onto RuleType. Unknown
// names default to semantic.
func resolveRuleType(value string) RuleType {
	switch lower(value) {
	case "regex":
		return RuleTypeRegex
	case "semantic":
		return RuleTypeSemantic
	case "contextual":
		return RuleTypeContextual
	}
	return RuleTypeSemantic
}
