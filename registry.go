package omnix

import (
	"log/slog"
	"sync"
)

// RuleRegistry is the in-memory rule index, keyed by layer and chat scope.
// It holds a snapshot of the store's rules; all mutations serialize through
// one mutex and reads return copies, so the index is never observed
// mid-mutation.
type RuleRegistry struct {
	mu      sync.Mutex
	globals map[LayerKind][]ModerationRule
	chats   map[LayerKind]map[int64][]ModerationRule
	logger  *slog.Logger
}

// RegistryOption configures a RuleRegistry.
type RegistryOption func(*RuleRegistry)

// WithRegistryLogger sets the structured logger for the registry.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *RuleRegistry) { r.logger = l }
}

// NewRuleRegistry creates an empty registry.
func NewRuleRegistry(opts ...RegistryOption) *RuleRegistry {
	r := &RuleRegistry{
		globals: make(map[LayerKind][]ModerationRule),
		chats:   make(map[LayerKind]map[int64][]ModerationRule),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed atomically replaces the whole index.
func (r *RuleRegistry) Seed(rules []ModerationRule) {
	r.mu.Lock()
	r.globals = make(map[LayerKind][]ModerationRule)
	r.chats = make(map[LayerKind]map[int64][]ModerationRule)
	for _, rule := range rules {
		r.addLocked(rule)
	}
	total := 0
	for _, rs := range r.globals {
		total += len(rs)
	}
	for _, byChat := range r.chats {
		for _, rs := range byChat {
			total += len(rs)
		}
	}
	r.mu.Unlock()
	r.logger.Info("rule registry seeded", "count", total)
}

// AddRule appends a rule under its (layer, chat scope) bucket.
func (r *RuleRegistry) AddRule(rule ModerationRule) {
	r.mu.Lock()
	r.addLocked(rule)
	r.mu.Unlock()
	r.logger.Info("rule registry added",
		"rule_id", rule.RuleID, "layer", rule.Layer, "chat_id", chatScope(rule.ChatID))
}

func (r *RuleRegistry) addLocked(rule ModerationRule) {
	if rule.ChatID == nil {
		r.globals[rule.Layer] = append(r.globals[rule.Layer], rule)
		return
	}
	byChat := r.chats[rule.Layer]
	if byChat == nil {
		byChat = make(map[int64][]ModerationRule)
		r.chats[rule.Layer] = byChat
	}
	byChat[*rule.ChatID] = append(byChat[*rule.ChatID], rule)
}

// RemoveRule deletes every rule with the given id across all buckets.
// Emptied chat buckets are collapsed.
func (r *RuleRegistry) RemoveRule(ruleID string) {
	r.mu.Lock()
	for layer, rules := range r.globals {
		r.globals[layer] = withoutRule(rules, ruleID)
		if len(r.globals[layer]) == 0 {
			delete(r.globals, layer)
		}
	}
	for layer, byChat := range r.chats {
		for chatID, rules := range byChat {
			filtered := withoutRule(rules, ruleID)
			if len(filtered) == 0 {
				delete(byChat, chatID)
			} else {
				byChat[chatID] = filtered
			}
		}
		if len(byChat) == 0 {
			delete(r.chats, layer)
		}
	}
	r.mu.Unlock()
	r.logger.Info("rule registry removed", "rule_id", ruleID)
}

// RulesForLayer returns the globals of a layer followed by the rules scoped
// to chatID (when chatID is non-nil). Order within a bucket is insertion
// order. The returned slice is a copy.
func (r *RuleRegistry) RulesForLayer(layer LayerKind, chatID *int64) []ModerationRule {
	r.mu.Lock()
	defer r.mu.Unlock()
	combined := make([]ModerationRule, 0, len(r.globals[layer]))
	combined = append(combined, r.globals[layer]...)
	if chatID != nil {
		if byChat := r.chats[layer]; byChat != nil {
			combined = append(combined, byChat[*chatID]...)
		}
	}
	return combined
}

func withoutRule(rules []ModerationRule, ruleID string) []ModerationRule {
	filtered := rules[:0:0]
	for _, rule := range rules {
		if rule.RuleID != ruleID {
			filtered = append(filtered, rule)
		}
	}
	return filtered
}

// chatScope renders a nullable chat id for logging.
func chatScope(chatID *int64) any {
	if chatID == nil {
		return "global"
	}
	return *chatID
}
