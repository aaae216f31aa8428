package omnix

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Pipeline priorities of the built-in layers, ascending.
const (
	regexLayerPriority      = 10
	categoryLayerPriority   = 20
	contextualLayerPriority = 30
)

// RegexLayer matches message text against regex-layer rules. Matching is
// case-insensitive and multiline. Patterns are compiled once into a shared
// cache; matching runs in a bounded worker pool so a pathological pattern
// cannot monopolize the scheduler.
type RegexLayer struct {
	registry *RuleRegistry
	workers  chan struct{}
	logger   *slog.Logger

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

// RegexLayerOption configures a RegexLayer.
type RegexLayerOption func(*RegexLayer)

// WithRegexLogger sets the structured logger for the layer.
func WithRegexLogger(l *slog.Logger) RegexLayerOption {
	return func(r *RegexLayer) { r.logger = l }
}

// NewRegexLayer creates the layer with the given worker pool size.
func NewRegexLayer(registry *RuleRegistry, workers int, opts ...RegexLayerOption) *RegexLayer {
	if workers < 1 {
		workers = 1
	}
	r := &RegexLayer{
		registry: registry,
		workers:  make(chan struct{}, workers),
		logger:   nopLogger,
		compiled: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Layer = (*RegexLayer)(nil)
var _ Warmer = (*RegexLayer)(nil)

func (r *RegexLayer) Kind() LayerKind { return LayerRegex }
func (r *RegexLayer) Priority() int   { return regexLayerPriority }

// Warmup precompiles every regex rule currently in the registry. Rules whose
// patterns fail to compile are logged and skipped; they also fail closed at
// evaluation time.
func (r *RegexLayer) Warmup(ctx context.Context) error {
	rules := r.registry.RulesForLayer(LayerRegex, nil)
	for _, rule := range rules {
		if _, err := r.compile(rule); err != nil {
			r.logger.Warn("regex warmup skipped invalid pattern",
				"rule_id", rule.RuleID, "error", err)
		}
	}
	r.logger.Info("regex layer warmed", "rules", len(rules))
	return nil
}

// compile returns the cached compiled pattern for rule, compiling lazily.
func (r *RegexLayer) compile(rule ModerationRule) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.compiled[rule.RuleID]; ok {
		return re, nil
	}
	re, err := regexp.Compile("(?im)" + rule.Pattern)
	if err != nil {
		return nil, err
	}
	r.compiled[rule.RuleID] = re
	return re, nil
}

// Evaluate matches the envelope's text against regex rules in registry order;
// the first hit wins. Empty text skips the layer.
func (r *RegexLayer) Evaluate(ctx context.Context, msg *MessageEnvelope) (*ModerationVerdict, error) {
	text := normalizeText(msg.ContentText())
	if text == "" {
		return nil, nil
	}

	rules := r.registry.RulesForLayer(LayerRegex, &msg.Context.ChatID)
	if len(rules) == 0 {
		return nil, nil
	}

	select {
	case r.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.workers }()

	for _, rule := range rules {
		re, err := r.compile(rule)
		if err != nil {
			r.logger.Warn("regex rule skipped",
				"rule_id", rule.RuleID, "error", err)
			continue
		}
		match := re.FindString(text)
		if match == "" {
			continue
		}
		details := map[string]any{
			"matched": match,
			"pattern": rule.Pattern,
		}
		if rule.ActionDurationSeconds != nil {
			details["action_duration_seconds"] = *rule.ActionDurationSeconds
		}
		return &ModerationVerdict{
			Layer:    LayerRegex,
			RuleCode: rule.RuleID,
			Priority: rule.Priority,
			Action:   rule.Action,
			Reason:   rule.Description,
			Violated: true,
			Details:  details,
		}, nil
	}
	return nil, nil
}

// Forget drops a rule's compiled pattern so a re-added rule with the same id
// recompiles.
func (r *RegexLayer) Forget(ruleID string) {
	r.mu.Lock()
	delete(r.compiled, ruleID)
	r.mu.Unlock()
}

// normalizeText folds the text to NFKC and strips zero-width characters so
// homoglyph padding cannot slip past keyword patterns.
func normalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		return r
	}, s)
}
