package omnix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

const contextualSystemPrompt = "Strict moderation. Output format: single JSON only.\n" +
	"{\"violation\":bool,\"category\":str,\"severity\":str,\"action\":str,\"reason\":str}\n" +
	"Allowed actions: warn, delete, mute, ban, none (lowercase).\n" +
	"You will receive the list of active moderation rules (category, configured action, human description).\n" +
	"Flag content only when it clearly violates one of those descriptions and return that exact category.\n" +
	"If none apply, respond with violation=false and action='none'.\n" +
	"No text before/after JSON. No explanations. No markdown. No reasoning."

const (
	contextualMaxTokens = 2048
	contextualMaxImages = 4
)

// ContextualLayer asks the external chat-completion model for a structured
// verdict constrained to the configured contextual rules. The model's answer
// is untrusted: its category must resolve to a rule (exact or alias match),
// and the rule's configured action always overrides the model's suggestion.
type ContextualLayer struct {
	registry *RuleRegistry
	api      ModerationAPI
	model    string
	sem      chan struct{}
	logger   *slog.Logger
}

// ContextualLayerOption configures a ContextualLayer.
type ContextualLayerOption func(*ContextualLayer)

// WithContextualLogger sets the structured logger for the layer.
func WithContextualLogger(l *slog.Logger) ContextualLayerOption {
	return func(c *ContextualLayer) { c.logger = l }
}

// WithContextualModel overrides the chat-completion model name.
func WithContextualModel(model string) ContextualLayerOption {
	return func(c *ContextualLayer) { c.model = model }
}

// NewContextualLayer creates the layer with the given concurrency bound on
// model calls.
func NewContextualLayer(registry *RuleRegistry, api ModerationAPI, concurrency int, opts ...ContextualLayerOption) *ContextualLayer {
	if concurrency < 1 {
		concurrency = 1
	}
	c := &ContextualLayer{
		registry: registry,
		api:      api,
		model:    "gpt-5-nano",
		sem:      make(chan struct{}, concurrency),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Layer = (*ContextualLayer)(nil)

func (c *ContextualLayer) Kind() LayerKind { return LayerContextual }
func (c *ContextualLayer) Priority() int   { return contextualLayerPriority }

// contextualAnswer is the model's JSON output shape.
type contextualAnswer struct {
	Violation bool   `json:"violation"`
	Category  string `json:"category"`
	Severity  string `json:"severity"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
}

// Evaluate prompts the model with the active contextual rules and the
// message, then resolves the reported category to a configured rule.
func (c *ContextualLayer) Evaluate(ctx context.Context, msg *MessageEnvelope) (*ModerationVerdict, error) {
	if msg.ContentText() == "" && len(msg.Images) == 0 {
		return nil, nil
	}

	rules := c.registry.RulesForLayer(LayerContextual, &msg.Context.ChatID)

	images := msg.Images
	if len(images) > contextualMaxImages {
		images = images[:contextualMaxImages]
	}
	req := ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: contextualSystemPrompt},
			{Role: "user", Content: buildContextualPayload(msg, rules), Images: images},
		},
		MaxCompletionTokens: contextualMaxTokens,
		JSONResponse:        true,
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	completion, err := c.api.CompleteChat(ctx, req)
	<-c.sem
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("contextual completion failed",
			"chat_id", msg.Context.ChatID,
			"message_id", msg.Context.MessageID,
			"error", err)
		return nil, nil
	}

	if completion.FinishReason == "length" {
		c.logger.Warn("contextual response truncated",
			"message_id", msg.Context.MessageID,
			"completion_tokens", completion.CompletionTokens)
		return nil, nil
	}

	var answer contextualAnswer
	if err := unmarshalModelJSON(completion.Content, &answer); err != nil {
		c.logger.Error("contextual response not json",
			"message_id", msg.Context.MessageID,
			"preview", preview(completion.Content, 200),
			"error", err)
		return nil, nil
	}
	if !answer.Violation {
		return nil, nil
	}

	category := lower(answer.Category)
	severity := lower(answer.Severity)
	if severity == "" {
		severity = category
	}

	rule := resolveContextualRule(rules, category)
	if rule == nil {
		c.logger.Warn("contextual violation without matching rule",
			"category", category,
			"severity", severity,
			"suggested_action", NormalizeAction(answer.Action),
			"message_id", msg.Context.MessageID)
		return nil, nil
	}

	reason := answer.Reason
	if reason == "" {
		reason = rule.Description
	}
	details := map[string]any{
		"raw":               answer,
		"gpt_severity":      severity,
		"total_tokens":      completion.TotalTokens,
		"prompt_tokens":     completion.PromptTokens,
		"completion_tokens": completion.CompletionTokens,
	}
	if rule.ActionDurationSeconds != nil {
		details["action_duration_seconds"] = *rule.ActionDurationSeconds
	}
	return &ModerationVerdict{
		Layer:    LayerContextual,
		RuleCode: rule.RuleID,
		Priority: rule.Priority,
		Action:   rule.Action,
		Reason:   reason,
		Violated: true,
		Details:  details,
	}, nil
}

// resolveContextualRule matches category against rule categories (exact,
// case-insensitive) or metadata aliases. Ties go to the highest priority.
func resolveContextualRule(rules []ModerationRule, category string) *ModerationRule {
	var best *ModerationRule
	for i := range rules {
		rule := &rules[i]
		match := rule.Category != "" && lower(rule.Category) == category
		if !match {
			for _, alias := range rule.Aliases() {
				if alias == category {
					match = true
					break
				}
			}
		}
		if !match {
			continue
		}
		if best == nil || rule.Priority > best.Priority {
			best = rule
		}
	}
	return best
}

// unmarshalModelJSON parses model output into v. It first strips backtick
// fences, then falls back to the outermost {...} substring.
func unmarshalModelJSON(content string, v any) error {
	stripped := strings.TrimSpace(content)
	if stripped == "" {
		return fmt.Errorf("empty model response")
	}
	if err := json.Unmarshal([]byte(strings.Trim(stripped, "` \n")), v); err == nil {
		return nil
	}
	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start != -1 && end > start {
		return json.Unmarshal([]byte(stripped[start:end+1]), v)
	}
	return fmt.Errorf("no json object in model response")
}

// buildContextualPayload renders the user message: chat context, the active
// rule list, the allowed category enumeration, and the message text.
func buildContextualPayload(msg *MessageEnvelope, rules []ModerationRule) string {
	var b strings.Builder
	b.WriteString("Moderation context:\n")
	fmt.Fprintf(&b, "chat_id: %d\n", msg.Context.ChatID)
	fmt.Fprintf(&b, "user_id: %d\n", msg.Context.UserID)
	fmt.Fprintf(&b, "message_id: %d\n", msg.Context.MessageID)
	fmt.Fprintf(&b, "timestamp: %s", msg.Context.Timestamp.Format("2006-01-02T15:04:05.999999Z07:00"))
	if msg.Context.Username != "" {
		fmt.Fprintf(&b, "\nusername: @%s", msg.Context.Username)
	}

	withCategory := make([]ModerationRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Category != "" {
			withCategory = append(withCategory, rule)
		}
	}
	if len(withCategory) > 0 {
		sort.SliceStable(withCategory, func(i, j int) bool {
			if withCategory[i].Category != withCategory[j].Category {
				return withCategory[i].Category < withCategory[j].Category
			}
			return withCategory[i].Action < withCategory[j].Action
		})
		b.WriteString("\n\nActive moderation rules (category — action — description):")
		for _, rule := range withCategory {
			desc := rule.Description
			if desc == "" {
				desc = "no description"
			}
			fmt.Fprintf(&b, "\n- %s — %s — %s", rule.Category, rule.Action, desc)
		}

		seen := make(map[string]struct{})
		categories := make([]string, 0, len(withCategory))
		for _, rule := range withCategory {
			key := lower(rule.Category)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			categories = append(categories, rule.Category)
		}
		sort.Slice(categories, func(i, j int) bool {
			return lower(categories[i]) < lower(categories[j])
		})
		b.WriteString("\n\nAllowed categories (use one only if the message clearly violates the matching rule):\n")
		b.WriteString(strings.Join(categories, ", "))
	}

	b.WriteString("\n\nMessage:\n")
	if text := msg.ContentText(); text != "" {
		b.WriteString(text)
	} else {
		b.WriteString("<empty>")
	}
	if len(msg.Images) > 0 {
		fmt.Fprintf(&b, "\n\nImages present: %d (content attached separately for analysis)", len(msg.Images))
	}
	return b.String()
}

// preview truncates s for log output.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
