package omnix

import (
	"context"
	"log/slog"
)

// CategoryLayer sends message content to the external category classifier and
// maps flagged catalog categories onto configured category rules. A flag with
// no matching rule enforces nothing.
type CategoryLayer struct {
	registry *RuleRegistry
	api      ModerationAPI
	sem      chan struct{}
	logger   *slog.Logger
}

// CategoryLayerOption configures a CategoryLayer.
type CategoryLayerOption func(*CategoryLayer)

// WithCategoryLogger sets the structured logger for the layer.
func WithCategoryLogger(l *slog.Logger) CategoryLayerOption {
	return func(c *CategoryLayer) { c.logger = l }
}

// NewCategoryLayer creates the layer with the given concurrency bound on
// classifier calls.
func NewCategoryLayer(registry *RuleRegistry, api ModerationAPI, concurrency int, opts ...CategoryLayerOption) *CategoryLayer {
	if concurrency < 1 {
		concurrency = 1
	}
	c := &CategoryLayer{
		registry: registry,
		api:      api,
		sem:      make(chan struct{}, concurrency),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Layer = (*CategoryLayer)(nil)

func (c *CategoryLayer) Kind() LayerKind { return LayerCategory }
func (c *CategoryLayer) Priority() int   { return categoryLayerPriority }

// Evaluate classifies text first, then each image until one source yields a
// verdict. API failures degrade to no verdict; the adapter has already
// retried transient errors.
func (c *CategoryLayer) Evaluate(ctx context.Context, msg *MessageEnvelope) (*ModerationVerdict, error) {
	text := msg.ContentText()
	if text == "" && len(msg.Images) == 0 {
		return nil, nil
	}

	rules := c.registry.RulesForLayer(LayerCategory, &msg.Context.ChatID)
	if len(rules) == 0 {
		return nil, nil
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	if text != "" {
		scores, err := c.api.ClassifyText(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Error("category text classification failed",
				"chat_id", msg.Context.ChatID,
				"message_id", msg.Context.MessageID,
				"error", err)
		} else if verdict := c.match(scores, rules, "text", text); verdict != nil {
			return verdict, nil
		}
	}

	for i, image := range msg.Images {
		scores, err := c.api.ClassifyImage(ctx, image)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Error("category image classification failed",
				"chat_id", msg.Context.ChatID,
				"message_id", msg.Context.MessageID,
				"image_index", i,
				"error", err)
			continue
		}
		if verdict := c.match(scores, rules, "image", image); verdict != nil {
			return verdict, nil
		}
	}
	return nil, nil
}

// match maps flagged categories onto the highest-priority configured rule.
// content is the classified input, kept in the verdict details as a text
// excerpt or image reference so incidents show what was flagged.
func (c *CategoryLayer) match(scores ModerationScores, rules []ModerationRule, source, content string) *ModerationVerdict {
	if !scores.Flagged {
		return nil
	}
	flagged := make(map[string]bool, len(scores.Categories))
	for category, on := range scores.Categories {
		if on {
			flagged[lower(category)] = true
		}
	}
	if len(flagged) == 0 {
		return nil
	}

	var best *ModerationRule
	for i := range rules {
		rule := &rules[i]
		if !flagged[lower(rule.Category)] {
			continue
		}
		if best == nil || rule.Priority > best.Priority {
			best = rule
		}
	}
	if best == nil {
		c.logger.Debug("category flagged without configured rule", "source", source)
		return nil
	}

	details := map[string]any{
		"matched_category": best.Category,
		"source":           source,
		"categories":       scores.Categories,
		"category_scores":  scores.CategoryScores,
	}
	if source == "image" {
		details["image_reference"] = content
	} else {
		details["text_excerpt"] = preview(content, 120)
	}
	if best.ActionDurationSeconds != nil {
		details["action_duration_seconds"] = *best.ActionDurationSeconds
	}
	return &ModerationVerdict{
		Layer:    LayerCategory,
		RuleCode: best.RuleID,
		Priority: best.Priority,
		Action:   best.Action,
		Reason:   best.Description,
		Violated: true,
		Details:  details,
	}
}
