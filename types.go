package omnix

import (
	"strings"
	"time"
)

// --- Enumerations ---

// LayerKind identifies one of the three moderation stages.
type LayerKind string

const (
	LayerRegex      LayerKind = "regex"
	LayerCategory   LayerKind = "category"
	LayerContextual LayerKind = "contextual"
)

// Rank orders layers by specificity for punishment aggregation: a contextual
// hit carries more confidence about intent than a keyword match.
// Unknown layers rank lowest.
func (l LayerKind) Rank() int {
	switch l {
	case LayerRegex:
		return 1
	case LayerCategory:
		return 2
	case LayerContextual:
		return 3
	}
	return 0
}

// Action is the wire-level enforcement action vocabulary.
type Action string

const (
	ActionDelete Action = "delete"
	ActionWarn   Action = "warn"
	ActionMute   Action = "mute"
	ActionBan    Action = "ban"
	ActionNone   Action = "none"
)

// actionSynonyms maps variants emitted by external classifiers onto the
// canonical vocabulary.
var actionSynonyms = map[string]Action{
	"delete_message": ActionDelete,
	"remove_message": ActionDelete,
	"remove":         ActionDelete,
	"kick":           ActionBan,
	"ban_user":       ActionBan,
	"no_action":      ActionNone,
}

// NormalizeAction maps a free-form action string onto the canonical
// vocabulary. Synonyms are folded; anything unrecognized defaults to warn.
func NormalizeAction(s string) Action {
	normalized := lower(s)
	if canonical, ok := actionSynonyms[normalized]; ok {
		return canonical
	}
	switch Action(normalized) {
	case ActionDelete, ActionWarn, ActionMute, ActionBan, ActionNone:
		return Action(normalized)
	}
	return ActionWarn
}

// RuleType describes how a rule is evaluated.
type RuleType string

const (
	RuleTypeRegex      RuleType = "regex"
	RuleTypeSemantic   RuleType = "semantic"
	RuleTypeContextual RuleType = "contextual"
)

// RuleSource records who created a rule.
type RuleSource string

const (
	SourceAdmin RuleSource = "admin"
	SourceAuto  RuleSource = "auto"
)

// Priority is a named severity bucket with a fixed integer rank.
type Priority int

const (
	PriorityThreats Priority = 100
	PriorityNSFW    Priority = 80
	PriorityHate    Priority = 70
	PrioritySpam    Priority = 50
	PriorityOther   Priority = 10
)

// BucketPriority maps a raw 0-100 score from the rule synthesizer into the
// nearest lower-or-equal named bucket.
func BucketPriority(score int) Priority {
	switch {
	case score >= 90:
		return PriorityThreats
	case score >= 70:
		return PriorityNSFW
	case score >= 60:
		return PriorityHate
	case score >= 40:
		return PrioritySpam
	default:
		return PriorityOther
	}
}

// --- Ingress types ---

// ChatContext identifies a single inbound message within a chat.
// Created at ingress; immutable afterwards.
type ChatContext struct {
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	MessageID int64     `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Username  string    `json:"username,omitempty"`
	Language  string    `json:"language,omitempty"`
}

// MessageEnvelope is a single inbound message with its context and payload.
// Images are URLs or base64 data URLs and belong to the envelope.
// An envelope with neither text nor images is valid; every layer skips it.
type MessageEnvelope struct {
	Context   ChatContext    `json:"context"`
	Text      string         `json:"text,omitempty"`
	Caption   string         `json:"caption,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ContentText returns the first non-empty of text and caption.
func (m *MessageEnvelope) ContentText() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// FlushReason records why a batch left the batcher.
type FlushReason string

const (
	FlushSize  FlushReason = "size"
	FlushTimer FlushReason = "timer"
	FlushStop  FlushReason = "stop"
)

// MessageBatch is a non-empty group of envelopes flushed together.
// Items preserve submission order.
type MessageBatch struct {
	Items       []*MessageEnvelope
	CreatedAt   time.Time
	FlushReason FlushReason
}

// --- Rules ---

// ModerationRule is a single enforceable rule. ChatID nil means the rule is
// global. Layer constrains which optional fields are meaningful: the regex
// layer requires Pattern and carries no Category; the category and contextual
// layers require Category and must not carry a Pattern.
type ModerationRule struct {
	RuleID                string         `json:"rule_id"`
	Description           string         `json:"description"`
	Action                Action         `json:"action"`
	Source                RuleSource     `json:"source"`
	Layer                 LayerKind      `json:"layer"`
	RuleType              RuleType       `json:"rule_type"`
	ChatID                *int64         `json:"chat_id,omitempty"`
	Pattern               string         `json:"pattern,omitempty"`
	Category              string         `json:"category,omitempty"`
	Priority              Priority       `json:"priority"`
	ActionDurationSeconds *int64         `json:"action_duration_seconds,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// Aliases returns the lowercase alias set from rule metadata, or nil.
// Aliases let the contextual layer resolve LLM category names that differ
// from the configured category.
func (r *ModerationRule) Aliases() []string {
	raw, ok := r.Metadata["aliases"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		for _, a := range v {
			out = append(out, lower(a))
		}
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, lower(s))
			}
		}
	}
	return out
}

// --- Verdicts and results ---

// ModerationVerdict is a single layer's judgement of a single message.
type ModerationVerdict struct {
	Layer    LayerKind      `json:"layer"`
	RuleCode string         `json:"rule_code"`
	Priority Priority       `json:"priority"`
	Action   Action         `json:"action"`
	Reason   string         `json:"reason"`
	Violated bool           `json:"violated"`
	Details  map[string]any `json:"details,omitempty"`
}

// ShortCircuit reports whether this verdict terminates pipeline evaluation.
func (v *ModerationVerdict) ShortCircuit() bool {
	return v.Violated && v.Action != ActionNone
}

// ModerationResult is the pipeline's output for one envelope.
// EvaluatedLayers lists the layers actually run, in pipeline order, up to and
// including the short-circuiting layer.
type ModerationResult struct {
	Message         *MessageEnvelope
	Verdict         *ModerationVerdict
	EvaluatedLayers []LayerKind
}

// PunishmentDecision is the aggregator's pick for one message. Chosen is
// always a violated verdict; Conflicting holds every other violated verdict
// that lost the ranking.
type PunishmentDecision struct {
	Chosen      *ModerationVerdict
	Conflicting []*ModerationVerdict
}

// Action is the enforcement action of the chosen verdict.
func (d *PunishmentDecision) Action() Action {
	return d.Chosen.Action
}

// lower trims and lowercases for case-insensitive vocabulary comparisons.
func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
