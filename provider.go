package omnix

import "context"

// --- External classification API contract ---

// ModerationScores is the fixed-catalog classification of one input.
// Categories holds the boolean flag per catalog category; CategoryScores the
// classifier's confidence per category.
type ModerationScores struct {
	Flagged        bool               `json:"flagged"`
	Categories     map[string]bool    `json:"categories"`
	CategoryScores map[string]float64 `json:"category_scores"`
}

// ChatMessage is one message of a chat-completion prompt. Images are URLs or
// base64 data URLs attached alongside the text content.
type ChatMessage struct {
	Role    string   `json:"role"` // "system" or "user"
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatCompletionRequest asks the contextual model for a completion.
type ChatCompletionRequest struct {
	Model               string        `json:"model,omitempty"`
	Messages            []ChatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	JSONResponse        bool          `json:"json_response,omitempty"`
}

// ChatCompletion is the model's answer. FinishReason "length" marks a
// truncated (untrustworthy) response.
type ChatCompletion struct {
	Content          string `json:"content"`
	FinishReason     string `json:"finish_reason"`
	TotalTokens      int    `json:"total_tokens"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// RuleSynthesisRequest carries a free-form rule description to the
// rule-synthesis model.
type RuleSynthesisRequest struct {
	RuleText      string `json:"rule_text"`
	Source        string `json:"source"`
	DesiredAction string `json:"desired_action"`
}

// RuleSynthesis is the synthesizer's structured candidate classification of a
// rule. All fields are untrusted; the rule service validates and repairs them.
type RuleSynthesis struct {
	RuleType string `json:"rule_type"`
	Layer    string `json:"layer"`
	Category string `json:"category"`
	Regex    string `json:"regex,omitempty"`
	Priority int    `json:"priority"`
}

// ModerationAPI is the external classification service consumed by the
// category layer, the contextual layer, and the rule service. Implementations
// handle transport retry internally; callers see only ErrAdapter (or context
// errors) on failure.
type ModerationAPI interface {
	// ClassifyText scores a text against the fixed category catalog.
	ClassifyText(ctx context.Context, text string) (ModerationScores, error)

	// ClassifyImage scores a single image (URL or data URL).
	ClassifyImage(ctx context.Context, image string) (ModerationScores, error)

	// CompleteChat runs a chat completion for contextual analysis.
	CompleteChat(ctx context.Context, req ChatCompletionRequest) (ChatCompletion, error)

	// SynthesizeRule classifies a natural-language rule description into a
	// structured candidate rule.
	SynthesizeRule(ctx context.Context, req RuleSynthesisRequest) (RuleSynthesis, error)
}

// --- Decision sink contract ---

// DecisionSink receives the final enforcement decision for a violating
// message. Delivery is at-least-once; handlers must be idempotent per
// (chat, message, action).
type DecisionSink interface {
	OnDecision(ctx context.Context, decision *PunishmentDecision, result *ModerationResult) error
}

// DecisionSinkFunc adapts a function to the DecisionSink interface.
type DecisionSinkFunc func(ctx context.Context, decision *PunishmentDecision, result *ModerationResult) error

func (f DecisionSinkFunc) OnDecision(ctx context.Context, decision *PunishmentDecision, result *ModerationResult) error {
	return f(ctx, decision, result)
}
