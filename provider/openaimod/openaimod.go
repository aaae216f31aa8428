// Package openaimod implements omnix.ModerationAPI against the OpenAI HTTP
// API: /moderations for category classification and /chat/completions for
// contextual analysis and rule synthesis.
package openaimod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	omnix "github.com/tg-prplx/OmniX-Moderation-bot"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultTimeout        = 15 * time.Second
	defaultModeration     = "omni-moderation-latest"
	defaultSynthesisModel = "gpt-5-mini"

	retryAttempts  = 5
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

const synthesisSystemPrompt = "Moderation policy assistant. Classify rules into layers. Return ONLY JSON.\n\n" +
	"LAYERS:\n" +
	"1. 'regex' - Pattern matching (e.g., 'block word X', 'ban URLs')\n" +
	"   Fields: regex (pattern), rule_type='regex', priority\n\n" +
	"2. 'category' - Moderation API (AI content detection)\n" +
	"   Fields: category (EXACT match from list below), rule_type='semantic', priority\n" +
	"   VALID CATEGORIES:\n" +
	"   - hate, hate/threatening\n" +
	"   - harassment, harassment/threatening\n" +
	"   - self-harm, self-harm/intent, self-harm/instructions\n" +
	"   - sexual, sexual/minors\n" +
	"   - violence, violence/graphic\n" +
	"   - illicit, illicit/violent\n" +
	"   NO regex field for category!\n\n" +
	"3. 'contextual' - Contextual analysis (custom categories)\n" +
	"   Fields: category (e.g., 'spam', 'advertising', 'trolling'), rule_type='contextual', priority\n" +
	"   NO regex field for contextual!\n\n" +
	"RULES:\n" +
	"- Use 'category' ONLY if category matches list above EXACTLY\n" +
	"- Use 'contextual' for all other categories (spam, ads, etc.)\n" +
	"- Never include 'regex' field for category/contextual\n\n" +
	"Return JSON: {rule_type, layer, category, regex (regex only!), priority (0-100)}"

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

// WithModerationModel overrides the classification model.
func WithModerationModel(model string) Option {
	return func(c *Client) { c.moderationModel = model }
}

// WithSynthesisModel overrides the rule-synthesis model.
func WithSynthesisModel(model string) Option {
	return func(c *Client) { c.synthesisModel = model }
}

// WithHTTPClient replaces the underlying HTTP client. The caller keeps
// ownership of it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client implements omnix.ModerationAPI. Transient transport errors and 5xx
// responses are retried with exponential backoff and jitter; 4xx responses
// and retry exhaustion surface as *omnix.ErrAdapter.
type Client struct {
	apiKey          string
	baseURL         string
	moderationModel string
	synthesisModel  string
	client          *http.Client
	logger          *slog.Logger
}

var _ omnix.ModerationAPI = (*Client)(nil)

// New creates a Client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:          apiKey,
		baseURL:         defaultBaseURL,
		moderationModel: defaultModeration,
		synthesisModel:  defaultSynthesisModel,
		client:          &http.Client{Timeout: defaultTimeout},
		logger:          slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// --- Wire types ---

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens      int `json:"total_tokens"`
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ClassifyText scores a text against the moderation category catalog.
func (c *Client) ClassifyText(ctx context.Context, text string) (omnix.ModerationScores, error) {
	payload := map[string]any{
		"model": c.moderationModel,
		"input": []map[string]any{{"type": "text", "text": text}},
	}
	return c.classify(ctx, payload)
}

// ClassifyImage scores a single image URL or base64 data URL.
func (c *Client) ClassifyImage(ctx context.Context, image string) (omnix.ModerationScores, error) {
	payload := map[string]any{
		"model": c.moderationModel,
		"input": []map[string]any{{"type": "image_url", "image_url": map[string]string{"url": image}}},
	}
	return c.classify(ctx, payload)
}

func (c *Client) classify(ctx context.Context, payload map[string]any) (omnix.ModerationScores, error) {
	body, err := c.post(ctx, "/moderations", payload)
	if err != nil {
		return omnix.ModerationScores{}, err
	}
	var parsed moderationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return omnix.ModerationScores{}, &omnix.ErrAdapter{Op: "moderations", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Results) == 0 {
		return omnix.ModerationScores{}, &omnix.ErrAdapter{Op: "moderations", Message: "empty results"}
	}
	r := parsed.Results[0]
	return omnix.ModerationScores{
		Flagged:        r.Flagged,
		Categories:     r.Categories,
		CategoryScores: r.CategoryScores,
	}, nil
}

// CompleteChat runs a chat completion.
func (c *Client) CompleteChat(ctx context.Context, req omnix.ChatCompletionRequest) (omnix.ChatCompletion, error) {
	payload := map[string]any{
		"model":    req.Model,
		"messages": buildMessages(req.Messages),
	}
	if req.MaxCompletionTokens > 0 {
		payload["max_completion_tokens"] = req.MaxCompletionTokens
	}
	if req.JSONResponse {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}

	body, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return omnix.ChatCompletion{}, err
	}
	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return omnix.ChatCompletion{}, &omnix.ErrAdapter{Op: "chat_completions", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Choices) == 0 {
		return omnix.ChatCompletion{}, &omnix.ErrAdapter{Op: "chat_completions", Message: "no choices"}
	}
	choice := parsed.Choices[0]
	return omnix.ChatCompletion{
		Content:          choice.Message.Content,
		FinishReason:     choice.FinishReason,
		TotalTokens:      parsed.Usage.TotalTokens,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// SynthesizeRule asks the synthesis model to classify a free-form rule
// description. An unparseable answer is an adapter error; the caller decides
// what to do with the partial input.
func (c *Client) SynthesizeRule(ctx context.Context, req omnix.RuleSynthesisRequest) (omnix.RuleSynthesis, error) {
	payload := map[string]any{
		"model":           c.synthesisModel,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": synthesisSystemPrompt},
			{"role": "user", "content": fmt.Sprintf("Rule: %s\nSource: %s\nAction: %s",
				req.RuleText, req.Source, req.DesiredAction)},
		},
	}
	body, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return omnix.RuleSynthesis{}, err
	}
	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return omnix.RuleSynthesis{}, &omnix.ErrAdapter{Op: "synthesize_rule", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Choices) == 0 {
		return omnix.RuleSynthesis{}, &omnix.ErrAdapter{Op: "synthesize_rule", Message: "no choices"}
	}

	content := strings.Trim(strings.TrimSpace(parsed.Choices[0].Message.Content), "` \n")
	var synthesis struct {
		RuleType string `json:"rule_type"`
		Layer    string `json:"layer"`
		Category string `json:"category"`
		Regex    string `json:"regex"`
		Priority int    `json:"priority"`
	}
	if err := json.Unmarshal([]byte(content), &synthesis); err != nil {
		c.logger.Error("rule synthesis parse failed", "error", err, "content", content)
		return omnix.RuleSynthesis{}, &omnix.ErrAdapter{Op: "synthesize_rule", Message: "unparseable synthesis response"}
	}
	if synthesis.RuleType == "" {
		synthesis.RuleType = "semantic"
	}
	if synthesis.Layer == "" {
		synthesis.Layer = "contextual"
	}
	if synthesis.Category == "" {
		synthesis.Category = "other"
	}
	if synthesis.Priority == 0 {
		synthesis.Priority = 10
	}
	return omnix.RuleSynthesis{
		RuleType: synthesis.RuleType,
		Layer:    synthesis.Layer,
		Category: synthesis.Category,
		Regex:    synthesis.Regex,
		Priority: synthesis.Priority,
	}, nil
}

// buildMessages renders messages in the chat completions wire format. A
// message with images becomes a content-part array.
func buildMessages(messages []omnix.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		if len(m.Images) == 0 {
			out = append(out, map[string]any{"role": m.Role, "content": m.Content})
			continue
		}
		parts := []map[string]any{{"type": "text", "text": m.Content}}
		for _, image := range m.Images {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]string{"url": image},
			})
		}
		out = append(out, map[string]any{"role": m.Role, "content": parts})
	}
	return out
}

// post sends one JSON request with retry. Timeouts, connection errors, and
// 5xx responses are retried up to retryAttempts times with exponential
// backoff and jitter; other 4xx responses fail immediately as adapter errors.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, &omnix.ErrAdapter{Op: path, Message: fmt.Sprintf("encode request: %v", err)}
	}

	var last error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		c.logger.Debug("api request", "path", path, "attempt", attempt+1)

		body, err := c.doOnce(ctx, path, encoded)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			var httpErr *omnix.ErrHTTP
			if errors.As(err, &httpErr) {
				return nil, &omnix.ErrAdapter{Op: path, Message: fmt.Sprintf("api error: %d %s", httpErr.Status, httpErr.Body)}
			}
			return nil, &omnix.ErrAdapter{Op: path, Message: err.Error()}
		}
		last = err
		c.logger.Warn("retrying transient error",
			"path", path, "attempt", attempt+1, "max_attempts", retryAttempts, "error", err)
	}
	c.logger.Error("all retry attempts exhausted", "path", path, "error", last)
	return nil, &omnix.ErrAdapter{Op: path, Message: fmt.Sprintf("retry exhausted: %v", last)}
}

func (c *Client) doOnce(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &omnix.ErrHTTP{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// isRetryable reports whether err is worth another attempt: a 5xx status or
// a transport-level failure (timeout, reset, refused). 4xx is not. The caller
// has already ruled out cancellation of its own context.
func isRetryable(err error) bool {
	var httpErr *omnix.ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wrapping a closed connection, a refused dial, or the
	// client-side request timeout.
	return strings.Contains(err.Error(), "connection") ||
		strings.Contains(err.Error(), "Client.Timeout")
}

// backoff returns the delay before retry i (0-indexed): 0.5s * 2^i capped at
// 5s, plus up to 50% random jitter.
func backoff(i int) time.Duration {
	d := retryBaseDelay * (1 << i)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
