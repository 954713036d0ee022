// Package controller asks an LLM what the proxy agent should say next.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lukasbauer/proxyvoice/internal/costs"
	"github.com/lukasbauer/proxyvoice/internal/logging"
)

const (
	DecisionContinue             = "continue"
	DecisionRequestClarification = "request_clarification"
	DecisionStop                 = "stop"
)

const (
	FallbackTimeout = "I need a moment to think about that."
	FallbackError   = "Let me get back to you on that."

	// SummarizeThreshold is the estimated token count above which pinned
	// context is condensed.
	SummarizeThreshold = 1500

	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 20 * time.Second

	maxOutputTokens    = 1000
	maxSummaryTokens   = 2000
	truncateRunes      = 3000
	noteUncertain      = "The agent said it is unsure. Confirm the point or give it more information."
	noteTimeout        = "The controller timed out, a default reply was used."
	noteError          = "The controller failed, a default reply was used."
	noteSummaryTrimmed = "[summary failed, original text truncated]"
)

// ErrStaleDecision is returned when the call was cancelled before it
// finished. Its result must not be applied.
var ErrStaleDecision = errors.New("controller: decision is stale")

// Request is what the operator's directive is decided against.
type Request struct {
	Directive          Directive `json:"directive"`
	PinnedContext      string    `json:"pinned_context"`
	Memory             string    `json:"memory"`
	LatestTurns        []string  `json:"latest_turns"`
	PreviousResponseID string    `json:"previous_response_id,omitempty"`
}

// Decision is the checked controller answer.
type Decision struct {
	Decision     string `json:"decision"`
	Utterance    string `json:"next_english_utterance"`
	MemoryUpdate string `json:"memory_update"`
	Notes        string `json:"notes_for_user,omitempty"`
	ResponseID   string `json:"response_id"`
}

// Summary is the result of condensing pinned context.
type Summary struct {
	Summary        string `json:"summary"`
	OriginalTokens int    `json:"original_tokens"`
	Tokens         int    `json:"tokens"`
}

// Config holds controller settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client

	// Temperature is sent only when positive.
	Temperature float64

	// Meter, when set, receives token usage of every completed call.
	Meter *costs.Meter
}

// Client calls the chat completions API.
type Client struct {
	client      openai.Client
	model       string
	timeout     time.Duration
	temperature float64
	meter       *costs.Meter
	logger      *logging.Logger
}

// New builds a controller client.
func New(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		client:      openai.NewClient(opts...),
		model:       model,
		timeout:     timeout,
		temperature: cfg.Temperature,
		meter:       cfg.Meter,
		logger:      logger.With("controller"),
	}
}

// Decide asks the model for the next utterance. When the model cannot be
// reached in time the returned decision is a fallback that keeps the
// current memory, and err says why. If ctx was cancelled by the caller the
// result is ErrStaleDecision.
func (c *Client) Decide(ctx context.Context, req Request) (Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if req.PreviousResponseID != "" {
		c.logger.Debugf("continuing after %s", req.PreviousResponseID)
	}
	started := time.Now()
	text, id, err := c.complete(callCtx, SystemInstruction, BuildPrompt(req), maxOutputTokens)
	if errors.Is(ctx.Err(), context.Canceled) {
		return Decision{}, ErrStaleDecision
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			c.logger.Warnf("decide timed out after %s", time.Since(started).Round(time.Millisecond))
			return Fallback(req, FallbackTimeout, noteTimeout), fmt.Errorf("controller timeout: %w", err)
		}
		c.logger.Errorf("decide failed: %v", err)
		return Fallback(req, FallbackError, noteError), fmt.Errorf("controller call: %w", err)
	}

	d := finalize(req, ParseOutput(text))
	d.ResponseID = id
	c.logger.Infof("decision %s for %s in %s", d.Decision, req.Directive, time.Since(started).Round(time.Millisecond))
	return d, nil
}

// Summarize condenses text when it is over SummarizeThreshold. Shorter text
// comes back unchanged. On failure the text is truncated and err is set.
func (c *Client) Summarize(ctx context.Context, text string) (Summary, error) {
	original := EstimateTokens(text)
	if original <= SummarizeThreshold {
		return Summary{Summary: text, OriginalTokens: original, Tokens: original}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	summary, _, err := c.complete(callCtx, SummarizeInstruction, buildSummarizePrompt(text), maxSummaryTokens)
	if err == nil && strings.TrimSpace(summary) == "" {
		err = errors.New("empty summary")
	}
	if err != nil {
		c.logger.Warnf("summarize failed, truncating: %v", err)
		truncated := truncate(text, truncateRunes)
		return Summary{
			Summary:        truncated + "\n\n" + noteSummaryTrimmed,
			OriginalTokens: original,
			Tokens:         EstimateTokens(truncated),
		}, fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	return Summary{Summary: summary, OriginalTokens: original, Tokens: EstimateTokens(summary)}, nil
}

func (c *Client) complete(ctx context.Context, system, prompt string, maxTokens int64) (string, string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", "", err
	}
	c.meter.AddCompletion(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if len(resp.Choices) == 0 {
		return "", resp.ID, errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, resp.ID, nil
}

// Fallback is the decision used when the model gave nothing usable.
func Fallback(req Request, utterance, note string) Decision {
	return Decision{
		Decision:     DecisionContinue,
		Utterance:    utterance,
		MemoryUpdate: req.Memory,
		Notes:        note,
	}
}

func finalize(req Request, out Output) Decision {
	d := Decision{
		Decision:     strings.ToLower(strings.TrimSpace(out.Decision)),
		Utterance:    strings.TrimSpace(out.Utterance),
		MemoryUpdate: out.MemoryUpdate,
	}
	switch d.Decision {
	case DecisionContinue, DecisionRequestClarification, DecisionStop:
	default:
		d.Decision = DecisionContinue
	}
	if d.Utterance == "" {
		d.Utterance = defaultUtterance
	}
	if strings.TrimSpace(d.MemoryUpdate) == "" {
		d.MemoryUpdate = req.Memory
	}
	if out.Notes != nil {
		d.Notes = *out.Notes
	}
	if Uncertain(d.Utterance) {
		if d.Notes != "" {
			d.Notes += "\n"
		}
		d.Notes += noteUncertain
	}
	return d
}

var uncertaintyPhrases = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"i am not sure",
	"not sure",
	"let me check",
	"let me find out",
	"i'll have to check",
	"i need to verify",
	"i'll need to verify",
	"i will need to verify",
	"i can't confirm",
	"i cannot confirm",
	"i'm uncertain",
	"i need to look into",
	"i'll get back to you",
	"i don't have that information",
}

// Uncertain reports whether an utterance admits the agent does not know.
func Uncertain(utterance string) bool {
	u := strings.ToLower(strings.ReplaceAll(utterance, "’", "'"))
	for _, p := range uncertaintyPhrases {
		if strings.Contains(u, p) {
			return true
		}
	}
	return false
}

var reCJK = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)

// EstimateTokens approximates model tokens: two per CJK character and 1.3
// per other word. Non-empty text counts at least one.
func EstimateTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	cjk := len(reCJK.FindAllStringIndex(text, -1))
	words := len(strings.Fields(reCJK.ReplaceAllString(text, "")))
	n := int(float64(cjk)*2 + float64(words)*1.3)
	if n < 1 {
		n = 1
	}
	return n
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
