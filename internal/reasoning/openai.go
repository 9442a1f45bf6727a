package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/opsiq/internal/anomaly"
	"github.com/danielpatrickdp/opsiq/internal/eval"
	"github.com/danielpatrickdp/opsiq/internal/update"
	openai "github.com/sashabaranov/go-openai"
)

// #region prompts
const proposeSystemPrompt = `You tune a billing anomaly detector from reviewer feedback.
Given judgments on cases and the current per-type calibration, propose small changes.
Reply with JSON only: {"deltas": {"<anomaly_type>": {"threshold_delta": number,
"penalty_delta": number, "bias_delta": number, "justification": string}}}.
false_positive verdicts should raise penalty_delta; reject and not_useful should move the
threshold one step in tighten_direction; approvals may lower the penalty. Omit unchanged types.`

const adviceSystemPrompt = `You evaluate the calibration of a billing anomaly detector.
Given the evaluation statistics and the current calibration, give at most five specific,
actionable suggestions, worst-calibrated anomaly type first.
Reply with JSON only: {"advice": [string, ...]}.`
// #endregion prompts

// #region client
// OpenAI reaches any OpenAI-compatible chat endpoint and asks for JSON replies.
type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAI creates the chat strategy. An empty API key is an error.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai strategy: api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (o *OpenAI) Name() string { return ProviderOpenAI }

func (o *OpenAI) Close() error { return nil }
// #endregion client

// #region propose
// ProposeMemoryDeltas asks the model for per-type deltas.
func (o *OpenAI) ProposeMemoryDeltas(ctx context.Context, judgments []update.Judgment, snap anomaly.Snapshot) (update.Proposal, error) {
	var resp proposeResponse
	if err := o.complete(ctx, proposeSystemPrompt, proposeRequest{Judgments: judgments, Calibration: viewOf(snap)}, &resp); err != nil {
		return update.Proposal{}, err
	}
	return toProposal(resp, judgments, snap)
}
// #endregion propose

// #region advice
// CalibrationAdvice asks the model for advice lines.
func (o *OpenAI) CalibrationAdvice(ctx context.Context, in eval.AdviceInput) ([]string, error) {
	var resp adviceResponse
	if err := o.complete(ctx, adviceSystemPrompt, adviceRequest{Evaluation: in.Evaluation, Calibration: viewOf(in.Snapshot)}, &resp); err != nil {
		return nil, err
	}
	var out []string
	for _, a := range resp.Advice {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty advice", anomaly.ErrReasoningUnavailable)
	}
	return out, nil
}
// #endregion advice

// #region complete
func (o *OpenAI) complete(ctx context.Context, system string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: string(body)},
		},
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: chat completion: %w", anomaly.ErrReasoningUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: no choices returned", anomaly.ErrReasoningUnavailable)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```json"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), out); err != nil {
		return fmt.Errorf("%w: decode reply: %w", anomaly.ErrReasoningUnavailable, err)
	}
	return nil
}
// #endregion complete
