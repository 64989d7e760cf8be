package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anaphygon/askgate/internal/completion"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// SDKProvider calls Gemini through the official genai client
type SDKProvider struct {
	cfg    Config
	client *genai.Client
	logger *zap.Logger
}

// NewSDKProvider creates the genai client for the Gemini API backend
func NewSDKProvider(ctx context.Context, cfg Config, httpClient *http.Client, logger *zap.Logger) (*SDKProvider, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.APIKey == "" {
		return nil, errors.New("sdk backend requires an API key; OAuth credentials work with the rest backend only")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL + "/",
		},
	}
	if httpClient != nil {
		cc.HTTPClient = httpClient
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &SDKProvider{cfg: cfg, client: client, logger: logger}, nil
}

// Model returns the configured model name
func (p *SDKProvider) Model() string {
	return p.cfg.Model
}

// Generate sends one GenerateContent call
func (p *SDKProvider) Generate(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, genai.Text(p.cfg.prompt(req)), p.generateConfig())
	if err != nil {
		return nil, mapAPIError(err)
	}

	out := &completion.Response{Model: p.cfg.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			out.FinishReason = string(genai.FinishReasonSafety)
			return out, nil
		}
		return nil, fmt.Errorf("%w: no candidates", completion.ErrEmptyResponse)
	}

	candidate := resp.Candidates[0]
	out.FinishReason = string(candidate.FinishReason)

	if candidate.Content != nil {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text.WriteString(part.Text)
		}
		out.Text = Tidy(text.String())
	}

	return out, nil
}

func (p *SDKProvider) generateConfig() *genai.GenerateContentConfig {
	params := p.cfg.Params

	safety := make([]*genai.SafetySetting, 0, len(HarmCategories))
	for _, c := range HarmCategories {
		safety = append(safety, &genai.SafetySetting{
			Category:  genai.HarmCategory(c),
			Threshold: genai.HarmBlockThreshold(params.SafetyThreshold),
		})
	}

	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(params.Temperature)),
		TopP:            genai.Ptr(float32(params.TopP)),
		TopK:            genai.Ptr(float32(params.TopK)),
		CandidateCount:  1,
		MaxOutputTokens: int32(params.MaxOutputTokens),
		StopSequences:   params.StopSequences,
		SafetySettings:  safety,
	}
}

// mapAPIError turns SDK status errors into provider errors so they are
// classified like REST failures
func mapAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &completion.ProviderError{StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &completion.ProviderError{StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message, Err: err}
	}
	return err
}
