package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/anaphygon/askgate/internal/completion"
	"github.com/anaphygon/askgate/internal/models"
	"go.uber.org/zap"
)

const maxErrorBody = 512

// RESTProvider calls the generateContent endpoint directly
type RESTProvider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewRESTProvider creates a REST provider. With an API key the key is sent
// as a header; otherwise httpClient is expected to authenticate itself.
func NewRESTProvider(cfg Config, httpClient *http.Client, logger *zap.Logger) *RESTProvider {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTProvider{cfg: cfg, client: httpClient, logger: logger}
}

// Model returns the configured model name
func (p *RESTProvider) Model() string {
	return p.cfg.Model
}

// Generate sends one generateContent request
func (p *RESTProvider) Generate(ctx context.Context, req *completion.Request) (*completion.Response, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.cfg.BaseURL, url.PathEscape(p.cfg.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)
	}

	p.logger.Debug("Sending request to Gemini",
		zap.String("model", p.cfg.Model),
		zap.Int("body_length", len(body)))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("Gemini API returned error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", snippet(data)))
		return nil, &completion.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	var gr models.GoogleResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", completion.ErrEmptyResponse, err)
	}

	return p.parseResponse(&gr)
}

func (p *RESTProvider) buildRequest(req *completion.Request) *models.GoogleRequest {
	params := p.cfg.Params
	temperature := params.Temperature
	topP := params.TopP
	topK := params.TopK
	maxTokens := params.MaxOutputTokens

	safety := make([]models.GoogleSafetySetting, 0, len(HarmCategories))
	for _, c := range HarmCategories {
		safety = append(safety, models.GoogleSafetySetting{
			Category:  c,
			Threshold: params.SafetyThreshold,
		})
	}

	return &models.GoogleRequest{
		Contents: []models.GoogleContent{
			{
				Role:  "user",
				Parts: []models.GooglePart{{Text: p.cfg.prompt(req)}},
			},
		},
		GenerationConfig: models.GoogleGenerationConfig{
			Temperature:     &temperature,
			TopP:            &topP,
			TopK:            &topK,
			MaxOutputTokens: &maxTokens,
			CandidateCount:  1,
			StopSequences:   params.StopSequences,
		},
		SafetySettings: safety,
	}
}

func (p *RESTProvider) parseResponse(gr *models.GoogleResponse) (*completion.Response, error) {
	out := &completion.Response{Model: p.cfg.Model}
	if gr.ModelVersion != "" {
		out.Model = gr.ModelVersion
	}
	if gr.UsageMetadata != nil {
		out.PromptTokens = gr.UsageMetadata.PromptTokenCount
		out.CompletionTokens = gr.UsageMetadata.CandidatesTokenCount
	}

	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			out.FinishReason = "SAFETY"
			return out, nil
		}
		return nil, fmt.Errorf("%w: no candidates", completion.ErrEmptyResponse)
	}

	candidate := gr.Candidates[0]
	out.FinishReason = candidate.FinishReason

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}
	out.Text = Tidy(text.String())

	return out, nil
}

func errorMessage(data []byte) string {
	var ge models.GoogleErrorResponse
	if err := json.Unmarshal(data, &ge); err == nil && ge.Error.Message != "" {
		return ge.Error.Message
	}
	return snippet(data)
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
