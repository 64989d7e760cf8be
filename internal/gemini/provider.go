// Package gemini adapts Google's Gemini text-generation API to the
// completion.Provider interface, over plain REST or the genai SDK.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anaphygon/askgate/internal/completion"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash"

	BackendREST = "rest"
	BackendSDK  = "sdk"
)

// HarmCategories receive the configured safety threshold
var HarmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// Params are the generation parameters sent with every request
type Params struct {
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
	StopSequences   []string
	SafetyThreshold string
}

// DefaultParams favour consistent, focused answers
func DefaultParams() Params {
	return Params{
		Temperature:     0.4,
		TopP:            0.8,
		TopK:            30,
		MaxOutputTokens: 2000,
		StopSequences:   []string{"<|end|>"},
		SafetyThreshold: "BLOCK_MEDIUM_AND_ABOVE",
	}
}

// Config selects and configures a provider
type Config struct {
	Backend      string
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Params       Params
	ContextItems int
	ContextChars int
	Timeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendREST
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.ContextItems == 0 {
		c.ContextItems = 4
	}
	if c.ContextChars == 0 {
		c.ContextChars = 150
	}
	if c.Timeout <= 0 {
		c.Timeout = 25 * time.Second
	}
	d := DefaultParams()
	if c.Params.Temperature == 0 {
		c.Params.Temperature = d.Temperature
	}
	if c.Params.TopP == 0 {
		c.Params.TopP = d.TopP
	}
	if c.Params.TopK == 0 {
		c.Params.TopK = d.TopK
	}
	if c.Params.MaxOutputTokens == 0 {
		c.Params.MaxOutputTokens = d.MaxOutputTokens
	}
	if c.Params.StopSequences == nil {
		c.Params.StopSequences = d.StopSequences
	}
	if c.Params.SafetyThreshold == "" {
		c.Params.SafetyThreshold = d.SafetyThreshold
	}
}

func (c *Config) prompt(req *completion.Request) string {
	return BuildPrompt(c.SystemPrompt, req.Question, req.Mode, req.Context, c.ContextItems, c.ContextChars)
}

// NewProvider builds the provider named by cfg.Backend. httpClient carries
// OAuth credentials when the deployment uses them; nil means a plain client.
func NewProvider(ctx context.Context, cfg Config, httpClient *http.Client, logger *zap.Logger) (completion.Provider, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case BackendREST:
		return NewRESTProvider(cfg, httpClient, logger), nil
	case BackendSDK:
		return NewSDKProvider(ctx, cfg, httpClient, logger)
	default:
		return nil, fmt.Errorf("unknown gemini backend %q", cfg.Backend)
	}
}
