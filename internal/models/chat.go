package models

// Chat API request/response models

// ChatRequest is the body of POST /api/chat
type ChatRequest struct {
	Question string     `json:"question" binding:"required"`
	Context  []ChatTurn `json:"context,omitempty"`
	Mode     string     `json:"mode,omitempty"`
}

// ChatTurn is one previous message of the conversation
type ChatTurn struct {
	Text      string `json:"text"`
	IsUser    bool   `json:"isUser"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ChatResponse is returned for successful and degraded (fallback) answers
type ChatResponse struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message"`
	Fallback     bool         `json:"fallback,omitempty"`
	FallbackType string       `json:"fallbackType,omitempty"`
	Metadata     ChatMetadata `json:"metadata"`
}

// ChatMetadata describes how an answer was produced
type ChatMetadata struct {
	ResponseTime int64       `json:"responseTime"` // milliseconds
	FromCache    bool        `json:"fromCache"`
	Attempts     int         `json:"attempts"`
	Model        string      `json:"model"`
	RequestID    string      `json:"requestId,omitempty"`
	Category     string      `json:"category,omitempty"`
	Quota        *QuotaInfo  `json:"quota,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// QuotaInfo is the caller's daily quota after the request
type QuotaInfo struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// TokenUsage reports provider token counts
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// ErrorResponse is returned for every rejected or failed chat request
type ErrorResponse struct {
	Success     bool                   `json:"success"`
	Message     string                 `json:"message"`
	ErrorType   string                 `json:"errorType"`
	Retryable   bool                   `json:"retryable"`
	Suggestions []string               `json:"suggestions"`
	Details     map[string]interface{} `json:"details,omitempty"`
}
