package models

// Google Generative Language API request/response structures (v1beta generateContent)

type GoogleRequest struct {
	Contents          []GoogleContent          `json:"contents"`
	GenerationConfig  GoogleGenerationConfig   `json:"generationConfig"`
	SafetySettings    []GoogleSafetySetting    `json:"safetySettings,omitempty"`
	SystemInstruction *GoogleSystemInstruction `json:"systemInstruction,omitempty"`
}

type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

type GooglePart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type GoogleGenerationConfig struct {
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	CandidateCount  int      `json:"candidateCount"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GoogleSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type GoogleSystemInstruction struct {
	Parts []GooglePart `json:"parts"`
}

// Google API Response
type GoogleResponse struct {
	Candidates     []GoogleCandidate     `json:"candidates"`
	UsageMetadata  *GoogleUsage          `json:"usageMetadata,omitempty"`
	PromptFeedback *GooglePromptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
}

type GoogleCandidate struct {
	Content      GoogleContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type GooglePromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type GoogleUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GoogleErrorResponse is the error envelope returned on non-2xx responses
type GoogleErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
