package models

// Answer is the payload produced by the completion client, either a genuine
// model answer or a locally generated fallback.
type Answer struct {
	Message          string `json:"message"`
	Model            string `json:"model"`
	FinishReason     string `json:"finishReason,omitempty"`
	Attempts         int    `json:"attempts"`
	Fallback         bool   `json:"fallback,omitempty"`
	FallbackType     string `json:"fallbackType,omitempty"`
	FallbackCategory string `json:"fallbackCategory,omitempty"`
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
}

// Clone returns a copy of the answer
func (a *Answer) Clone() *Answer {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
