package server

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/anaphygon/askgate/internal/config"
	"github.com/anaphygon/askgate/internal/models"
)

const (
	minRepeatChunk   = 10
	repeatCount      = 4
	capsMinLetters   = 20
	capsMaxUpperRate = 0.7
)

// validationError is a client mistake reported as VALIDATION_ERROR
type validationError struct {
	Field   string
	Message string
}

func (e *validationError) Error() string {
	return e.Field + ": " + e.Message
}

type chatValidator struct {
	cfg  config.ValidationConfig
	spam *regexp.Regexp
}

func newChatValidator(cfg config.ValidationConfig) *chatValidator {
	v := &chatValidator{cfg: cfg}
	if len(cfg.SpamWords) > 0 {
		words := make([]string, 0, len(cfg.SpamWords))
		for _, w := range cfg.SpamWords {
			if w = strings.TrimSpace(w); w != "" {
				words = append(words, regexp.QuoteMeta(w))
			}
		}
		if len(words) > 0 {
			v.spam = regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b`)
		}
	}
	return v
}

// Validate checks a chat request and trims its question in place
func (v *chatValidator) Validate(req *models.ChatRequest) error {
	req.Question = strings.TrimSpace(req.Question)
	n := utf8.RuneCountInString(req.Question)
	if n == 0 {
		return &validationError{Field: "question", Message: "question is required"}
	}
	if n > v.cfg.MaxQuestionLength {
		return &validationError{
			Field:   "question",
			Message: fmt.Sprintf("question must be at most %d characters", v.cfg.MaxQuestionLength),
		}
	}

	if len(req.Context) > v.cfg.MaxContextItems {
		return &validationError{
			Field:   "context",
			Message: fmt.Sprintf("context may hold at most %d messages", v.cfg.MaxContextItems),
		}
	}
	for i, turn := range req.Context {
		if utf8.RuneCountInString(turn.Text) > v.cfg.MaxContextText {
			return &validationError{
				Field:   fmt.Sprintf("context[%d].text", i),
				Message: fmt.Sprintf("context messages must be at most %d characters", v.cfg.MaxContextText),
			}
		}
	}

	if v.spam != nil && v.spam.MatchString(req.Question) {
		return &validationError{Field: "question", Message: "question contains blocked words"}
	}
	if hasRepetition(req.Question) {
		return &validationError{Field: "question", Message: "question contains excessive repetition"}
	}
	if excessiveCaps(req.Question) {
		return &validationError{Field: "question", Message: "question contains too many capital letters"}
	}
	return nil
}

// hasRepetition reports whether some chunk of at least minRepeatChunk runes
// occurs repeatCount times back to back. For a chunk length l the text
// repeats when r[j] == r[j+l] holds for (repeatCount-1)*l consecutive j.
func hasRepetition(s string) bool {
	r := []rune(s)
	for l := minRepeatChunk; l*repeatCount <= len(r); l++ {
		need := (repeatCount - 1) * l
		run := 0
		for j := 0; j+l < len(r); j++ {
			if r[j] == r[j+l] {
				run++
				if run >= need {
					return true
				}
			} else {
				run = 0
			}
		}
	}
	return false
}

func excessiveCaps(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return letters >= capsMinLetters && float64(upper)/float64(letters) > capsMaxUpperRate
}
