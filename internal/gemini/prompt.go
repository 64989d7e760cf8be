package gemini

import (
	"regexp"
	"strings"

	"github.com/anaphygon/askgate/internal/models"
)

// DefaultSystemPrompt frames every question sent to the model
const DefaultSystemPrompt = `You are a friendly, knowledgeable AI assistant.

Guidelines:
- Answer clearly, accurately and to the point
- Use a warm, conversational tone
- Use bullet points for lists and steps
- If you are not sure, say so honestly
- Give practical examples where possible
- Break complex topics into easy pieces

Always give a helpful answer.`

// Modes change the answering style
const (
	ModeDefault  = "default"
	ModeConcise  = "concise"
	ModeDetailed = "detailed"
	ModeCreative = "creative"
)

var modeInstructions = map[string]string{
	ModeDefault:  "Answer clearly and informatively.",
	ModeConcise:  "Answer briefly, in at most three sentences.",
	ModeDetailed: "Answer thoroughly, with explanations and examples.",
	ModeCreative: "Answer creatively, with analogies and a lively tone.",
}

// NormalizeMode maps unknown or empty modes to ModeDefault
func NormalizeMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if _, ok := modeInstructions[mode]; ok {
		return mode
	}
	return ModeDefault
}

// BuildPrompt assembles the single prompt sent to the model: the system
// prompt, the last maxItems turns cut to maxChars runes, the question and
// the mode instruction.
func BuildPrompt(system, question, mode string, history []models.ChatTurn, maxItems, maxChars int) string {
	if system == "" {
		system = DefaultSystemPrompt
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n")

	if maxItems > 0 && len(history) > 0 {
		start := len(history) - maxItems
		if start < 0 {
			start = 0
		}
		b.WriteString("CONVERSATION CONTEXT:\n")
		for _, turn := range history[start:] {
			role := "Assistant"
			if turn.IsUser {
				role = "User"
			}
			b.WriteString(role)
			b.WriteString(": ")
			b.WriteString(truncate(turn.Text, maxChars))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	b.WriteString("QUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString("INSTRUCTION: ")
	b.WriteString(modeInstructions[NormalizeMode(mode)])

	return b.String()
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	manyNewlines = regexp.MustCompile(`\n{3,}`)
	spaceRuns    = regexp.MustCompile(`[ \t]+`)
	dashBullets  = regexp.MustCompile(`\n[-*]\s`)
)

// Tidy normalizes model output whitespace and list bullets
func Tidy(text string) string {
	text = manyNewlines.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)
	text = spaceRuns.ReplaceAllString(text, " ")
	text = dashBullets.ReplaceAllString(text, "\n• ")
	if strings.HasPrefix(text, "- ") || strings.HasPrefix(text, "* ") {
		text = "• " + text[2:]
	}
	return text
}
