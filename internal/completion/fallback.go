package completion

import (
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/anaphygon/askgate/internal/models"
)

// Fallback types reported to clients
const (
	FallbackKeywordMatch      = "keyword_match"
	FallbackConnectionError   = "connection_error"
	FallbackRateLimit         = "rate_limit"
	FallbackAuthError         = "auth_error"
	FallbackGenericError      = "generic_error"
	FallbackSafetyBlocked     = "safety_blocked"
	FallbackRecitationBlocked = "recitation_blocked"
)

// Category is a topic with canned answers
type Category struct {
	Name      string
	Keywords  []string
	Responses []string
}

type compiledCategory struct {
	Category
	patterns []*regexp.Regexp
}

// FallbackSelector picks a local answer when the provider cannot be used
type FallbackSelector struct {
	categories []compiledCategory
	generic    map[ErrorClass]string
}

// DefaultCategories is the built-in topic table. Order breaks ties.
var DefaultCategories = []Category{
	{
		Name:     "greeting",
		Keywords: []string{"hi", "hello", "hey", "hai", "halo"},
		Responses: []string{
			"Hello! I'm the askgate assistant. What can I help you with today?",
			"Hi there! Nice to meet you. What would you like to talk about?",
			"Hello! I'm ready to answer your questions. Ask me anything.",
		},
	},
	{
		Name:     "identity",
		Keywords: []string{"who are you", "your name", "what are you", "siapa kamu"},
		Responses: []string{
			"I'm the askgate assistant, powered by Google's Gemini models. I'm here to answer questions and share useful information.",
			"I'm an AI assistant. I can help with general knowledge, technology and practical everyday tips.",
		},
	},
	{
		Name:     "thanks",
		Keywords: []string{"thanks", "thank you", "thx", "terima kasih"},
		Responses: []string{
			"You're welcome! Anything else I can help with?",
			"Happy to help. Feel free to ask again any time.",
			"Glad it was useful. I'm here if you need anything else.",
		},
	},
	{
		Name:     "wellbeing",
		Keywords: []string{"how are you", "how is it going", "bagaimana kabar"},
		Responses: []string{
			"I'm doing well, thanks for asking! As an AI I'm available around the clock. How about you?",
			"All good here and ready to help. What would you like to ask?",
		},
	},
	{
		Name:     "ai",
		Keywords: []string{"what is ai", "artificial intelligence", "machine learning", "apa itu ai"},
		Responses: []string{
			"AI, or artificial intelligence, is technology that lets computers learn from data to understand language, recognize patterns, solve problems and analyze information. Virtual assistants, recommendation systems and machine translation are everyday examples.",
		},
	},
	{
		Name:     "programming",
		Keywords: []string{"programming", "coding", "code", "python", "javascript", "golang", "developer"},
		Responses: []string{
			"Programming is writing instructions a computer can execute. Popular languages include Python for data and AI work, JavaScript for the web, Java for enterprise applications and Go for fast, efficient services. Python or JavaScript are good first choices. Is there something specific you'd like to know?",
		},
	},
	{
		Name:     "bandung",
		Keywords: []string{"bandung"},
		Responses: []string{
			"Bandung, the capital of West Java, is known for its cool mountain climate, great street food, factory outlets, a lively creative scene, Art Deco architecture and many universities. Is there a particular place in Bandung you want to know about?",
		},
	},
}

var defaultGeneric = map[ErrorClass]string{
	ClassNetwork:     "Sorry, the connection to the AI service is having trouble. Please try again in a moment or ask a more specific question.",
	ClassRateLimited: "Too many questions in a short time. Let's take a short break, then try again.",
	ClassAuth:        "There seems to be a problem with the service configuration. Please try again in a few minutes.",
	ClassUnknown:     "Sorry, I'm having technical difficulties answering your question. Please try rephrasing it, or ask again in a few minutes.",
}

// NewFallbackSelector compiles the keyword table. Nil categories means
// DefaultCategories.
func NewFallbackSelector(categories []Category) *FallbackSelector {
	if categories == nil {
		categories = DefaultCategories
	}

	fs := &FallbackSelector{generic: defaultGeneric}
	for _, c := range categories {
		if len(c.Responses) == 0 {
			continue
		}
		cc := compiledCategory{Category: c}
		for _, kw := range c.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			cc.patterns = append(cc.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
		}
		fs.categories = append(fs.categories, cc)
	}
	return fs
}

// Match returns the best matching category for question. The score of a
// category is the number of its distinct keywords found in the question.
func (fs *FallbackSelector) Match(question string) (*Category, bool) {
	best, bestScore := -1, 0
	for i, c := range fs.categories {
		score := 0
		for _, p := range c.patterns {
			if p.MatchString(question) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return nil, false
	}
	return &fs.categories[best].Category, true
}

// Select builds the degraded answer for a failed question
func (fs *FallbackSelector) Select(question string, class ErrorClass) *models.Answer {
	if c, ok := fs.Match(question); ok {
		return &models.Answer{
			Message:          pick(c.Responses, question),
			Fallback:         true,
			FallbackType:     FallbackKeywordMatch,
			FallbackCategory: c.Name,
		}
	}

	typ := FallbackGenericError
	switch class {
	case ClassNetwork:
		typ = FallbackConnectionError
	case ClassRateLimited:
		typ = FallbackRateLimit
	case ClassAuth:
		typ = FallbackAuthError
	}

	msg, ok := fs.generic[class]
	if !ok {
		msg = fs.generic[ClassUnknown]
	}
	return &models.Answer{
		Message:      msg,
		Fallback:     true,
		FallbackType: typ,
	}
}

// pick chooses a response deterministically so retries of the same question
// read the same
func pick(responses []string, question string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(question))))
	return responses[h.Sum32()%uint32(len(responses))]
}
