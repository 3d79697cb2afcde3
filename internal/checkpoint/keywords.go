package checkpoint

import (
	"sort"
	"strings"

	"agentward/internal/workspace"
)

// Scorer derives searchable metadata from conversation text. The default
// implementation is a frequency heuristic; callers can plug in something
// smarter without touching the capture path.
type Scorer interface {
	Keywords(text string, limit int) []string
	ExpertiseAreas(text string) []string
	Summarize(messages []workspace.Message) string
}

// HeuristicScorer extracts keywords by term frequency after stopword
// filtering and maps known technology terms to expertise areas
type HeuristicScorer struct{}

// NewHeuristicScorer creates the default scorer
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "it": true, "this": true, "that": true,
	"these": true, "those": true, "i": true, "you": true, "we": true, "they": true,
	"can": true, "will": true, "would": true, "should": true, "could": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"not": true, "no": true, "yes": true, "if": true, "then": true, "else": true,
	"so": true, "as": true, "use": true, "using": true, "used": true, "like": true,
	"just": true, "also": true, "some": true, "what": true, "how": true, "when": true,
	"all": true, "any": true, "my": true, "your": true, "our": true, "its": true,
	"me": true, "here": true, "there": true, "now": true, "new": true, "one": true,
}

// expertiseTerms maps technology keywords to the expertise area they signal
var expertiseTerms = map[string]string{
	"react": "react", "jsx": "react", "hooks": "react", "component": "react",
	"typescript": "typescript", "tsx": "typescript",
	"javascript": "javascript", "node": "javascript", "npm": "javascript",
	"golang": "go", "goroutine": "go", "channel": "go",
	"python": "python", "django": "python", "flask": "python",
	"rust": "rust", "cargo": "rust",
	"sql": "databases", "sqlite": "databases", "postgres": "databases",
	"migration": "databases", "schema": "databases",
	"docker": "infrastructure", "kubernetes": "infrastructure",
	"terraform": "infrastructure", "deploy": "infrastructure",
	"css": "frontend", "html": "frontend", "tailwind": "frontend",
	"api": "backend", "rest": "backend", "grpc": "backend", "http": "backend",
	"test": "testing", "testing": "testing", "mock": "testing",
	"auth": "security", "oauth": "security", "jwt": "security",
	"git": "version-control", "branch": "version-control", "commit": "version-control",
}

// Keywords returns up to limit terms ordered by frequency, ties broken
// alphabetically
func (s *HeuristicScorer) Keywords(text string, limit int) []string {
	freq := make(map[string]int)
	for _, token := range tokenize(text) {
		if len(token) < 3 || stopwords[token] {
			continue
		}
		freq[token]++
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

// ExpertiseAreas returns the distinct expertise areas signalled by the text,
// most frequent first
func (s *HeuristicScorer) ExpertiseAreas(text string) []string {
	freq := make(map[string]int)
	for _, token := range tokenize(text) {
		if area, ok := expertiseTerms[token]; ok {
			freq[area]++
		}
	}

	areas := make([]string, 0, len(freq))
	for area := range freq {
		areas = append(areas, area)
	}
	sort.Slice(areas, func(i, j int) bool {
		if freq[areas[i]] != freq[areas[j]] {
			return freq[areas[i]] > freq[areas[j]]
		}
		return areas[i] < areas[j]
	})
	return areas
}

// Summarize produces a short description from the first user message and the
// length of the conversation
func (s *HeuristicScorer) Summarize(messages []workspace.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var lead string
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			lead = strings.TrimSpace(m.Content)
			break
		}
	}
	if lead == "" {
		lead = strings.TrimSpace(messages[0].Content)
	}

	if len(lead) > 140 {
		cut := strings.LastIndex(lead[:140], " ")
		if cut < 80 {
			cut = 140
		}
		lead = lead[:cut] + "..."
	}
	return lead
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-')
	})
}
