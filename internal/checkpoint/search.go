package checkpoint

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Query describes a checkpoint search. All populated filters must match
// (conjunctive); zero values are ignored.
type Query struct {
	Text                 string        `json:"text"`
	Tags                 []string      `json:"tags"`
	ExpertiseAreas       []string      `json:"expertiseAreas"`
	ContextTypes         []string      `json:"contextTypes"`
	PerformanceThreshold float64       `json:"performanceThreshold"`
	RecentlyUsedWithin   time.Duration `json:"recentlyUsedWithin"`
	Since                *time.Time    `json:"since,omitempty"`
	Until                *time.Time    `json:"until,omitempty"`
	SortBy               string        `json:"sortBy"` // relevance, performance, recent, usage, created
	Limit                int           `json:"limit"`
	Offset               int           `json:"offset"`
}

// SearchResult is a page of matches plus refinement suggestions drawn from
// the facet tables
type SearchResult struct {
	Results          []IndexEntry `json:"results"`
	TotalCount       int          `json:"totalCount"`
	SuggestedTags    []string     `json:"suggestedTags"`
	RelatedExpertise []string     `json:"relatedExpertise"`
}

// Searcher answers queries from the index projections alone; full records
// are never loaded on the search path
type Searcher struct {
	store  *Store
	logger *slog.Logger
}

// NewSearcher creates a searcher over the given store
func NewSearcher(store *Store, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{store: store, logger: logger}
}

// Search evaluates the query against the index. Storage failures degrade to
// an empty result set rather than failing the caller.
func (s *Searcher) Search(q Query) *SearchResult {
	entries, err := s.store.ListIndex()
	if err != nil {
		s.logger.Warn("checkpoint search degraded", "error", err)
		return &SearchResult{Results: []IndexEntry{}}
	}

	type scored struct {
		entry IndexEntry
		score int
	}
	var matches []scored
	for _, e := range entries {
		ok, score := matchEntry(&e, &q)
		if ok {
			matches = append(matches, scored{entry: e, score: score})
		}
	}

	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "relevance"
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		switch sortBy {
		case "performance":
			if a.entry.PerformanceScore != b.entry.PerformanceScore {
				return a.entry.PerformanceScore > b.entry.PerformanceScore
			}
		case "recent":
			at, bt := lastUsedOrCreated(&a.entry), lastUsedOrCreated(&b.entry)
			if !at.Equal(bt) {
				return at.After(bt)
			}
		case "usage":
			if a.entry.UsageCount != b.entry.UsageCount {
				return a.entry.UsageCount > b.entry.UsageCount
			}
		case "created":
			if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
				return a.entry.CreatedAt.After(b.entry.CreatedAt)
			}
		default:
			if a.score != b.score {
				return a.score > b.score
			}
		}
		// Stable pagination needs a total order
		return a.entry.CheckpointID < b.entry.CheckpointID
	})

	total := len(matches)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	results := make([]IndexEntry, 0, end-offset)
	for _, m := range matches[offset:end] {
		results = append(results, m.entry)
	}

	return &SearchResult{
		Results:          results,
		TotalCount:       total,
		SuggestedTags:    s.topFacets("tag"),
		RelatedExpertise: s.topFacets("expertise"),
	}
}

func (s *Searcher) topFacets(kind string) []string {
	facets, err := s.store.Facets(kind, 5)
	if err != nil {
		return nil
	}
	values := make([]string, 0, len(facets))
	for _, f := range facets {
		values = append(values, f.Value)
	}
	return values
}

// matchEntry applies every populated filter and returns the keyword
// relevance score for text queries
func matchEntry(e *IndexEntry, q *Query) (bool, int) {
	if q.PerformanceThreshold > 0 && e.PerformanceScore < q.PerformanceThreshold {
		return false, 0
	}
	if !containsAll(e.Tags, q.Tags) {
		return false, 0
	}
	if !containsAll(e.ExpertiseAreas, q.ExpertiseAreas) {
		return false, 0
	}
	if !containsAll(e.ContextTypes, q.ContextTypes) {
		return false, 0
	}
	if q.RecentlyUsedWithin > 0 {
		if e.LastUsed == nil || time.Since(*e.LastUsed) > q.RecentlyUsedWithin {
			return false, 0
		}
	}
	if q.Since != nil && e.CreatedAt.Before(*q.Since) {
		return false, 0
	}
	if q.Until != nil && e.CreatedAt.After(*q.Until) {
		return false, 0
	}

	score := 0
	if q.Text != "" {
		terms := strings.Fields(strings.ToLower(q.Text))
		haystack := strings.ToLower(e.Title + " " + e.Description + " " +
			strings.Join(e.Tags, " ") + " " + strings.Join(e.ExpertiseAreas, " "))
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score == 0 {
			return false, 0
		}
	}
	return true, score
}

// containsAll reports whether every wanted value appears in the entry's
// values, case-insensitively
func containsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func lastUsedOrCreated(e *IndexEntry) time.Time {
	if e.LastUsed != nil {
		return *e.LastUsed
	}
	return e.CreatedAt
}
