package checkpoint

import (
	"testing"
	"time"
)

func seedSearchStore(t *testing.T) (*Store, map[string]string) {
	t.Helper()
	store := newTestStore(t)

	ids := make(map[string]string)

	react := sampleCheckpoint("React Expert")
	react.Description = "component state and hooks debugging"
	id, err := store.Save(react)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ids["react"] = id

	db := sampleCheckpoint("Database Migrations")
	db.Description = "postgres schema migrations with rollback"
	db.Tags = []string{"sql", "migrations"}
	db.ExpertiseAreas = []string{"databases"}
	id, err = store.Save(db)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ids["db"] = id

	infra := sampleCheckpoint("Deploy Pipeline")
	infra.Description = "docker build and kubernetes rollout"
	infra.Tags = []string{"docker", "kubernetes"}
	infra.ExpertiseAreas = []string{"infrastructure"}
	id, err = store.Save(infra)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ids["infra"] = id

	return store, ids
}

func TestSearchByText(t *testing.T) {
	store, ids := seedSearchStore(t)
	searcher := NewSearcher(store, nil)

	result := searcher.Search(Query{Text: "react"})
	if result.TotalCount != 1 {
		t.Fatalf("TotalCount = %d, want 1", result.TotalCount)
	}
	if result.Results[0].CheckpointID != ids["react"] {
		t.Errorf("expected the react checkpoint, got %s", result.Results[0].CheckpointID)
	}
}

func TestSearchConjunctiveFilters(t *testing.T) {
	store, ids := seedSearchStore(t)
	searcher := NewSearcher(store, nil)

	t.Run("TagAndExpertise", func(t *testing.T) {
		result := searcher.Search(Query{Tags: []string{"sql"}, ExpertiseAreas: []string{"databases"}})
		if result.TotalCount != 1 || result.Results[0].CheckpointID != ids["db"] {
			t.Fatalf("expected only the db checkpoint, got %+v", result.Results)
		}
	})

	t.Run("ConflictingFiltersMatchNothing", func(t *testing.T) {
		result := searcher.Search(Query{Tags: []string{"sql"}, ExpertiseAreas: []string{"frontend"}})
		if result.TotalCount != 0 {
			t.Fatalf("expected no matches, got %d", result.TotalCount)
		}
	})

	t.Run("CaseInsensitiveTag", func(t *testing.T) {
		result := searcher.Search(Query{Tags: []string{"React"}})
		if result.TotalCount != 1 {
			t.Fatalf("expected case-insensitive tag match, got %d", result.TotalCount)
		}
	})
}

func TestSearchPerformanceThreshold(t *testing.T) {
	store, ids := seedSearchStore(t)
	searcher := NewSearcher(store, nil)

	if err := store.AddRating(ids["react"], 5); err != nil {
		t.Fatalf("AddRating failed: %v", err)
	}

	result := searcher.Search(Query{PerformanceThreshold: 4})
	if result.TotalCount != 1 || result.Results[0].CheckpointID != ids["react"] {
		t.Fatalf("expected only the rated checkpoint, got %+v", result.Results)
	}
}

func TestSearchRecentlyUsed(t *testing.T) {
	store, ids := seedSearchStore(t)
	searcher := NewSearcher(store, nil)

	if err := store.Touch(ids["infra"]); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	result := searcher.Search(Query{RecentlyUsedWithin: time.Hour})
	if result.TotalCount != 1 || result.Results[0].CheckpointID != ids["infra"] {
		t.Fatalf("expected only the touched checkpoint, got %+v", result.Results)
	}
}

func TestSearchPagination(t *testing.T) {
	store, _ := seedSearchStore(t)
	searcher := NewSearcher(store, nil)

	page1 := searcher.Search(Query{Limit: 2})
	if page1.TotalCount != 3 || len(page1.Results) != 2 {
		t.Fatalf("page1: total %d len %d, want 3/2", page1.TotalCount, len(page1.Results))
	}
	page2 := searcher.Search(Query{Limit: 2, Offset: 2})
	if len(page2.Results) != 1 {
		t.Fatalf("page2: len %d, want 1", len(page2.Results))
	}

	// Pages must not overlap given the id tiebreaker.
	for _, a := range page1.Results {
		if a.CheckpointID == page2.Results[0].CheckpointID {
			t.Errorf("checkpoint %s appeared on both pages", a.CheckpointID)
		}
	}
}

func TestSearchNegativePagination(t *testing.T) {
	store, _ := seedSearchStore(t)
	searcher := NewSearcher(store, nil)

	result := searcher.Search(Query{Offset: -1, Limit: -5})
	if result.TotalCount != 3 {
		t.Fatalf("TotalCount = %d, want 3", result.TotalCount)
	}
	if len(result.Results) != 3 {
		t.Fatalf("negative offset/limit should behave like defaults, got %d results", len(result.Results))
	}
}

func TestSearchSortByUsage(t *testing.T) {
	store, ids := seedSearchStore(t)
	searcher := NewSearcher(store, nil)

	for i := 0; i < 3; i++ {
		if err := store.Touch(ids["db"]); err != nil {
			t.Fatalf("Touch failed: %v", err)
		}
	}

	result := searcher.Search(Query{SortBy: "usage"})
	if result.Results[0].CheckpointID != ids["db"] {
		t.Errorf("expected most-used checkpoint first, got %s", result.Results[0].CheckpointID)
	}
}

func TestSearchSuggestions(t *testing.T) {
	store, _ := seedSearchStore(t)
	searcher := NewSearcher(store, nil)

	result := searcher.Search(Query{})
	if len(result.SuggestedTags) == 0 {
		t.Error("expected tag suggestions from the facet table")
	}
	if len(result.RelatedExpertise) == 0 {
		t.Error("expected expertise suggestions from the facet table")
	}
}

func TestSearchDegradesWhenStorageFails(t *testing.T) {
	store, _ := seedSearchStore(t)
	searcher := NewSearcher(store, nil)
	store.Close()

	result := searcher.Search(Query{Text: "react"})
	if result.TotalCount != 0 || len(result.Results) != 0 {
		t.Fatalf("expected empty degraded result, got %+v", result)
	}
}
