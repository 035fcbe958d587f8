package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/halversen/mnemo/internal/ledger"
	"github.com/halversen/mnemo/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendBlock(t *testing.T, w *ledger.Writer, chainID, role, content string, tags []string) string {
	t.Helper()
	res, err := w.Append(context.Background(), chainID, role, content, ledger.AppendOptions{Tags: tags})
	if err != nil {
		t.Fatalf("Append(%q) failed: %v", content, err)
	}
	return res.BlockID
}

func TestRankFindsRelevantBlockFirst(t *testing.T) {
	store := openTestStore(t)
	w := ledger.NewWriter(store, 0)
	ranker := NewBlockRanker(store)

	appendBlock(t, w, "work", "user", "what is the weather like today", nil)
	want := appendBlock(t, w, "work", "assistant", "the database backup runs nightly at 03:00", nil)
	appendBlock(t, w, "work", "user", "remind me to water the plants", nil)

	got, err := ranker.Rank("work", "when does the database backup run", 5, time.Time{})
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one result")
	}
	if got[0].BlockID != want {
		t.Errorf("expected backup block first, got %q (score %f)", got[0].Content, got[0].Score)
	}
}

func TestRankDecisionTagOutranksUntagged(t *testing.T) {
	store := openTestStore(t)
	w := ledger.NewWriter(store, 0)
	ranker := NewBlockRanker(store)

	// Same keyword overlap with the query; only the tag differs. The tagged
	// block is older, so recency tie-breaking alone would not pick it.
	tagged := appendBlock(t, w, "work", "assistant", "we will use postgres for the billing service", []string{"decision"})
	appendBlock(t, w, "work", "user", "maybe postgres could host the billing service", nil)

	got, err := ranker.Rank("work", "which database for billing service", 5, time.Time{})
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected two results, got %d", len(got))
	}
	if got[0].BlockID != tagged {
		t.Errorf("expected decision-tagged block first, got %q", got[0].Content)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("expected tag boost in score: %f vs %f", got[0].Score, got[1].Score)
	}
}

func TestRankQueryTokenMatchingTag(t *testing.T) {
	store := openTestStore(t)
	w := ledger.NewWriter(store, 0)
	ranker := NewBlockRanker(store)

	want := appendBlock(t, w, "work", "assistant", "switch the deploy pipeline to blue green", []string{"decision"})
	appendBlock(t, w, "work", "user", "the deploy pipeline failed again", nil)

	got, err := ranker.Rank("work", "what was the decision about the deploy pipeline", 5, time.Time{})
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(got) == 0 || got[0].BlockID != want {
		t.Fatalf("expected tagged block first, got %+v", got)
	}
}

func TestRankRespectsTopK(t *testing.T) {
	store := openTestStore(t)
	w := ledger.NewWriter(store, 0)
	ranker := NewBlockRanker(store)

	for i := 0; i < 6; i++ {
		appendBlock(t, w, "work", "user", "another note about the migration plan", nil)
	}

	got, err := ranker.Rank("work", "migration plan", 3, time.Time{})
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 results, got %d", len(got))
	}
}

func TestRankSinceFiltersOldBlocks(t *testing.T) {
	store := openTestStore(t)
	w := ledger.NewWriter(store, 0)
	ranker := NewBlockRanker(store)

	appendBlock(t, w, "work", "user", "the migration plan needs review", nil)

	got, err := ranker.Rank("work", "migration plan", 5, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no results after cutoff, got %d", len(got))
	}
}

func TestRankEmptyQuery(t *testing.T) {
	store := openTestStore(t)
	ranker := NewBlockRanker(store)

	got, err := ranker.Rank("work", "a an of", 5, time.Time{})
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for stopword-only query, got %v", got)
	}
}
