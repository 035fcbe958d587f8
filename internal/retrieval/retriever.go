package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/halversen/mnemo/internal/storage"
)

// Budget bounds what a retrieval call may return. Zero values take the
// corresponding default; SinceDays and Project zero/empty mean unbounded.
type Budget struct {
	MaxBlocks int
	MaxItems  int
	MaxChars  int
	SinceDays int
	Project   string
}

const (
	DefaultMaxBlocks = 8
	DefaultMaxItems  = 4
	DefaultMaxChars  = 4000
)

func (b Budget) withDefaults() Budget {
	if b.MaxBlocks <= 0 {
		b.MaxBlocks = DefaultMaxBlocks
	}
	if b.MaxItems <= 0 {
		b.MaxItems = DefaultMaxItems
	}
	if b.MaxChars <= 0 {
		b.MaxChars = DefaultMaxChars
	}
	return b
}

// Citation is one retrieved piece of context. Exactly one of BlockID and
// ItemID is set, identifying the ledger block or memory item it came from.
// Item citations also carry SourceBlockID, the ledger block the item was
// derived from, so consumers can attribute every claim back to the chain.
type Citation struct {
	BlockID       string  `json:"blockId,omitempty"`
	ItemID        string  `json:"itemId,omitempty"`
	SourceBlockID string  `json:"sourceBlockId,omitempty"`
	Kind          string  `json:"kind"` // block role, or memory item kind
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
}

// Retriever assembles relevant context for a query by combining keyword
// matches over ledger blocks with semantic matches over memory items.
type Retriever struct {
	ranker   *BlockRanker
	items    *ItemIndex
	embedder Embedder
}

// NewRetriever wires a retriever over the store's block index, the memory
// item index, and an embedder for query vectors.
func NewRetriever(store *storage.Store, items *ItemIndex, embedder Embedder) *Retriever {
	return &Retriever{
		ranker:   NewBlockRanker(store),
		items:    items,
		embedder: embedder,
	}
}

// RelevantContext returns citations for the query within the budget.
// Keyword-ranked blocks come first, then semantic memory items; the
// character budget is enforced across the combined list, dropping whole
// citations rather than truncating them.
func (r *Retriever) RelevantContext(ctx context.Context, chainID, query string, budget Budget) ([]Citation, error) {
	budget = budget.withDefaults()

	var since time.Time
	if budget.SinceDays > 0 {
		since = time.Now().UTC().AddDate(0, 0, -budget.SinceDays)
	}

	blocks, err := r.ranker.Rank(chainID, query, budget.MaxBlocks, since)
	if err != nil {
		return nil, fmt.Errorf("ranking blocks: %w", err)
	}

	var items []ScoredItem
	if budget.MaxItems > 0 {
		vector, err := r.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		items, err = r.items.Search(ctx, chainID, vector, budget.MaxItems, budget.Project)
		if err != nil {
			return nil, fmt.Errorf("searching memory items: %w", err)
		}
	}

	citations := make([]Citation, 0, len(blocks)+len(items))
	remaining := budget.MaxChars
	for _, b := range blocks {
		if len(b.Content) > remaining {
			continue
		}
		remaining -= len(b.Content)
		citations = append(citations, Citation{
			BlockID: b.BlockID,
			Kind:    b.Role,
			Text:    b.Content,
			Score:   b.Score,
		})
	}
	for _, it := range items {
		if len(it.Text) > remaining {
			continue
		}
		remaining -= len(it.Text)
		citations = append(citations, Citation{
			ItemID:        it.ID,
			SourceBlockID: it.SourceBlockID,
			Kind:          it.Kind,
			Text:          it.Text,
			Score:         float64(it.Score),
		})
	}
	return citations, nil
}
