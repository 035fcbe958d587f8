package retrieval

import (
	"time"

	"github.com/halversen/mnemo/internal/ledger"
	"github.com/halversen/mnemo/internal/storage"
)

// priorityTags mark blocks whose content the agent flagged as durable.
// A tagged block outranks an untagged block with the same keyword overlap.
var priorityTags = map[string]float64{
	"decision":   1.5,
	"preference": 1.5,
	"fact":       1.0,
}

// tagMatchBoost is added when a query token names one of the block's tags
// directly, e.g. the query "what did we decide" hitting a "decision" tag.
const tagMatchBoost = 2.0

// ScoredBlock is a ledger block with a retrieval score attached.
type ScoredBlock struct {
	storage.Block
	Score float64
}

// BlockRanker scores ledger blocks against a query using the keyword index.
type BlockRanker struct {
	store *storage.Store
}

// NewBlockRanker creates a ranker over the given store.
func NewBlockRanker(store *storage.Store) *BlockRanker {
	return &BlockRanker{store: store}
}

// Rank returns up to topK blocks on the chain scored against the query.
// The base score is the number of query keywords present in the block's
// keyword index; tags add fixed boosts on top. since, when non-zero,
// restricts candidates to blocks at or after that instant.
func (r *BlockRanker) Rank(chainID, query string, topK int, since time.Time) ([]ScoredBlock, error) {
	if topK <= 0 {
		return nil, nil
	}
	tokens := ledger.ExtractKeywords(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	hits, err := r.store.BlocksByKeywords(chainID, tokens, since)
	if err != nil {
		return nil, err
	}

	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}

	scored := make([]ScoredBlock, 0, len(hits))
	for _, hit := range hits {
		score := float64(hit.Matches)
		for _, tag := range hit.Tags {
			if boost, ok := priorityTags[tag]; ok {
				score += boost
			}
			if tokenSet[tag] {
				score += tagMatchBoost
			}
		}
		scored = append(scored, ScoredBlock{Block: hit.Block, Score: score})
	}

	sortBlocks(scored)
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// sortBlocks orders by score descending, breaking ties by height descending
// so newer blocks win. Insertion sort keeps the tie-break stable for the
// small slices involved.
func sortBlocks(blocks []ScoredBlock) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blockLess(blocks[j-1], blocks[j]); j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}

func blockLess(a, b ScoredBlock) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Height < b.Height
}
