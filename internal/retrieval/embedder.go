// Package retrieval ranks and returns bounded, citable context from the
// ledger: keyword/tag ranking over the block index and cosine ranking over
// derived memory item embeddings.
package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/halversen/mnemo/internal/ledger"
)

// DefaultDims is the default embedding dimensionality.
const DefaultDims = 256

// Embedder generates embedding vectors from text. The hash embedder below is
// the default; a learned provider can be swapped in behind the same contract
// without changing any ranking logic.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// HashEmbedder is a deterministic, dependency-free embedder: each normalized
// token is hashed into a bucket of a fixed-size vector with a hash-derived
// sign, and the result is L2-normalized. Identical text always embeds to the
// identical vector, which keeps the semantic index reproducible and testable.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder. dims <= 0 selects DefaultDims.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDims
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Dims() int { return e.dims }

// Embed projects the token bag of text into the vector space. The error
// return exists only to satisfy the Embedder contract.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range ledger.ExtractKeywords(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	normalize(vec)
	return vec, nil
}

// normalize scales vec to unit L2 norm in place. The zero vector stays zero.
func normalize(vec []float32) {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= n
	}
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func EmbedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency for providers that do real work.

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
