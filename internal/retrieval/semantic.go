package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/halversen/mnemo/internal/storage"
)

// ItemIndex provides embedding storage and brute-force cosine similarity
// search over derived memory items, backed by the ledger's SQLite database.
// Brute force is fine at personal-agent scale; an ANN index would slot in
// behind the same methods if item counts ever warrant it.
type ItemIndex struct {
	db *sql.DB
}

// NewItemIndex wraps an existing *sql.DB for memory item operations.
// The memory_items table must already exist (created via migrations).
func NewItemIndex(db *sql.DB) *ItemIndex {
	return &ItemIndex{db: db}
}

// ScoredItem is a memory item with a similarity score attached.
type ScoredItem struct {
	storage.MemoryItem
	Score float32
}

// Insert adds memory items, serializing their embeddings as little-endian
// float32 blobs, inside one transaction.
func (x *ItemIndex) Insert(items []storage.MemoryItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO memory_items (id, chain_id, key, kind, text, embedding, source_block_id, project, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		createdAt := it.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var project any
		if it.Project != "" {
			project = it.Project
		}
		if _, err := stmt.Exec(it.ID, it.ChainID, it.Key, it.Kind, it.Text,
			encodeFloat32s(it.Embedding), it.SourceBlockID, project,
			createdAt.UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting memory item %s: %w", it.ID, err)
		}
	}

	return tx.Commit()
}

// Search returns the topK memory items on the chain most similar to the
// query vector. A non-empty project first restricts candidates to that
// project; when that pool comes up short the remainder is filled from the
// full candidate pool.
func (x *ItemIndex) Search(ctx context.Context, chainID string, vector []float32, topK int, project string) ([]ScoredItem, error) {
	if topK <= 0 {
		return nil, nil
	}

	results, err := x.search(ctx, chainID, vector, topK, project)
	if err != nil {
		return nil, err
	}
	if project == "" || len(results) >= topK {
		return results, nil
	}

	// Project pool was thin; fall back to the full pool without duplicating.
	all, err := x.search(ctx, chainID, vector, topK, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.ID] = true
	}
	for _, r := range all {
		if len(results) >= topK {
			break
		}
		if !seen[r.ID] {
			results = append(results, r)
		}
	}
	return results, nil
}

func (x *ItemIndex) search(ctx context.Context, chainID string, vector []float32, topK int, project string) ([]ScoredItem, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	query := `SELECT id, embedding FROM memory_items WHERE chain_id = ?`
	args := []any{chainID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying item vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer avoids a per-row allocation during the scan.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full rows only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	items, err := x.GetByIDs(ctx, topIDs)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredItem, 0, len(items))
	for _, it := range items {
		results = append(results, ScoredItem{MemoryItem: it, Score: scores[it.ID]})
	}
	sortByScore(results)
	return results, nil
}

// GetByIDs returns memory items matching the given IDs.
func (x *ItemIndex) GetByIDs(ctx context.Context, ids []string) ([]storage.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, chain_id, key, kind, text, embedding, source_block_id, project, created_at
		FROM memory_items WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying by IDs: %w", err)
	}
	defer rows.Close()

	var items []storage.MemoryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Count returns the number of memory items on the chain. An empty chainID
// counts across all chains.
func (x *ItemIndex) Count(chainID string) (int, error) {
	var count int
	var err error
	if chainID == "" {
		err = x.db.QueryRow(`SELECT COUNT(*) FROM memory_items`).Scan(&count)
	} else {
		err = x.db.QueryRow(`SELECT COUNT(*) FROM memory_items WHERE chain_id = ?`, chainID).Scan(&count)
	}
	return count, err
}

func scanItem(rows *sql.Rows) (storage.MemoryItem, error) {
	var it storage.MemoryItem
	var blob []byte
	var project sql.NullString
	var createdAt string
	if err := rows.Scan(&it.ID, &it.ChainID, &it.Key, &it.Kind, &it.Text, &blob,
		&it.SourceBlockID, &project, &createdAt); err != nil {
		return storage.MemoryItem{}, fmt.Errorf("scanning memory item: %w", err)
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return storage.MemoryItem{}, fmt.Errorf("decoding embedding for %s: %w", it.ID, err)
	}
	it.Embedding = embedding
	it.Project = project.String
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return storage.MemoryItem{}, fmt.Errorf("parsing created_at for %s: %w", it.ID, err)
	}
	it.CreatedAt = t
	return it, nil
}

// sortByScore sorts ScoredItems by Score descending. Used for small slices.
func sortByScore(results []ScoredItem) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScore holds only the ID and score during the scan phase of search.
type idScore struct {
	ID    string
	Score float32
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
