package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/halversen/mnemo/internal/retrieval"
	"github.com/halversen/mnemo/internal/storage"
)

// JobType is the queue type for chunk embedding jobs.
const JobType = "embed_chunks"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// ItemInserter persists embedded memory items.
type ItemInserter interface {
	Insert(items []storage.MemoryItem) error
}

// Payload is the JSON body of an embed_chunks job. Chunks travel in the
// payload itself; the source block holds the import record in the ledger.
type Payload struct {
	ChainID       string   `json:"chain_id"`
	SourceBlockID string   `json:"source_block_id"`
	Title         string   `json:"title"`
	Project       string   `json:"project,omitempty"`
	Chunks        []string `json:"chunks"`
}

// Worker processes embed_chunks jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder retrieval.Embedder
	items    ItemInserter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder retrieval.Embedder, items ItemInserter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		items:    items,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_chunks job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.ChainID == "" || payload.SourceBlockID == "" {
		return fmt.Errorf("payload missing chain or source block")
	}
	if len(payload.Chunks) == 0 {
		return nil
	}

	vectors, err := retrieval.EmbedBatch(ctx, w.embedder, payload.Chunks)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	now := time.Now().UTC()
	items := make([]storage.MemoryItem, len(payload.Chunks))
	for i, chunk := range payload.Chunks {
		items[i] = storage.MemoryItem{
			ID:            uuid.New().String(),
			ChainID:       payload.ChainID,
			Key:           fmt.Sprintf("%s#%d", payload.Title, i),
			Kind:          "fact",
			Text:          chunk,
			Embedding:     vectors[i],
			SourceBlockID: payload.SourceBlockID,
			Project:       payload.Project,
			CreatedAt:     now,
		}
	}

	if err := w.items.Insert(items); err != nil {
		return fmt.Errorf("inserting memory items: %w", err)
	}
	return nil
}

// EnqueueImport builds and enqueues an embed_chunks job for a document that
// has already been recorded in the ledger.
func EnqueueImport(store *storage.Store, p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(body),
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueuing job: %w", err)
	}
	return job.ID, nil
}
