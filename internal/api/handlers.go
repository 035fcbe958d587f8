package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halversen/mnemo/internal/ingest"
	"github.com/halversen/mnemo/internal/ledger"
	"github.com/halversen/mnemo/internal/retrieval"
	"github.com/halversen/mnemo/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// AppDeps holds the wiring for the HTTP API.
type AppDeps struct {
	Store      *storage.Store
	Writer     *ledger.Writer
	Retriever  *retrieval.Retriever
	Items      *retrieval.ItemIndex
	Embedder   retrieval.Embedder
	Token      string
	HTTPClient *http.Client
}

// NewAppHandler returns the authenticated REST API for the ledger daemon.
// The health endpoint is unauthenticated so process managers can probe it.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/chains", handleListChains(deps))
		r.Post("/chains/{chainID}/blocks", handleAppend(deps))
		r.Get("/chains/{chainID}/blocks", handleListBlocks(deps))
		r.Get("/chains/{chainID}/context", handleContext(deps))
		r.Post("/chains/{chainID}/checkpoint", handleCheckpoint(deps))
		r.Get("/chains/{chainID}/summaries", handleListSummaries(deps))
		r.Get("/chains/{chainID}/verify", handleVerifyChain(deps))
		r.Get("/verify", handleVerifyAll(deps))
		r.Post("/memory-items", handleAddMemoryItem(deps))
		r.Post("/ingest", handleIngest(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// AppendRequest is the body of POST /chains/{chainID}/blocks.
type AppendRequest struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	AuthorID   string         `json:"author_id,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	References []string       `json:"references,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Checkpoint bool           `json:"checkpoint,omitempty"`
}

func handleAppend(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		chainID := chi.URLParam(r, "chainID")

		var req AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Writer.Append(r.Context(), chainID, req.Role, req.Content, ledger.AppendOptions{
			AuthorID:        req.AuthorID,
			Tags:            req.Tags,
			References:      req.References,
			Metadata:        req.Metadata,
			ForceCheckpoint: req.Checkpoint,
		})
		if errors.Is(err, ledger.ErrInvalidInput) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to append: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"block_id":    res.BlockID,
			"height":      res.Height,
			"header_hash": res.HeaderHash,
			"redacted":    res.Redacted,
		})
	}
}

func handleListChains(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chains, err := deps.Store.ListChains()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list chains: %v", err)
			return
		}
		if chains == nil {
			chains = []storage.Chain{}
		}

		type chainInfo struct {
			ChainID    string `json:"chain_id"`
			HeadHash   string `json:"head_hash"`
			HeadHeight int64  `json:"head_height"`
			CreatedAt  string `json:"created_at"`
		}
		out := make([]chainInfo, len(chains))
		for i, c := range chains {
			out[i] = chainInfo{
				ChainID:    c.ChainID,
				HeadHash:   c.HeadHash,
				HeadHeight: c.HeadHeight,
				CreatedAt:  c.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleListBlocks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainID := chi.URLParam(r, "chainID")
		limit := parseIntParam(r, "limit", 50, 500)

		if _, err := deps.Store.GetChain(chainID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chain not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load chain: %v", err)
			return
		}

		blocks, err := deps.Store.ListBlocks(chainID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list blocks: %v", err)
			return
		}
		if blocks == nil {
			blocks = []storage.Block{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(blocksJSON(blocks))
	}
}

func handleContext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainID := chi.URLParam(r, "chainID")
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		budget := retrieval.Budget{
			MaxBlocks: parseIntParam(r, "max_blocks", 0, 50),
			MaxItems:  parseIntParam(r, "max_items", 0, 50),
			MaxChars:  parseIntParam(r, "max_chars", 0, 100000),
			SinceDays: parseIntParam(r, "since_days", 0, 0),
			Project:   r.URL.Query().Get("project"),
		}

		citations, err := deps.Retriever.RelevantContext(r.Context(), chainID, query, budget)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieval failed: %v", err)
			return
		}
		if citations == nil {
			citations = []retrieval.Citation{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(citations)
	}
}

func handleCheckpoint(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainID := chi.URLParam(r, "chainID")

		sum, err := deps.Writer.Summarizer().CheckpointHead(chainID)
		if errors.Is(err, ledger.ErrInvalidInput) {
			httpError(w, http.StatusNotFound, "not_found", "chain not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "checkpoint failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"chain_id":     sum.ChainID,
			"up_to_height": sum.UpToHeight,
			"summary":      sum.Text,
			"summary_hash": sum.Hash,
		})
	}
}

func handleListSummaries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainID := chi.URLParam(r, "chainID")

		summaries, err := deps.Store.ListSummaries(chainID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list summaries: %v", err)
			return
		}

		type summaryInfo struct {
			UpToHeight int64  `json:"up_to_height"`
			Text       string `json:"text"`
			Hash       string `json:"hash"`
			CreatedAt  string `json:"created_at"`
		}
		out := make([]summaryInfo, len(summaries))
		for i, s := range summaries {
			out[i] = summaryInfo{
				UpToHeight: s.UpToHeight,
				Text:       s.Text,
				Hash:       s.Hash,
				CreatedAt:  s.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleVerifyChain(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chainID := chi.URLParam(r, "chainID")

		if _, err := deps.Store.GetChain(chainID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "chain not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load chain: %v", err)
			return
		}

		report, err := ledger.NewVerifier(deps.Store).VerifyChain(chainID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "verification failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func handleVerifyAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := ledger.NewVerifier(deps.Store).VerifyAll(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "verification failed: %v", err)
			return
		}
		if reports == nil {
			reports = []ledger.Report{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reports)
	}
}

// MemoryItemRequest is the body of POST /memory-items.
type MemoryItemRequest struct {
	ChainID string `json:"chain_id"`
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
	Project string `json:"project,omitempty"`
}

func handleAddMemoryItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MemoryItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ChainID == "" || req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "chain_id and text are required")
			return
		}
		if req.Kind == "" {
			req.Kind = "fact"
		}
		if !storage.ValidKinds[req.Kind] {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid kind %q", req.Kind)
			return
		}

		// Record the item in the ledger first so it has a tamper-evident
		// source of truth, then index it for semantic recall.
		res, err := deps.Writer.Append(r.Context(), req.ChainID, "system", req.Text, ledger.AppendOptions{
			Tags:     []string{req.Kind},
			Metadata: map[string]any{"key": req.Key},
		})
		if errors.Is(err, ledger.ErrInvalidInput) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record item: %v", err)
			return
		}

		vec, err := deps.Embedder.Embed(r.Context(), req.Text)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to embed item: %v", err)
			return
		}
		item := storage.MemoryItem{
			ID:            uuid.New().String(),
			ChainID:       req.ChainID,
			Key:           req.Key,
			Kind:          req.Kind,
			Text:          req.Text,
			Embedding:     vec,
			SourceBlockID: res.BlockID,
			Project:       req.Project,
			CreatedAt:     time.Now().UTC(),
		}
		if err := deps.Items.Insert([]storage.MemoryItem{item}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to index item: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":       item.ID,
			"block_id": res.BlockID,
		})
	}
}

// IngestRequest is the body of POST /ingest. Content carries the document
// inline (base64 for pdf type); URL fetches it instead.
type IngestRequest struct {
	ChainID string   `json:"chain_id"`
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	URL     string   `json:"url"`
	Project string   `json:"project,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ChainID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "chain_id is required")
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}

		var data []byte
		switch {
		case req.URL != "":
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()

			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid url: %v", err)
				return
			}
			resp, err := deps.HTTPClient.Do(httpReq)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				httpError(w, http.StatusBadGateway, "api_error", "url returned status %d", resp.StatusCode)
				return
			}
			data, err = io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to read url response: %v", err)
				return
			}
			if req.Title == "" {
				req.Title = req.URL
			}
			if req.Type == "" {
				req.Type = "html"
			}

		case req.Type == "pdf":
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			data = decoded

		default:
			data = []byte(req.Content)
		}

		docType := ingest.DocType(req.Type)
		if req.Type == "" {
			docType = ingest.DetectType(req.Title, data)
		}

		text, err := ingest.ExtractText(docType, data)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to extract text: %v", err)
			return
		}
		chunks := ingest.Chunk(text, ingest.DefaultChunkSize)
		if len(chunks) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document contains no text")
			return
		}

		// The import itself becomes a ledger block so provenance is part of
		// the tamper-evident history.
		res, err := deps.Writer.Append(r.Context(), req.ChainID, "system",
			fmt.Sprintf("imported document %q (%d chunks)", req.Title, len(chunks)),
			ledger.AppendOptions{
				Tags:     append([]string{"import"}, req.Tags...),
				Metadata: map[string]any{"title": req.Title, "type": string(docType)},
			})
		if errors.Is(err, ledger.ErrInvalidInput) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record import: %v", err)
			return
		}

		jobID, err := ingest.EnqueueImport(deps.Store, ingest.Payload{
			ChainID:       req.ChainID,
			SourceBlockID: res.BlockID,
			Title:         req.Title,
			Project:       req.Project,
			Chunks:        chunks,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue embedding: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"block_id": res.BlockID,
			"job_id":   jobID,
			"chunks":   len(chunks),
			"status":   "queued",
		})
	}
}

// blockJSON is the wire shape of a ledger block.
type blockJSON struct {
	BlockID    string         `json:"block_id"`
	ChainID    string         `json:"chain_id"`
	Height     int64          `json:"height"`
	Timestamp  string         `json:"timestamp"`
	Role       string         `json:"role"`
	AuthorID   string         `json:"author_id,omitempty"`
	Content    string         `json:"content"`
	Tags       []string       `json:"tags,omitempty"`
	References []string       `json:"references,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	HeaderHash string         `json:"header_hash"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	Redacted   bool           `json:"redacted"`
}

func blocksJSON(blocks []storage.Block) []blockJSON {
	out := make([]blockJSON, len(blocks))
	for i, b := range blocks {
		out[i] = blockJSON{
			BlockID:    b.BlockID,
			ChainID:    b.ChainID,
			Height:     b.Height,
			Timestamp:  b.Timestamp.Format(time.RFC3339Nano),
			Role:       b.Role,
			AuthorID:   b.AuthorID,
			Content:    b.Content,
			Tags:       b.Tags,
			References: b.References,
			Metadata:   b.Metadata,
			HeaderHash: b.HeaderHash,
			PrevHash:   b.PrevHash,
			Redacted:   b.Redacted,
		}
	}
	return out
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
