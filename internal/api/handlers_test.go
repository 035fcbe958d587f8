package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/halversen/mnemo/internal/ledger"
	"github.com/halversen/mnemo/internal/retrieval"
	"github.com/halversen/mnemo/internal/storage"
)

const testToken = "test-token-12345"

func setupAppHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	return setupAppHandlerWithHTTPClient(t, http.DefaultClient)
}

func setupAppHandlerWithHTTPClient(t *testing.T, httpClient *http.Client) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	embedder := retrieval.NewHashEmbedder(32)
	items := retrieval.NewItemIndex(store.DB())

	handler := NewAppHandler(AppDeps{
		Store:      store,
		Writer:     ledger.NewWriter(store, 0),
		Retriever:  retrieval.NewRetriever(store, items, embedder),
		Items:      items,
		Embedder:   embedder,
		Token:      testToken,
		HTTPClient: httpClient,
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func doJSON(t *testing.T, h http.Handler, req *http.Request, wantCode int) map[string]any {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != wantCode {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, wantCode, rr.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not a JSON object: %v; body = %s", err, rr.Body.String())
	}
	return out
}

func TestAppend_CreatesBlock(t *testing.T) {
	h, store := setupAppHandler(t)

	body := `{"role":"user","content":"schedule the backup","tags":["decision"]}`
	out := doJSON(t, h, authReq(http.MethodPost, "/chains/work/blocks", body, testToken), http.StatusCreated)

	if out["height"].(float64) != 1 {
		t.Errorf("height = %v, want 1", out["height"])
	}
	if out["block_id"] == "" || len(out["header_hash"].(string)) != 64 {
		t.Errorf("unexpected response: %v", out)
	}

	chain, err := store.GetChain("work")
	if err != nil {
		t.Fatalf("GetChain failed: %v", err)
	}
	if chain.HeadHeight != 1 {
		t.Errorf("head height = %d, want 1", chain.HeadHeight)
	}
}

func TestAppend_InvalidRole(t *testing.T) {
	h, _ := setupAppHandler(t)

	body := `{"role":"robot","content":"hi"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chains/work/blocks", body, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAppend_RequiresAuth(t *testing.T) {
	h, _ := setupAppHandler(t)

	body := `{"role":"user","content":"hi"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chains/work/blocks", body, ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chains/work/blocks", body, "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestListChainsAndBlocks(t *testing.T) {
	h, _ := setupAppHandler(t)

	doJSON(t, h, authReq(http.MethodPost, "/chains/work/blocks", `{"role":"user","content":"first"}`, testToken), http.StatusCreated)
	doJSON(t, h, authReq(http.MethodPost, "/chains/work/blocks", `{"role":"assistant","content":"second"}`, testToken), http.StatusCreated)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/chains", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var chains []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &chains); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(chains) != 1 || chains[0]["chain_id"] != "work" {
		t.Fatalf("unexpected chains: %v", chains)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/chains/work/blocks", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var blocks []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &blocks); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	// Genesis plus the two appended blocks, ascending by height.
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0]["height"].(float64) != 0 || blocks[2]["content"] != "second" {
		t.Errorf("unexpected block order: %v", blocks)
	}
}

func TestListBlocks_UnknownChain(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/chains/nope/blocks", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestContext_ReturnsCitations(t *testing.T) {
	h, _ := setupAppHandler(t)

	doJSON(t, h, authReq(http.MethodPost, "/chains/work/blocks", `{"role":"assistant","content":"the database backup runs nightly"}`, testToken), http.StatusCreated)
	doJSON(t, h, authReq(http.MethodPost, "/chains/work/blocks", `{"role":"user","content":"water the plants"}`, testToken), http.StatusCreated)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/chains/work/context?q=database+backup", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var citations []retrieval.Citation
	if err := json.Unmarshal(rr.Body.Bytes(), &citations); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(citations) == 0 || !strings.Contains(citations[0].Text, "backup") {
		t.Errorf("unexpected citations: %v", citations)
	}
}

func TestContext_MissingQuery(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/chains/work/context", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCheckpoint_WritesSummary(t *testing.T) {
	h, store := setupAppHandler(t)

	doJSON(t, h, authReq(http.MethodPost, "/chains/work/blocks", `{"role":"user","content":"remember the milk"}`, testToken), http.StatusCreated)

	out := doJSON(t, h, authReq(http.MethodPost, "/chains/work/checkpoint", "", testToken), http.StatusOK)
	if out["up_to_height"].(float64) != 1 {
		t.Errorf("up_to_height = %v, want 1", out["up_to_height"])
	}
	if !strings.Contains(out["summary"].(string), "remember the milk") {
		t.Errorf("unexpected summary: %v", out["summary"])
	}

	summaries, err := store.ListSummaries("work")
	if err != nil {
		t.Fatalf("ListSummaries failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Errorf("expected 1 summary, got %d", len(summaries))
	}
}

func TestCheckpoint_UnknownChain(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chains/nope/checkpoint", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestVerify_SingleChain(t *testing.T) {
	h, _ := setupAppHandler(t)

	doJSON(t, h, authReq(http.MethodPost, "/chains/work/blocks", `{"role":"user","content":"hello"}`, testToken), http.StatusCreated)

	out := doJSON(t, h, authReq(http.MethodGet, "/chains/work/verify", "", testToken), http.StatusOK)
	if out["ok"] != true {
		t.Errorf("expected clean verification: %v", out)
	}
	if out["blocks"].(float64) != 2 {
		t.Errorf("blocks = %v, want 2", out["blocks"])
	}
}

func TestVerify_AllChains(t *testing.T) {
	h, _ := setupAppHandler(t)

	doJSON(t, h, authReq(http.MethodPost, "/chains/work/blocks", `{"role":"user","content":"hello"}`, testToken), http.StatusCreated)
	doJSON(t, h, authReq(http.MethodPost, "/chains/home/blocks", `{"role":"user","content":"hi"}`, testToken), http.StatusCreated)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/verify", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var reports []ledger.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &reports); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	for _, r := range reports {
		if !r.OK {
			t.Errorf("chain %s failed verification: %v", r.ChainID, r.Issues)
		}
	}
}

func TestAddMemoryItem(t *testing.T) {
	h, store := setupAppHandler(t)

	body := `{"chain_id":"work","key":"editor","kind":"preference","text":"prefers solarized dark","project":"tooling"}`
	out := doJSON(t, h, authReq(http.MethodPost, "/memory-items", body, testToken), http.StatusCreated)
	if out["id"] == "" || out["block_id"] == "" {
		t.Fatalf("unexpected response: %v", out)
	}

	// The item is anchored by a ledger block and indexed for recall.
	chain, err := store.GetChain("work")
	if err != nil {
		t.Fatalf("GetChain failed: %v", err)
	}
	if chain.HeadHeight != 1 {
		t.Errorf("head height = %d, want 1", chain.HeadHeight)
	}
	n, err := retrieval.NewItemIndex(store.DB()).Count("work")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 memory item, got %d", n)
	}
}

func TestAddMemoryItem_InvalidKind(t *testing.T) {
	h, _ := setupAppHandler(t)

	body := `{"chain_id":"work","kind":"opinion","text":"nope"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/memory-items", body, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestIngest_TextContent(t *testing.T) {
	h, store := setupAppHandler(t)

	body := `{"chain_id":"work","type":"text","title":"runbook.txt","content":"Restart the service with systemctl restart mnemo.","project":"ops"}`
	out := doJSON(t, h, authReq(http.MethodPost, "/ingest", body, testToken), http.StatusOK)
	if out["status"] != "queued" || out["chunks"].(float64) != 1 {
		t.Fatalf("unexpected response: %v", out)
	}

	// The import block is on the chain and the job is claimable.
	chain, err := store.GetChain("work")
	if err != nil {
		t.Fatalf("GetChain failed: %v", err)
	}
	if chain.HeadHeight != 1 {
		t.Errorf("head height = %d, want 1", chain.HeadHeight)
	}
	job, err := store.ClaimNextJob([]string{"embed_chunks"})
	if err != nil {
		t.Fatalf("ClaimNextJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a queued embed job")
	}
}

func TestIngest_MissingChain(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", `{"content":"text"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestIngest_FromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>Fetched page content about deployments.</p></body></html>`)
	}))
	defer srv.Close()

	h, _ := setupAppHandlerWithHTTPClient(t, srv.Client())

	body := fmt.Sprintf(`{"chain_id":"work","url":%q}`, srv.URL)
	out := doJSON(t, h, authReq(http.MethodPost, "/ingest", body, testToken), http.StatusOK)
	if out["status"] != "queued" {
		t.Fatalf("unexpected response: %v", out)
	}
}

func TestIngest_URLErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h, _ := setupAppHandlerWithHTTPClient(t, srv.Client())

	body := fmt.Sprintf(`{"chain_id":"work","url":%q}`, srv.URL)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/ingest", body, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}
