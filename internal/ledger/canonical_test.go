package ledger

import (
	"strings"
	"testing"
	"time"
)

func baseHeader() Header {
	return Header{
		ChainID:     "chat-1",
		Height:      3,
		Timestamp:   time.Date(2025, 6, 1, 12, 30, 0, 500, time.UTC),
		Role:        "user",
		AuthorID:    "alex",
		ContentHash: "aaaa",
		PrevHash:    "bbbb",
		Keywords:    []string{"deploy", "rollback", "prod"},
		Tags:        []string{"decision"},
		References:  []string{"blk-1", "blk-2"},
		Metadata:    map[string]any{"source": "telegram", "attempt": 2},
		Redacted:    false,
	}
}

// TestHeaderHashPermutationInvariant verifies that reordering the collection
// fields never changes the header hash.
func TestHeaderHashPermutationInvariant(t *testing.T) {
	a := baseHeader()

	b := baseHeader()
	b.Keywords = []string{"prod", "deploy", "rollback"}
	b.References = []string{"BLK-2", "blk-1"}
	b.Tags = []string{"Decision"}

	if ha, hb := HeaderHash(a), HeaderHash(b); ha != hb {
		t.Errorf("permuted collections changed hash:\n a=%s\n b=%s", ha, hb)
	}
}

func TestHeaderHashSensitivity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Header)
	}{
		{"content hash", func(h *Header) { h.ContentHash = "cccc" }},
		{"prev hash", func(h *Header) { h.PrevHash = "cccc" }},
		{"height", func(h *Header) { h.Height = 4 }},
		{"role", func(h *Header) { h.Role = "assistant" }},
		{"timestamp", func(h *Header) { h.Timestamp = h.Timestamp.Add(time.Nanosecond) }},
		{"redacted", func(h *Header) { h.Redacted = true }},
		{"extra keyword", func(h *Header) { h.Keywords = append(h.Keywords, "extra") }},
		{"metadata value", func(h *Header) { h.Metadata = map[string]any{"source": "cli", "attempt": 2} }},
	}
	ref := HeaderHash(baseHeader())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := baseHeader()
			tt.mutate(&h)
			if HeaderHash(h) == ref {
				t.Errorf("mutating %s did not change the header hash", tt.name)
			}
		})
	}
}

func TestCanonicalizeShape(t *testing.T) {
	h := baseHeader()
	h.AuthorID = ""
	h.PrevHash = ""
	h.Redacted = true
	h.Metadata = nil

	got := Canonicalize(h)

	for _, want := range []string{
		`"authorId":null`,
		`"prevHash":null`,
		`"metadata":null`,
		`"redacted":1`,
		`"keywords":["deploy","prod","rollback"]`,
		`"references":["blk-1","blk-2"]`,
		`"timestamp":"2025-06-01T12:30:00.0000005Z"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("canonical form missing %s:\n%s", want, got)
		}
	}

	// Keys must appear in lexicographic order.
	keys := []string{`"authorId"`, `"chainId"`, `"contentHash"`, `"height"`, `"keywords"`,
		`"metadata"`, `"prevHash"`, `"redacted"`, `"references"`, `"role"`, `"tags"`, `"timestamp"`}
	last := -1
	for _, k := range keys {
		idx := strings.Index(got, k)
		if idx < 0 {
			t.Fatalf("canonical form missing key %s:\n%s", k, got)
		}
		if idx < last {
			t.Errorf("key %s out of lexicographic order", k)
		}
		last = idx
	}
}

func TestCanonicalizeNestedMetadata(t *testing.T) {
	a := baseHeader()
	a.Metadata = map[string]any{"outer": map[string]any{"zeta": true, "alpha": 1}}

	got := Canonicalize(a)
	if !strings.Contains(got, `"outer":{"alpha":1,"zeta":1}`) {
		t.Errorf("nested metadata not canonicalized: %s", got)
	}
}

func TestHashText(t *testing.T) {
	h := HashText("hello")
	if len(h) != 64 {
		t.Errorf("expected 64 hex chars, got %d (%s)", len(h), h)
	}
	if h != HashText("hello") {
		t.Error("HashText is not deterministic")
	}
	if h == HashText("hello!") {
		t.Error("different inputs produced the same digest")
	}
}
