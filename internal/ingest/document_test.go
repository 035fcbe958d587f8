package ingest

import (
	"strings"
	"testing"
)

func TestDetectType(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
		want DocType
	}{
		{"pdf extension", "report.pdf", "", TypePDF},
		{"pdf uppercase", "REPORT.PDF", "", TypePDF},
		{"html extension", "page.html", "", TypeHTML},
		{"htm extension", "page.htm", "", TypeHTML},
		{"pdf magic bytes", "download", "%PDF-1.7 rest", TypePDF},
		{"plain text", "notes.txt", "hello", TypeText},
		{"no extension", "README", "hello", TypeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectType(tt.file, []byte(tt.data)); got != tt.want {
				t.Errorf("DetectType(%q) = %q, want %q", tt.file, got, tt.want)
			}
		})
	}
}

func TestExtractHTML(t *testing.T) {
	input := `<html><head><title>T</title><style>body{color:red}</style></head>
<body><script>alert(1)</script>
<h1>Runbook</h1>
<p>Restart   the    service.</p>
<ul><li>step one</li><li>step two</li></ul>
</body></html>`

	got, err := ExtractText(TypeHTML, []byte(input))
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if strings.Contains(got, "alert") || strings.Contains(got, "color:red") {
		t.Errorf("script/style content leaked: %q", got)
	}
	if !strings.Contains(got, "Restart the service.") {
		t.Errorf("whitespace not collapsed: %q", got)
	}
	for _, want := range []string{"Runbook", "step one", "step two"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestExtractPlainText(t *testing.T) {
	got, err := ExtractText(TypeText, []byte("as is"))
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if got != "as is" {
		t.Errorf("plain text altered: %q", got)
	}
}

func TestExtractPDFInvalid(t *testing.T) {
	if _, err := ExtractText(TypePDF, []byte("not a pdf")); err == nil {
		t.Error("expected error for invalid pdf")
	}
}

func TestChunkShortText(t *testing.T) {
	got := Chunk("one small note", 100)
	if len(got) != 1 || got[0] != "one small note" {
		t.Errorf("expected single chunk, got %v", got)
	}
}

func TestChunkEmpty(t *testing.T) {
	if got := Chunk("   \n  ", 100); got != nil {
		t.Errorf("expected nil for blank input, got %v", got)
	}
}

func TestChunkParagraphBoundaries(t *testing.T) {
	text := strings.Repeat("alpha ", 10) + "\n" + strings.Repeat("beta ", 10) + "\n" + strings.Repeat("gamma ", 10)
	got := Chunk(text, 70)
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	for i, c := range got {
		if len(c) > 70 {
			t.Errorf("chunk %d exceeds target: %d chars", i, len(c))
		}
	}
	joined := strings.Join(got, " ")
	for _, word := range []string{"alpha", "beta", "gamma"} {
		if !strings.Contains(joined, word) {
			t.Errorf("chunking lost %q", word)
		}
	}
}

func TestChunkLongSentenceHardSplit(t *testing.T) {
	text := strings.Repeat("word ", 60) // no sentence punctuation at all
	got := Chunk(text, 50)
	if len(got) < 2 {
		t.Fatalf("expected hard split, got %d chunks", len(got))
	}
	for i, c := range got {
		if len(c) > 50 {
			t.Errorf("chunk %d exceeds target: %d chars", i, len(c))
		}
	}
}

func TestChunkSentenceSplit(t *testing.T) {
	text := "First sentence here. Second sentence here. Third sentence here."
	got := Chunk(text, 25)
	if len(got) < 2 {
		t.Fatalf("expected sentence-level chunks, got %v", got)
	}
	for _, c := range got {
		if !strings.HasSuffix(c, ".") {
			t.Errorf("chunk does not end at sentence boundary: %q", c)
		}
	}
}
