// Package ingest turns imported documents into embedded memory items via
// the background job queue. Import is two-phase: the API records the
// document in the ledger and enqueues a job; the worker extracts text,
// chunks it, and inserts one memory item per chunk.
package ingest

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// DocType identifies how imported content should be decoded.
type DocType string

const (
	TypeText DocType = "text"
	TypePDF  DocType = "pdf"
	TypeHTML DocType = "html"
)

// DetectType guesses the document type from a filename extension, falling
// back to content sniffing for the PDF magic header.
func DetectType(name string, data []byte) DocType {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return TypePDF
	case strings.HasSuffix(lower, ".html"), strings.HasSuffix(lower, ".htm"):
		return TypeHTML
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return TypePDF
	}
	return TypeText
}

// ExtractText decodes document bytes into plain text according to typ.
func ExtractText(typ DocType, data []byte) (string, error) {
	switch typ {
	case TypePDF:
		return extractPDF(data)
	case TypeHTML:
		return extractHTML(data)
	default:
		return string(data), nil
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages with unreadable encodings rather than losing the
			// rest of the document.
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return collapseWhitespace(sb.String()), nil
}

// extractHTML walks the parse tree collecting text nodes, dropping script
// and style subtrees and breaking at block-level elements.
func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElement(n.Data) {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElement(n.Data) {
			sb.WriteString("\n")
		}
	}
	walk(doc)
	return collapseWhitespace(sb.String()), nil
}

func skippedElement(tag string) bool {
	switch strings.ToLower(tag) {
	case "script", "style", "noscript", "iframe", "svg", "head":
		return true
	}
	return false
}

func blockElement(tag string) bool {
	switch strings.ToLower(tag) {
	case "p", "div", "section", "article", "li", "tr",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre", "br":
		return true
	}
	return false
}

// collapseWhitespace normalizes runs of spaces and tabs within lines and
// drops blank lines, keeping single newlines as paragraph breaks.
func collapseWhitespace(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return unicode.IsSpace(r)
		})
		if len(fields) > 0 {
			out = append(out, strings.Join(fields, " "))
		}
	}
	return strings.Join(out, "\n")
}

// DefaultChunkSize targets roughly a paragraph or two per embedded chunk.
const DefaultChunkSize = 1200

// Chunk splits text into pieces of at most targetSize characters,
// preferring paragraph boundaries, then sentence boundaries, and only
// splitting mid-sentence when a single sentence exceeds the target.
func Chunk(text string, targetSize int) []string {
	if targetSize <= 0 {
		targetSize = DefaultChunkSize
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= targetSize {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+1 > targetSize {
			flush()
		}
		if len(para) <= targetSize {
			if current.Len() > 0 {
				current.WriteString("\n")
			}
			current.WriteString(para)
			continue
		}
		// Paragraph alone exceeds the target; split on sentences.
		flush()
		for _, piece := range splitSentences(para, targetSize) {
			if current.Len() > 0 && current.Len()+len(piece)+1 > targetSize {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(piece)
		}
		flush()
	}
	flush()
	return chunks
}

// splitSentences breaks a long paragraph on sentence-ending punctuation,
// hard-splitting any sentence still longer than targetSize.
func splitSentences(para string, targetSize int) []string {
	var pieces []string
	start := 0
	for i := 0; i < len(para); i++ {
		if para[i] == '.' || para[i] == '!' || para[i] == '?' {
			end := i + 1
			for end < len(para) && para[end] == ' ' {
				end++
			}
			pieces = append(pieces, strings.TrimSpace(para[start:i+1]))
			start = end
			i = end - 1
		}
	}
	if start < len(para) {
		pieces = append(pieces, strings.TrimSpace(para[start:]))
	}

	var out []string
	for _, p := range pieces {
		for len(p) > targetSize {
			cut := strings.LastIndex(p[:targetSize], " ")
			if cut <= 0 {
				cut = targetSize
			}
			out = append(out, strings.TrimSpace(p[:cut]))
			p = strings.TrimSpace(p[cut:])
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
