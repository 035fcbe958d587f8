// Package ledger implements the append-only hash chain: canonical header
// hashing, the block writer, chain verification, and summary checkpoints.
package ledger

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Header is the hash-covered portion of a block. Collection fields are
// normalized (lowercased, sorted, deduplicated) before serialization so
// that hash equality is independent of caller-supplied ordering.
type Header struct {
	ChainID     string
	Height      int64
	Timestamp   time.Time
	Role        string
	AuthorID    string // optional; empty serializes as null
	ContentHash string
	PrevHash    string // empty only for genesis; serializes as null
	Keywords    []string
	Tags        []string
	References  []string
	Metadata    map[string]any
	Redacted    bool
}

// HashText returns the hex-encoded BLAKE3-256 digest of text. Used for
// content hashes and summary hashes.
func HashText(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HeaderHash returns the hex-encoded BLAKE3-256 digest of the canonical
// header serialization.
func HeaderHash(h Header) string {
	return HashText(Canonicalize(h))
}

// Canonicalize produces a byte-stable serialization of a header: object keys
// sorted lexicographically at every nesting level, strings JSON-quoted,
// collections lowercased and sorted, booleans normalized to 0/1, absent
// optional fields serialized as null.
func Canonicalize(h Header) string {
	var b strings.Builder
	b.WriteByte('{')

	writeField(&b, "authorId", func() { writeOptString(&b, h.AuthorID) })
	writeField(&b, "chainId", func() { writeString(&b, h.ChainID) })
	writeField(&b, "contentHash", func() { writeString(&b, h.ContentHash) })
	writeField(&b, "height", func() { b.WriteString(strconv.FormatInt(h.Height, 10)) })
	writeField(&b, "keywords", func() { writeStringSet(&b, h.Keywords) })
	writeField(&b, "metadata", func() {
		if h.Metadata == nil {
			b.WriteString("null")
		} else {
			writeValue(&b, h.Metadata)
		}
	})
	writeField(&b, "prevHash", func() { writeOptString(&b, h.PrevHash) })
	writeField(&b, "redacted", func() { writeBool(&b, h.Redacted) })
	writeField(&b, "references", func() { writeStringSet(&b, h.References) })
	writeField(&b, "role", func() { writeString(&b, h.Role) })
	writeField(&b, "tags", func() { writeStringSet(&b, h.Tags) })
	writeField(&b, "timestamp", func() { writeString(&b, h.Timestamp.UTC().Format(time.RFC3339Nano)) })

	b.WriteByte('}')
	return b.String()
}

// NormalizeSet lowercases, trims, deduplicates, and sorts a string set,
// dropping empties. Used for keywords, tags, and references so that the
// stored form matches the hashed form.
func NormalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func writeField(b *strings.Builder, key string, value func()) {
	if b.Len() > 1 {
		b.WriteByte(',')
	}
	writeString(b, key)
	b.WriteByte(':')
	value()
}

func writeString(b *strings.Builder, s string) {
	quoted, _ := json.Marshal(s)
	b.Write(quoted)
}

func writeOptString(b *strings.Builder, s string) {
	if s == "" {
		b.WriteString("null")
		return
	}
	writeString(b, s)
}

func writeBool(b *strings.Builder, v bool) {
	if v {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
}

func writeStringSet(b *strings.Builder, set []string) {
	b.WriteByte('[')
	for i, s := range NormalizeSet(set) {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, s)
	}
	b.WriteByte(']')
}

// writeValue serializes arbitrary metadata deterministically: map keys sorted
// at every level, booleans as 0/1, numbers in shortest form.
func writeValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		writeBool(b, val)
	case string:
		writeString(b, val)
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		b.WriteString(val.String())
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeValue(b, item)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, k)
			b.WriteByte(':')
			writeValue(b, val[k])
		}
		b.WriteByte('}')
	default:
		// Anything exotic goes through encoding/json, which sorts map keys.
		raw, err := json.Marshal(val)
		if err != nil {
			writeString(b, "unserializable")
			return
		}
		b.Write(raw)
	}
}
