package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/halversen/mnemo/internal/storage"
)

const (
	// summaryWindow is how many recent user/assistant blocks feed a checkpoint.
	summaryWindow = 8
	// summaryBlockCap is the per-block character cap inside a summary.
	summaryBlockCap = 240
	// summaryTotalCap is the overall summary character cap.
	summaryTotalCap = 2000

	truncationMarker = " …[truncated]"
)

// Summarizer produces periodic condensed checkpoints of chain history.
// Checkpoints are deterministic per (chain, upToHeight): the same committed
// blocks always yield the same summary text and hash.
type Summarizer struct {
	store *storage.Store
}

func NewSummarizer(store *storage.Store) *Summarizer {
	return &Summarizer{store: store}
}

// Checkpoint writes one summary row covering chain history up to upToHeight.
// Chains with no user or assistant blocks in range are skipped. Re-running an
// existing checkpoint is a no-op (the row is immutable once written).
func (s *Summarizer) Checkpoint(chainID string, upToHeight int64) error {
	blocks, err := s.store.RecentBlocksByRole(chainID, []string{"user", "assistant"}, upToHeight, summaryWindow)
	if err != nil {
		return fmt.Errorf("loading blocks for checkpoint: %w", err)
	}
	if len(blocks) == 0 {
		return nil
	}

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, b.Role+": "+truncate(b.Content, summaryBlockCap))
	}
	text := strings.Join(parts, "\n")
	if len(text) > summaryTotalCap {
		text = truncate(text, summaryTotalCap-len(truncationMarker)) + truncationMarker
	}

	return s.store.InsertSummary(storage.Summary{
		ChainID:    chainID,
		UpToHeight: upToHeight,
		Text:       text,
		Hash:       HashText(text),
		CreatedAt:  time.Now().UTC(),
	})
}

// CheckpointHead forces a checkpoint at the chain's current head and returns
// the summary covering it. Used at end-of-turn boundaries to guarantee recent
// history is summarized even when the periodic boundary hasn't been reached.
// A chain with nothing to summarize yields a zero-text summary.
func (s *Summarizer) CheckpointHead(chainID string) (storage.Summary, error) {
	chain, err := s.store.GetChain(chainID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Summary{}, fmt.Errorf("%w: chain %s", ErrInvalidInput, chainID)
	}
	if err != nil {
		return storage.Summary{}, err
	}
	if err := s.Checkpoint(chainID, chain.HeadHeight); err != nil {
		return storage.Summary{}, err
	}
	sum, err := s.store.GetSummary(chainID, chain.HeadHeight)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Summary{ChainID: chainID, UpToHeight: chain.HeadHeight}, nil
	}
	return sum, err
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
