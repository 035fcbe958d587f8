package ledger

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/halversen/mnemo/internal/storage"
)

const verifyConcurrency = 4

// Issue describes one integrity problem found during verification.
type Issue struct {
	BlockID string `json:"blockId,omitempty"`
	Height  int64  `json:"height"`
	Field   string `json:"field"`
	Detail  string `json:"detail"`
}

func (i Issue) String() string {
	if i.BlockID == "" {
		return fmt.Sprintf("%s: %s", i.Field, i.Detail)
	}
	return fmt.Sprintf("%s mismatch blockId=%s height=%d: %s", i.Field, i.BlockID, i.Height, i.Detail)
}

// Report is the result of verifying one chain.
type Report struct {
	ChainID string  `json:"chainId"`
	OK      bool    `json:"ok"`
	Blocks  int     `json:"blocks"`
	Issues  []Issue `json:"issues,omitempty"`
}

// Verifier recomputes hashes over stored data and confirms chain linkage.
// Integrity problems are reported, never repaired: rewriting stored rows to
// "fix" them would itself be undetectable tampering.
type Verifier struct {
	store *storage.Store
}

func NewVerifier(store *storage.Store) *Verifier {
	return &Verifier{store: store}
}

// VerifyChain walks one chain in ascending height order, recomputing every
// content hash and header hash and checking prev-hash linkage. It collects
// all issues rather than stopping at the first, so a single run reports the
// full extent of any tampering.
func (v *Verifier) VerifyChain(chainID string) (Report, error) {
	chain, err := v.store.GetChain(chainID)
	if err != nil {
		return Report{}, fmt.Errorf("loading chain %s: %w", chainID, err)
	}

	blocks, err := v.store.ListBlocks(chainID, 0)
	if err != nil {
		return Report{}, fmt.Errorf("loading blocks for chain %s: %w", chainID, err)
	}

	report := Report{ChainID: chainID, Blocks: len(blocks)}
	addIssue := func(i Issue) { report.Issues = append(report.Issues, i) }

	var prevHeader string
	for i, b := range blocks {
		if b.Height != int64(i) {
			addIssue(Issue{BlockID: b.BlockID, Height: b.Height, Field: "height",
				Detail: fmt.Sprintf("expected height %d, found %d", i, b.Height)})
		}

		if got := HashText(b.Content); got != b.ContentHash {
			addIssue(Issue{BlockID: b.BlockID, Height: b.Height, Field: "contentHash",
				Detail: fmt.Sprintf("stored %s, recomputed %s", b.ContentHash, got)})
		}

		header := Header{
			ChainID:     b.ChainID,
			Height:      b.Height,
			Timestamp:   b.Timestamp,
			Role:        b.Role,
			AuthorID:    b.AuthorID,
			ContentHash: b.ContentHash,
			PrevHash:    b.PrevHash,
			Keywords:    b.Keywords,
			Tags:        b.Tags,
			References:  b.References,
			Metadata:    b.Metadata,
			Redacted:    b.Redacted,
		}
		if got := HeaderHash(header); got != b.HeaderHash {
			addIssue(Issue{BlockID: b.BlockID, Height: b.Height, Field: "headerHash",
				Detail: fmt.Sprintf("stored %s, recomputed %s", b.HeaderHash, got)})
		}

		switch {
		case i == 0 && b.PrevHash != "":
			addIssue(Issue{BlockID: b.BlockID, Height: b.Height, Field: "prevHash",
				Detail: "genesis block must have null prevHash"})
		case i > 0 && b.PrevHash != prevHeader:
			addIssue(Issue{BlockID: b.BlockID, Height: b.Height, Field: "prevHash",
				Detail: fmt.Sprintf("stored %s, previous block header is %s", b.PrevHash, prevHeader)})
		}
		prevHeader = b.HeaderHash
	}

	if len(blocks) == 0 {
		addIssue(Issue{Field: "chain", Detail: "chain row exists but has no blocks"})
	} else {
		last := blocks[len(blocks)-1]
		if chain.HeadHash != last.HeaderHash || chain.HeadHeight != last.Height {
			addIssue(Issue{Field: "head", Height: chain.HeadHeight,
				Detail: fmt.Sprintf("chain head (%s, %d) does not match last block (%s, %d)",
					chain.HeadHash, chain.HeadHeight, last.HeaderHash, last.Height)})
		}
		if chain.GenesisHash != blocks[0].HeaderHash {
			addIssue(Issue{Field: "genesis", Detail: fmt.Sprintf(
				"chain genesisHash %s does not match genesis block header %s",
				chain.GenesisHash, blocks[0].HeaderHash)})
		}
	}

	report.OK = len(report.Issues) == 0
	return report, nil
}

// VerifyAll verifies every chain, a bounded number at a time, and returns
// per-chain reports ordered as ListChains returns them.
func (v *Verifier) VerifyAll(ctx context.Context) ([]Report, error) {
	chains, err := v.store.ListChains()
	if err != nil {
		return nil, fmt.Errorf("listing chains: %w", err)
	}

	reports := make([]Report, len(chains))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for i, c := range chains {
		i, c := i, c
		g.Go(func() error {
			r, err := v.VerifyChain(c.ChainID)
			if err != nil {
				return fmt.Errorf("verifying chain %s: %w", c.ChainID, err)
			}
			reports[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
