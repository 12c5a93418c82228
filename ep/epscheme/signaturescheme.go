package epscheme

import (
	"fmt"
	"io"

	"github.com/gordian-engine/epoch/ep/epconsensus"
)

// SignatureScheme produces human-readable, line-delimited signing content
// that is bound to a chain ID,
// so that a validator key reused on another chain cannot be replayed.
type SignatureScheme struct {
	ChainID string
}

var _ epconsensus.SignatureScheme = SignatureScheme{}

func (s SignatureScheme) WriteProposalSigningContent(
	w io.Writer, epochID uint64, round uint32, epochHash epconsensus.Hash,
) (int, error) {
	return fmt.Fprintf(w, `PROPOSAL:
ChainID=%s
Epoch=%d
Round=%d
EpochHash=%x
`, s.ChainID, epochID, round, epochHash[:])
}

func (s SignatureScheme) WriteVoteSigningContent(w io.Writer, vt epconsensus.VoteTarget) (int, error) {
	return fmt.Fprintf(w, `VOTE:
ChainID=%s
Epoch=%d
Round=%d
EpochHash=%x
`, s.ChainID, vt.EpochID, vt.Round, vt.EpochHash[:])
}

func (s SignatureScheme) WriteTxSigningContent(w io.Writer, txHash epconsensus.Hash, cycles uint64) (int, error) {
	return fmt.Fprintf(w, `TX:
ChainID=%s
Hash=%x
Cycles=%d
`, s.ChainID, txHash[:], cycles)
}
