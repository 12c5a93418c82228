package epconsensus

import "fmt"

// Phase is the state of the engine within the current epoch.
type Phase uint8

const (
	// No proposal accepted for the current round.
	PhaseIdle Phase = iota

	// A proposal for the current round has been accepted.
	PhaseProposing

	// The local validator has voted for the current round's proposal.
	PhaseVoting

	// A quorum certificate exists and the commit pipeline is running or pending.
	PhaseCommitting

	// An externally finalized epoch is being applied.
	PhaseSyncing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseProposing:
		return "Proposing"
	case PhaseVoting:
		return "Voting"
	case PhaseCommitting:
		return "Committing"
	case PhaseSyncing:
		return "Syncing"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}
