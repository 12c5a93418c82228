package epstate

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/internal/glog"
)

type commitStep uint8

const (
	stepCheckTxs commitStep = iota
	stepGetFullTxs
	stepExecute
	stepSaveEpoch
	stepSaveReceipts
	stepSaveSignedTxs
	stepFlushMempool
	stepDone
)

func (c commitStep) String() string {
	switch c {
	case stepCheckTxs:
		return "check_txs"
	case stepGetFullTxs:
		return "get_full_txs"
	case stepExecute:
		return "execute"
	case stepSaveEpoch:
		return "save_epoch"
	case stepSaveReceipts:
		return "save_receipts"
	case stepSaveSignedTxs:
		return "save_signed_txs"
	case stepFlushMempool:
		return "flush_mempool"
	case stepDone:
		return "done"
	default:
		return fmt.Sprintf("commitStep(%d)", uint8(c))
	}
}

// pendingCommit is an epoch with a verified proof,
// moving through the commit pipeline one step at a time.
// Completed steps are never repeated.
type pendingCommit struct {
	// Includes the finalizing proof.
	epoch epconsensus.Epoch
	hash  epconsensus.Hash

	// Applied through UpdateEpoch rather than local voting.
	synced bool

	txs      []epconsensus.SignedTransaction
	receipts []epconsensus.Receipt

	next commitStep
}

// runCommit advances s.commit through the remaining pipeline steps.
//
// If ctx is cancelled during a step, the commit is left pending at that step
// and the cancellation cause is returned.
// A failure checking, fetching, or executing transactions abandons the commit;
// a failure persisting the epoch halts the kernel.
func (k *Kernel) runCommit(ctx context.Context, s *kState) error {
	defer trace.StartRegion(ctx, "runCommit").End()

	c := s.commit
	id := c.epoch.ID()
	log := glog.ER(k.log, id, c.epoch.Proof.Round).With("hash", c.hash)

	for c.next < stepDone {
		err := k.runStep(ctx, c)
		if err == nil {
			c.next++
			continue
		}

		if ctx.Err() != nil {
			log.Info("Commit interrupted; will resume on next operation", "step", c.next, "cause", context.Cause(ctx))
			return fmt.Errorf("commit of epoch %d interrupted at %s: %w", id, c.next, context.Cause(ctx))
		}

		if c.next <= stepExecute {
			ee := epconsensus.ExecutionError{Stage: c.next.String(), EpochID: id, Err: err}
			log.Warn("Abandoning commit after execution failure", "err", ee)
			k.abandonCommit(ctx, s)
			return ee
		}

		se := epconsensus.StorageError{Stage: c.next.String(), EpochID: id, Err: err}
		k.halt(s, se)
		return se
	}

	s.lastID = id
	s.lastHash = c.hash
	s.lastProof = c.epoch.Proof
	s.counters.Commits++

	log.Info(
		"Committed epoch",
		"num_txs", len(c.txs),
		"synced", c.synced,
	)

	s.resetEpoch()
	k.enterRound(ctx, s)
	k.replayFutureProposals(ctx, s)

	return nil
}

func (k *Kernel) runStep(ctx context.Context, c *pendingCommit) error {
	defer trace.StartRegion(ctx, c.next.String()).End()

	switch c.next {
	case stepCheckTxs:
		return k.a.CheckTxs(ctx, c.epoch.OrderedTxHashes)

	case stepGetFullTxs:
		txs, err := k.a.GetFullTxs(ctx, c.epoch.OrderedTxHashes)
		if err != nil {
			return err
		}
		if err := k.checkSignedTxs(c.epoch, txs); err != nil {
			// Not wrapped: a bad local mempool is not the fault of the certificate's sender.
			return fmt.Errorf("mempool returned unusable transactions: %v", err)
		}
		c.txs = txs
		return nil

	case stepExecute:
		receipts, err := k.a.Execute(ctx, c.txs)
		if err != nil {
			return err
		}
		if len(receipts) != len(c.txs) {
			return fmt.Errorf("executor returned %d receipts for %d transactions", len(receipts), len(c.txs))
		}
		for i := range receipts {
			if receipts[i].TxHash != c.txs[i].Hash {
				return fmt.Errorf(
					"receipt %d is for transaction %s, expected %s",
					i, receipts[i].TxHash, c.txs[i].Hash,
				)
			}
			receipts[i].EpochID = c.epoch.ID()
		}
		c.receipts = receipts
		return nil

	case stepSaveEpoch:
		return k.a.SaveEpoch(ctx, c.epoch)

	case stepSaveReceipts:
		return k.a.SaveReceipts(ctx, c.receipts)

	case stepSaveSignedTxs:
		return k.a.SaveSignedTxs(ctx, c.txs)

	case stepFlushMempool:
		return k.a.FlushMempool(ctx, c.epoch.OrderedTxHashes)

	default:
		panic(fmt.Errorf("BUG: runStep called at %s", c.next))
	}
}

// checkSignedTxs reports an error unless txs are exactly the ordered transactions of e,
// each with a valid signature.
func (k *Kernel) checkSignedTxs(e epconsensus.Epoch, txs []epconsensus.SignedTransaction) error {
	if len(txs) != len(e.OrderedTxHashes) {
		return fmt.Errorf("got %d transactions for %d ordered hashes", len(txs), len(e.OrderedTxHashes))
	}
	for i, tx := range txs {
		if tx.Hash != e.OrderedTxHashes[i] {
			return fmt.Errorf("transaction %d has hash %s, expected %s", i, tx.Hash, e.OrderedTxHashes[i])
		}
		if err := tx.Verify(k.hs, k.ss); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return nil
}

// abandonCommit drops the pending commit after an execution failure.
// A voted commit also abandons the round, so that a new proposal is attempted,
// and releases a lock on the abandoned content so that a different set of
// transactions can get the local vote.
func (k *Kernel) abandonCommit(ctx context.Context, s *kState) {
	synced, h := s.commit.synced, s.commit.hash
	s.commit = nil
	s.pendingQC = nil

	if synced {
		s.phase = epconsensus.PhaseIdle
		return
	}
	if s.locked && s.lockedHash == h {
		s.unlock()
	}
	k.advanceRound(ctx, s)
}

func (k *Kernel) halt(s *kState, se epconsensus.StorageError) {
	k.log.Error("Halting after storage failure", "err", se)
	s.haltErr = se
	k.halted.Store(true)
	s.cancelTimer()
	k.wd.TerminateWithError("epoch kernel storage failure", se)
}

func (k *Kernel) handleUpdateEpoch(
	ctx context.Context, s *kState, e epconsensus.Epoch, txs []epconsensus.SignedTransaction, p epconsensus.Proof,
) error {
	defer trace.StartRegion(ctx, "handleUpdateEpoch").End()

	id := e.ID()
	if id <= s.lastID {
		s.counters.StaleMessages++
		k.log.Debug("Ignoring update for already finalized epoch", "epoch", id, "last_finalized", s.lastID)
		return nil
	}
	if id > s.lastID+1 {
		return epconsensus.EpochGapError{LastFinalized: s.lastID, Got: id}
	}

	h, err := k.validateSyncedEpoch(s, e, txs, p)
	if err != nil {
		return err
	}

	if c := s.commit; c != nil {
		if c.hash != h {
			return epconsensus.ValidationError{
				Kind:   epconsensus.KindEpoch,
				Reason: fmt.Sprintf("epoch %s conflicts with epoch %s already being committed", h, c.hash),
			}
		}
		if c.next < stepExecute {
			c.txs = txs
			c.next = stepExecute
		}
		c.synced = true
	} else {
		e.Proof = p
		s.commit = &pendingCommit{
			epoch:  e,
			hash:   h,
			synced: true,
			txs:    txs,
			next:   stepExecute,
		}
	}

	s.cancelTimer()
	s.phase = epconsensus.PhaseSyncing

	err = k.runCommit(ctx, s)
	if err != nil && s.haltErr == nil && s.timerKind == timerNone {
		// Interrupted or abandoned; keep the round lifecycle going.
		k.armTimer(ctx, s, timerRound)
	}
	return err
}

// validateSyncedEpoch checks an externally finalized epoch against the last finalized epoch
// and returns its content hash.
func (k *Kernel) validateSyncedEpoch(
	s *kState, e epconsensus.Epoch, txs []epconsensus.SignedTransaction, p epconsensus.Proof,
) (epconsensus.Hash, error) {
	invalid := func(reason string, err error) error {
		return epconsensus.ValidationError{Kind: epconsensus.KindEpoch, Reason: reason, Err: err}
	}

	h, err := k.hs.Epoch(e)
	if err != nil {
		return h, invalid("failed to calculate epoch hash", err)
	}

	if p.EpochID != e.ID() || p.EpochHash != h {
		return h, invalid(fmt.Sprintf(
			"proof for epoch %d hash %s does not reference epoch %d hash %s",
			p.EpochID, p.EpochHash, e.ID(), h,
		), nil)
	}
	if err := epconsensus.VerifyProof(p, k.vals, k.ss); err != nil {
		return h, err
	}

	if e.Header.PrevHash != s.lastHash {
		return h, invalid(fmt.Sprintf(
			"previous hash %s does not match last finalized hash %s",
			e.Header.PrevHash, s.lastHash,
		), nil)
	}

	root, err := k.hs.OrderRoot(e.OrderedTxHashes)
	if err != nil {
		return h, invalid("failed to calculate order root", err)
	}
	if root != e.Header.OrderRoot {
		return h, invalid("order root does not match ordered transactions", nil)
	}

	if err := k.checkSignedTxs(e, txs); err != nil {
		var ve epconsensus.ValidationError
		if errors.As(err, &ve) {
			return h, err
		}
		return h, invalid("signed transactions do not match epoch", err)
	}

	return h, nil
}
