// Package epadaptertest contains a recording [epadapter.Adapter] for engine tests.
package epadaptertest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epconsensus"
)

// Operation names recorded in [*Adapter.Calls].
const (
	OpGetTxsFromMempool = "get_txs_from_mempool"
	OpCheckTxs          = "check_txs"
	OpGetFullTxs        = "get_full_txs"
	OpExecute           = "execute"
	OpSaveEpoch         = "save_epoch"
	OpSaveReceipts      = "save_receipts"
	OpSaveSignedTxs     = "save_signed_txs"
	OpFlushMempool      = "flush_mempool"
	OpTransmit          = "transmit"
)

// PipelineOps is the ordered list of adapter calls
// for committing an epoch reached by voting.
var PipelineOps = []string{
	OpCheckTxs, OpGetFullTxs, OpExecute,
	OpSaveEpoch, OpSaveReceipts, OpSaveSignedTxs,
	OpFlushMempool,
}

// SyncPipelineOps is the ordered list of adapter calls
// for an epoch applied through UpdateEpoch.
var SyncPipelineOps = []string{
	OpExecute,
	OpSaveEpoch, OpSaveReceipts, OpSaveSignedTxs,
	OpFlushMempool,
}

// Transmission is a recorded call to Transmit.
type Transmission struct {
	Msg    []byte
	Target epconsensus.MessageTarget
}

// Adapter is an in-memory [epadapter.Adapter] that records every call.
//
// Transactions added with [*Adapter.AddTxs] are served by GetFullTxs
// and selected, in insertion order, by GetTxsFromMempool.
// Execute returns one successful receipt per transaction.
//
// Errors can be injected per operation with [*Adapter.FailNext] or [*Adapter.Fail].
// A blocking hook can be installed with [*Adapter.BlockOn].
type Adapter struct {
	mu sync.Mutex

	calls []string

	txs   map[epconsensus.Hash]epconsensus.SignedTransaction
	order []epconsensus.Hash

	savedEpochs   []epconsensus.Epoch
	savedReceipts [][]epconsensus.Receipt
	savedTxs      [][]epconsensus.SignedTransaction
	flushed       [][]epconsensus.Hash
	transmissions []Transmission

	failNext map[string]error
	failAll  map[string]error
	blockOn  map[string]chan struct{}

	transmitted chan Transmission
}

var _ epadapter.Adapter = (*Adapter)(nil)

// New returns an empty Adapter.
func New() *Adapter {
	return &Adapter{
		txs:      map[epconsensus.Hash]epconsensus.SignedTransaction{},
		failNext: map[string]error{},
		failAll:  map[string]error{},
		blockOn:  map[string]chan struct{}{},

		// Buffered generously so tests can inspect transmissions on their own schedule.
		transmitted: make(chan Transmission, 256),
	}
}

// AddTxs makes txs available to the mempool operations.
func (a *Adapter) AddTxs(txs ...epconsensus.SignedTransaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tx := range txs {
		if _, ok := a.txs[tx.Hash]; !ok {
			a.order = append(a.order, tx.Hash)
		}
		a.txs[tx.Hash] = tx
	}
}

// FailNext causes the next call to op to return err.
func (a *Adapter) FailNext(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[op] = err
}

// Fail causes every call to op to return err until cleared with a nil err.
func (a *Adapter) Fail(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failAll, op)
		return
	}
	a.failAll[op] = err
}

// BlockOn causes calls to op to block until the returned release func is called
// or the call's context is cancelled.
// A cancelled call returns the context's error.
func (a *Adapter) BlockOn(op string) (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.blockOn[op] = ch
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.blockOn, op)
			a.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns the names of every operation called so far, in order.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.calls)
}

// CallsExcept is like Calls but omits the given operations.
// Tests usually ignore transmissions when checking the pipeline order.
func (a *Adapter) CallsExcept(ops ...string) []string {
	calls := a.Calls()
	return slices.DeleteFunc(calls, func(c string) bool {
		return slices.Contains(ops, c)
	})
}

// ResetCalls clears the recorded call log.
func (a *Adapter) ResetCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}

func (a *Adapter) SavedEpochs() []epconsensus.Epoch {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.savedEpochs)
}

func (a *Adapter) SavedReceipts() [][]epconsensus.Receipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.savedReceipts)
}

func (a *Adapter) SavedTxs() [][]epconsensus.SignedTransaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.savedTxs)
}

func (a *Adapter) Flushed() [][]epconsensus.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.flushed)
}

func (a *Adapter) Transmissions() []Transmission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.transmissions)
}

// Transmitted returns a channel receiving every transmission as it happens.
// Transmissions beyond the channel's buffer are dropped from the channel
// but are still recorded in [*Adapter.Transmissions].
func (a *Adapter) Transmitted() <-chan Transmission {
	return a.transmitted
}

// enter records op and applies any injected failure or block.
func (a *Adapter) enter(ctx context.Context, op string) error {
	a.mu.Lock()
	a.calls = append(a.calls, op)
	block := a.blockOn[op]
	err := a.failNext[op]
	delete(a.failNext, op)
	if err == nil {
		err = a.failAll[op]
	}
	a.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-block:
		}
	}

	if err != nil {
		return err
	}
	return ctx.Err()
}

func (a *Adapter) GetTxsFromMempool(
	ctx context.Context, epochID, cycleLimit uint64,
) (epconsensus.MixedTxHashes, error) {
	if err := a.enter(ctx, OpGetTxsFromMempool); err != nil {
		return epconsensus.MixedTxHashes{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out epconsensus.MixedTxHashes
	var used uint64
	for _, h := range a.order {
		tx := a.txs[h]
		if used+tx.Cycles > cycleLimit {
			out.DroppedCount++
			continue
		}
		used += tx.Cycles
		out.OrderHashes = append(out.OrderHashes, h)
	}
	return out, nil
}

func (a *Adapter) CheckTxs(ctx context.Context, txs []epconsensus.Hash) error {
	if err := a.enter(ctx, OpCheckTxs); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range txs {
		if _, ok := a.txs[h]; !ok {
			return fmt.Errorf("transaction %s unknown", h)
		}
	}
	return nil
}

func (a *Adapter) GetFullTxs(ctx context.Context, txs []epconsensus.Hash) ([]epconsensus.SignedTransaction, error) {
	if err := a.enter(ctx, OpGetFullTxs); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]epconsensus.SignedTransaction, len(txs))
	for i, h := range txs {
		tx, ok := a.txs[h]
		if !ok {
			return nil, fmt.Errorf("transaction %s unknown", h)
		}
		out[i] = tx
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, signedTxs []epconsensus.SignedTransaction) ([]epconsensus.Receipt, error) {
	if err := a.enter(ctx, OpExecute); err != nil {
		return nil, err
	}

	out := make([]epconsensus.Receipt, len(signedTxs))
	for i, tx := range signedTxs {
		out[i] = epconsensus.Receipt{
			TxHash:     tx.Hash,
			Success:    true,
			CyclesUsed: tx.Cycles,
			StateDelta: tx.Hash,
		}
	}
	return out, nil
}

func (a *Adapter) SaveEpoch(ctx context.Context, e epconsensus.Epoch) error {
	if err := a.enter(ctx, OpSaveEpoch); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.savedEpochs = append(a.savedEpochs, e)
	return nil
}

func (a *Adapter) SaveReceipts(ctx context.Context, receipts []epconsensus.Receipt) error {
	if err := a.enter(ctx, OpSaveReceipts); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.savedReceipts = append(a.savedReceipts, slices.Clone(receipts))
	return nil
}

func (a *Adapter) SaveSignedTxs(ctx context.Context, txs []epconsensus.SignedTransaction) error {
	if err := a.enter(ctx, OpSaveSignedTxs); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.savedTxs = append(a.savedTxs, slices.Clone(txs))
	return nil
}

func (a *Adapter) FlushMempool(ctx context.Context, txs []epconsensus.Hash) error {
	if err := a.enter(ctx, OpFlushMempool); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushed = append(a.flushed, slices.Clone(txs))
	for _, h := range txs {
		if _, ok := a.txs[h]; !ok {
			continue
		}
		delete(a.txs, h)
		a.order = slices.DeleteFunc(a.order, func(o epconsensus.Hash) bool { return o == h })
	}
	return nil
}

func (a *Adapter) Transmit(ctx context.Context, msg []byte, target epconsensus.MessageTarget) error {
	if err := a.enter(ctx, OpTransmit); err != nil {
		return err
	}

	tr := Transmission{Msg: slices.Clone(msg), Target: target}
	a.mu.Lock()
	a.transmissions = append(a.transmissions, tr)
	a.mu.Unlock()

	select {
	case a.transmitted <- tr:
	default:
	}
	return nil
}

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("injected failure")
