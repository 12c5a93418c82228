// Package epmempool contains a reference in-memory [epadapter.Mempool].
//
// Pending transactions are ordered by descending priority,
// then by arrival order for equal priorities.
// Flushed transactions are remembered in a bounded cache
// so that a transaction already finalized cannot be inserted again.
package epmempool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"
	"github.com/gordian-engine/epoch/ep/epadapter"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/internal/glog"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultConfirmedCacheSize is the number of flushed transaction hashes
// remembered by a Mempool created with a zero cache size.
const DefaultConfirmedCacheSize = 64 * 1024

const treeDegree = 32

var (
	ErrDuplicateTx      = errors.New("transaction already pending")
	ErrAlreadyConfirmed = errors.New("transaction already confirmed")
	ErrZeroCycles       = errors.New("transaction must declare a positive cycle cost")
)

// MissingTxsError is returned from [*Mempool.CheckTxs] and [*Mempool.GetFullTxs]
// when some requested hashes are not pending.
type MissingTxsError struct {
	Hashes []epconsensus.Hash
}

func (e MissingTxsError) Error() string {
	if len(e.Hashes) == 1 {
		return fmt.Sprintf("transaction %s not pending", e.Hashes[0])
	}
	return fmt.Sprintf("%d transactions not pending (first: %s)", len(e.Hashes), e.Hashes[0])
}

type entry struct {
	tx       epconsensus.SignedTransaction
	priority uint64
	seq      uint64
}

var _ btree.LessFunc[*entry] = (*entry).Less

// Less orders higher priority first, then earlier arrival.
func (e *entry) Less(than *entry) bool {
	if e.priority != than.priority {
		return e.priority > than.priority
	}
	return e.seq < than.seq
}

// Mempool is a priority-ordered pool of pending transactions.
// It is safe for concurrent use.
type Mempool struct {
	log *slog.Logger

	hs epconsensus.HashScheme
	ss epconsensus.SignatureScheme

	mu sync.Mutex

	seq uint64

	pending *btree.BTreeG[*entry]
	byHash  map[epconsensus.Hash]*entry

	// Values are empty structs; only membership matters.
	confirmed *lru.Cache
}

var _ epadapter.Mempool = (*Mempool)(nil)

// New returns an empty Mempool.
// Transactions are verified on insert with hs and ss.
// If confirmedCacheSize is zero, [DefaultConfirmedCacheSize] is used.
func New(
	log *slog.Logger,
	hs epconsensus.HashScheme,
	ss epconsensus.SignatureScheme,
	confirmedCacheSize int,
) (*Mempool, error) {
	if confirmedCacheSize == 0 {
		confirmedCacheSize = DefaultConfirmedCacheSize
	}
	cache, err := lru.New(confirmedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmed cache: %w", err)
	}

	return &Mempool{
		log: log,

		hs: hs,
		ss: ss,

		pending: btree.NewG(treeDegree, (*entry).Less),
		byHash:  make(map[epconsensus.Hash]*entry),

		confirmed: cache,
	}, nil
}

// Insert verifies tx and adds it to the pending pool with the given priority.
//
// A transaction failing verification returns an [epconsensus.ValidationError].
func (m *Mempool) Insert(ctx context.Context, tx epconsensus.SignedTransaction, priority uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if tx.Cycles == 0 {
		return ErrZeroCycles
	}
	if err := tx.Verify(m.hs, m.ss); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byHash[tx.Hash]; ok {
		return ErrDuplicateTx
	}
	if m.confirmed.Contains(tx.Hash) {
		return ErrAlreadyConfirmed
	}

	e := &entry{tx: tx, priority: priority, seq: m.seq}
	m.seq++

	m.pending.ReplaceOrInsert(e)
	m.byHash[tx.Hash] = e

	m.log.Debug(
		"Inserted transaction",
		"hash", glog.Hex(tx.Hash[:]),
		"priority", priority,
		"cycles", tx.Cycles,
	)
	return nil
}

// Len returns the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// GetTxsFromMempool walks the pending pool in priority order,
// selecting every transaction that still fits in the remaining cycle budget.
// A transaction that does not fit is counted as dropped,
// but later, cheaper transactions may still be selected.
//
// Selection does not remove transactions from the pool.
func (m *Mempool) GetTxsFromMempool(
	ctx context.Context, epochID, cycleLimit uint64,
) (epconsensus.MixedTxHashes, error) {
	if err := ctx.Err(); err != nil {
		return epconsensus.MixedTxHashes{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out epconsensus.MixedTxHashes
	remaining := cycleLimit
	m.pending.Ascend(func(e *entry) bool {
		if e.tx.Cycles > remaining {
			out.DroppedCount++
			return true
		}
		remaining -= e.tx.Cycles
		out.OrderHashes = append(out.OrderHashes, e.tx.Hash)
		return true
	})

	m.log.Debug(
		"Selected transactions",
		"epoch", epochID,
		"n_selected", len(out.OrderHashes),
		"n_dropped", out.DroppedCount,
		"cycles_used", cycleLimit-remaining,
	)
	return out, nil
}

// CheckTxs returns a [MissingTxsError] if any of txs is not pending.
func (m *Mempool) CheckTxs(ctx context.Context, txs []epconsensus.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.missing(txs)
}

// GetFullTxs returns the pending transactions for txs, in the same order.
func (m *Mempool) GetFullTxs(ctx context.Context, txs []epconsensus.Hash) ([]epconsensus.SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.missing(txs); err != nil {
		return nil, err
	}

	out := make([]epconsensus.SignedTransaction, len(txs))
	for i, h := range txs {
		out[i] = m.byHash[h].tx
	}
	return out, nil
}

// missing must be called with m.mu held.
func (m *Mempool) missing(txs []epconsensus.Hash) error {
	var hashes []epconsensus.Hash
	for _, h := range txs {
		if _, ok := m.byHash[h]; !ok {
			hashes = append(hashes, h)
		}
	}
	if len(hashes) > 0 {
		return MissingTxsError{Hashes: hashes}
	}
	return nil
}

// FlushMempool removes txs from the pending pool
// and remembers them as confirmed.
// Hashes that are not pending are still remembered,
// so flushing is idempotent.
func (m *Mempool) FlushMempool(ctx context.Context, txs []epconsensus.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for _, h := range txs {
		if e, ok := m.byHash[h]; ok {
			m.pending.Delete(e)
			delete(m.byHash, h)
			removed++
		}
		m.confirmed.Add(h, struct{}{})
	}

	m.log.Debug("Flushed transactions", "n_requested", len(txs), "n_removed", removed)
	return nil
}
