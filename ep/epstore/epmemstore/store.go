// Package epmemstore contains in-memory implementations of the [epstore] interfaces.
package epmemstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epstore"
)

// Store combines the three in-memory stores.
type Store struct {
	*EpochStore
	*ReceiptStore
	*TxStore
}

var _ epstore.Store = Store{}

func New(hs epconsensus.HashScheme) Store {
	return Store{
		EpochStore:   NewEpochStore(hs),
		ReceiptStore: NewReceiptStore(),
		TxStore:      NewTxStore(),
	}
}

type EpochStore struct {
	hs epconsensus.HashScheme

	mu sync.RWMutex

	byID   map[uint64]storedEpoch
	lastID uint64
}

type storedEpoch struct {
	E    epconsensus.Epoch
	Hash epconsensus.Hash
}

func NewEpochStore(hs epconsensus.HashScheme) *EpochStore {
	return &EpochStore{
		hs:   hs,
		byID: make(map[uint64]storedEpoch),
	}
}

func (s *EpochStore) SaveEpoch(_ context.Context, e epconsensus.Epoch) error {
	if e.Proof.IsZero() {
		return epstore.ErrMissingProof
	}

	h, err := s.hs.Epoch(e)
	if err != nil {
		return fmt.Errorf("failed to hash epoch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if have, ok := s.byID[e.ID()]; ok {
		if have.Hash == h {
			return nil
		}
		return epstore.EpochOverwriteError{ID: e.ID(), Have: have.Hash, Got: h}
	}

	s.byID[e.ID()] = storedEpoch{E: cloneEpoch(e), Hash: h}
	if e.ID() > s.lastID {
		s.lastID = e.ID()
	}
	return nil
}

func (s *EpochStore) LoadEpoch(_ context.Context, id uint64) (epconsensus.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	se, ok := s.byID[id]
	if !ok {
		return epconsensus.Epoch{}, epstore.EpochUnknownError{Want: id}
	}
	return cloneEpoch(se.E), nil
}

func (s *EpochStore) LastEpoch(_ context.Context) (epconsensus.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.byID) == 0 {
		return epconsensus.Epoch{}, epstore.ErrStoreUninitialized
	}
	return cloneEpoch(s.byID[s.lastID].E), nil
}

func cloneEpoch(e epconsensus.Epoch) epconsensus.Epoch {
	e.OrderedTxHashes = slices.Clone(e.OrderedTxHashes)
	e.Proof.PubKeyHash = slices.Clone(e.Proof.PubKeyHash)
	e.Proof.Signatures = slices.Clone(e.Proof.Signatures)
	return e
}

type ReceiptStore struct {
	mu sync.RWMutex

	byEpoch map[uint64][]epconsensus.Receipt
}

func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		byEpoch: make(map[uint64][]epconsensus.Receipt),
	}
}

func (s *ReceiptStore) SaveReceipts(_ context.Context, receipts []epconsensus.Receipt) error {
	id, err := epstore.CheckReceipts(receipts)
	if err != nil {
		return err
	}
	if len(receipts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if have, ok := s.byEpoch[id]; ok {
		if slices.Equal(have, receipts) {
			return nil
		}
		return epstore.OverwriteError{Field: "epoch_id", Value: fmt.Sprint(id)}
	}

	s.byEpoch[id] = slices.Clone(receipts)
	return nil
}

func (s *ReceiptStore) LoadReceipts(_ context.Context, epochID uint64) ([]epconsensus.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.byEpoch[epochID]), nil
}

type TxStore struct {
	mu sync.RWMutex

	byHash map[epconsensus.Hash]epconsensus.SignedTransaction
}

func NewTxStore() *TxStore {
	return &TxStore{
		byHash: make(map[epconsensus.Hash]epconsensus.SignedTransaction),
	}
}

func (s *TxStore) SaveSignedTxs(_ context.Context, txs []epconsensus.SignedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check everything first so that a conflict writes nothing.
	for _, tx := range txs {
		if have, ok := s.byHash[tx.Hash]; ok && !have.Equal(tx) {
			return epstore.OverwriteError{Field: "tx_hash", Value: tx.Hash.String()}
		}
	}

	for _, tx := range txs {
		tx.Payload = slices.Clone(tx.Payload)
		tx.Signature = slices.Clone(tx.Signature)
		s.byHash[tx.Hash] = tx
	}
	return nil
}

func (s *TxStore) LoadSignedTx(_ context.Context, h epconsensus.Hash) (epconsensus.SignedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byHash[h]
	if !ok {
		return epconsensus.SignedTransaction{}, epstore.TxUnknownError{Want: h}
	}
	return tx, nil
}
