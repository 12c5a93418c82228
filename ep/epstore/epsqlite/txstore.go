package epsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime/trace"

	"github.com/golang/snappy"
	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epstore"
)

func (s *Store) SaveSignedTxs(ctx context.Context, txs []epconsensus.SignedTransaction) error {
	defer trace.StartRegion(ctx, "SaveSignedTxs").End()

	if len(txs) == 0 {
		return nil
	}

	tx, err := s.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	for i, st := range txs {
		if st.Sender == nil {
			return fmt.Errorf("transaction %d (%s) has no sender", i, st.Hash)
		}

		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO signed_txs(hash, payload, cycles, sender_type, sender_key, signature)
VALUES(?, ?, ?, ?, ?, ?)`,
			st.Hash[:], snappy.Encode(nil, st.Payload), st.Cycles,
			st.Sender.TypeName(), st.Sender.PubKeyBytes(), st.Signature,
		)
		if err == nil {
			continue
		}
		if !isPrimaryKeyConstraintError(err) {
			return fmt.Errorf("failed to insert transaction %d: %w", i, err)
		}

		have, err := s.loadSignedTxInTx(ctx, tx, st.Hash)
		if err != nil {
			return fmt.Errorf("failed to load existing transaction %d: %w", i, err)
		}
		if !have.Equal(st) {
			// Returning before commit discards the whole batch.
			return epstore.OverwriteError{Field: "tx_hash", Value: st.Hash.String()}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transactions: %w", err)
	}
	return nil
}

func (s *Store) LoadSignedTx(ctx context.Context, h epconsensus.Hash) (epconsensus.SignedTransaction, error) {
	defer trace.StartRegion(ctx, "LoadSignedTx").End()

	tx, err := s.ro.BeginTx(ctx, nil)
	if err != nil {
		return epconsensus.SignedTransaction{}, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	return s.loadSignedTxInTx(ctx, tx, h)
}

func (s *Store) loadSignedTxInTx(
	ctx context.Context, tx *sql.Tx, h epconsensus.Hash,
) (epconsensus.SignedTransaction, error) {
	var compressed, senderKey, sig []byte
	var cycles uint64
	var senderType string
	if err := tx.QueryRowContext(
		ctx,
		`SELECT payload, cycles, sender_type, sender_key, signature FROM signed_txs WHERE hash = ?`,
		h[:],
	).Scan(&compressed, &cycles, &senderType, &senderKey, &sig); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return epconsensus.SignedTransaction{}, epstore.TxUnknownError{Want: h}
		}
		return epconsensus.SignedTransaction{}, fmt.Errorf("failed to select transaction: %w", err)
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return epconsensus.SignedTransaction{}, fmt.Errorf("failed to decompress payload of %s: %w", h, err)
	}

	sender, err := s.reg.Decode(senderType, senderKey)
	if err != nil {
		return epconsensus.SignedTransaction{}, fmt.Errorf("failed to decode sender of %s: %w", h, err)
	}

	return epconsensus.SignedTransaction{
		Hash:      h,
		Payload:   payload,
		Cycles:    cycles,
		Sender:    sender,
		Signature: sig,
	}, nil
}
