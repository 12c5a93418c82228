package epsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime/trace"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epstore"
	"github.com/gordian-engine/epoch/gcrypto"
)

func (s *Store) SaveEpoch(ctx context.Context, e epconsensus.Epoch) error {
	defer trace.StartRegion(ctx, "SaveEpoch").End()

	if e.Proof.IsZero() {
		return epstore.ErrMissingProof
	}

	h, err := s.hs.Epoch(e)
	if err != nil {
		return fmt.Errorf("failed to hash epoch: %w", err)
	}

	tx, err := s.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	id := e.ID()
	hdr := e.Header
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO
epochs(id, hash, prev_hash, order_root, proposer, proof_round, proof_pub_key_hash)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		id, h[:], hdr.PrevHash[:], hdr.OrderRoot[:], hdr.Proposer[:],
		e.Proof.Round, e.Proof.PubKeyHash,
	); err != nil {
		if !isPrimaryKeyConstraintError(err) {
			return fmt.Errorf("failed to insert epoch: %w", err)
		}

		// Already stored; only the content hash decides whether this is a retry.
		var haveBytes []byte
		if err := tx.QueryRowContext(
			ctx, `SELECT hash FROM epochs WHERE id = ?`, id,
		).Scan(&haveBytes); err != nil {
			return fmt.Errorf("failed to load existing epoch hash: %w", err)
		}
		have, err := scanHash(haveBytes, "epochs.hash")
		if err != nil {
			return err
		}
		if have == h {
			return nil
		}
		return epstore.EpochOverwriteError{ID: id, Have: have, Got: h}
	}

	for i, txHash := range e.OrderedTxHashes {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO epoch_txs(epoch_id, idx, tx_hash) VALUES(?, ?, ?)`,
			id, i, txHash[:],
		); err != nil {
			return fmt.Errorf("failed to insert transaction hash %d: %w", i, err)
		}
	}

	for i, sig := range e.Proof.Signatures {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO epoch_proof_signatures(epoch_id, idx, key_id, sig) VALUES(?, ?, ?, ?)`,
			id, i, sig.KeyID, sig.Sig,
		); err != nil {
			return fmt.Errorf("failed to insert proof signature %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit epoch: %w", err)
	}
	return nil
}

func (s *Store) LoadEpoch(ctx context.Context, id uint64) (epconsensus.Epoch, error) {
	defer trace.StartRegion(ctx, "LoadEpoch").End()

	tx, err := s.ro.BeginTx(ctx, nil)
	if err != nil {
		return epconsensus.Epoch{}, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	return s.loadEpochInTx(ctx, tx, id)
}

func (s *Store) LastEpoch(ctx context.Context) (epconsensus.Epoch, error) {
	defer trace.StartRegion(ctx, "LastEpoch").End()

	tx, err := s.ro.BeginTx(ctx, nil)
	if err != nil {
		return epconsensus.Epoch{}, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	var id uint64
	if err := tx.QueryRowContext(
		ctx, `SELECT id FROM epochs ORDER BY id DESC LIMIT 1`,
	).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return epconsensus.Epoch{}, epstore.ErrStoreUninitialized
		}
		return epconsensus.Epoch{}, fmt.Errorf("failed to select last epoch: %w", err)
	}

	return s.loadEpochInTx(ctx, tx, id)
}

func (s *Store) loadEpochInTx(ctx context.Context, tx *sql.Tx, id uint64) (epconsensus.Epoch, error) {
	defer trace.StartRegion(ctx, "loadEpochInTx").End()

	var hashB, prevB, rootB, proposerB []byte
	var round uint32
	var pubKeyHash []byte
	if err := tx.QueryRowContext(
		ctx,
		`SELECT hash, prev_hash, order_root, proposer, proof_round, proof_pub_key_hash
FROM epochs WHERE id = ?`,
		id,
	).Scan(&hashB, &prevB, &rootB, &proposerB, &round, &pubKeyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return epconsensus.Epoch{}, epstore.EpochUnknownError{Want: id}
		}
		return epconsensus.Epoch{}, fmt.Errorf("failed to select epoch %d: %w", id, err)
	}

	e := epconsensus.Epoch{Header: epconsensus.EpochHeader{ID: id}}

	hash, err := scanHash(hashB, "epochs.hash")
	if err != nil {
		return e, err
	}
	if e.Header.PrevHash, err = scanHash(prevB, "epochs.prev_hash"); err != nil {
		return e, err
	}
	if e.Header.OrderRoot, err = scanHash(rootB, "epochs.order_root"); err != nil {
		return e, err
	}
	if len(proposerB) != epconsensus.AddressSize {
		return e, fmt.Errorf("invalid epochs.proposer column: got %d bytes", len(proposerB))
	}
	copy(e.Header.Proposer[:], proposerB)

	rows, err := tx.QueryContext(
		ctx, `SELECT tx_hash FROM epoch_txs WHERE epoch_id = ? ORDER BY idx ASC`, id,
	)
	if err != nil {
		return e, fmt.Errorf("failed to select epoch transactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return e, fmt.Errorf("failed to scan epoch transaction: %w", err)
		}
		h, err := scanHash(b, "epoch_txs.tx_hash")
		if err != nil {
			return e, err
		}
		e.OrderedTxHashes = append(e.OrderedTxHashes, h)
	}
	if err := rows.Err(); err != nil {
		return e, fmt.Errorf("error iterating epoch transactions: %w", err)
	}
	_ = rows.Close()

	e.Proof = epconsensus.Proof{
		EpochID:    id,
		Round:      round,
		EpochHash:  hash,
		PubKeyHash: pubKeyHash,
	}

	sigRows, err := tx.QueryContext(
		ctx, `SELECT key_id, sig FROM epoch_proof_signatures WHERE epoch_id = ? ORDER BY idx ASC`, id,
	)
	if err != nil {
		return e, fmt.Errorf("failed to select proof signatures: %w", err)
	}
	defer sigRows.Close()
	for sigRows.Next() {
		var ss gcrypto.SparseSignature
		if err := sigRows.Scan(&ss.KeyID, &ss.Sig); err != nil {
			return e, fmt.Errorf("failed to scan proof signature: %w", err)
		}
		e.Proof.Signatures = append(e.Proof.Signatures, ss)
	}
	if err := sigRows.Err(); err != nil {
		return e, fmt.Errorf("error iterating proof signatures: %w", err)
	}

	return e, nil
}
