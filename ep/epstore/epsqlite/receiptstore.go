package epsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/trace"
	"slices"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epstore"
)

func (s *Store) SaveReceipts(ctx context.Context, receipts []epconsensus.Receipt) error {
	defer trace.StartRegion(ctx, "SaveReceipts").End()

	id, err := epstore.CheckReceipts(receipts)
	if err != nil {
		return err
	}
	if len(receipts) == 0 {
		return nil
	}

	tx, err := s.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	// Receipts for an epoch are written as one unit,
	// so any existing row means the whole set exists.
	have, err := loadReceipts(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(have) > 0 {
		if slices.Equal(have, receipts) {
			return nil
		}
		return epstore.OverwriteError{Field: "epoch_id", Value: fmt.Sprint(id)}
	}

	for i, r := range receipts {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO receipts(epoch_id, idx, tx_hash, success, cycles_used, state_delta)
VALUES(?, ?, ?, ?, ?, ?)`,
			id, i, r.TxHash[:], r.Success, r.CyclesUsed, r.StateDelta[:],
		); err != nil {
			return fmt.Errorf("failed to insert receipt %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit receipts: %w", err)
	}
	return nil
}

func (s *Store) LoadReceipts(ctx context.Context, epochID uint64) ([]epconsensus.Receipt, error) {
	defer trace.StartRegion(ctx, "LoadReceipts").End()

	tx, err := s.ro.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	return loadReceipts(ctx, tx, epochID)
}

func loadReceipts(ctx context.Context, tx *sql.Tx, epochID uint64) ([]epconsensus.Receipt, error) {
	rows, err := tx.QueryContext(
		ctx,
		`SELECT tx_hash, success, cycles_used, state_delta FROM receipts
WHERE epoch_id = ? ORDER BY idx ASC`,
		epochID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select receipts: %w", err)
	}
	defer rows.Close()

	var out []epconsensus.Receipt
	for rows.Next() {
		var txHashB, deltaB []byte
		r := epconsensus.Receipt{EpochID: epochID}
		if err := rows.Scan(&txHashB, &r.Success, &r.CyclesUsed, &deltaB); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		if r.TxHash, err = scanHash(txHashB, "receipts.tx_hash"); err != nil {
			return nil, err
		}
		if r.StateDelta, err = scanHash(deltaB, "receipts.state_delta"); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating receipts: %w", err)
	}

	return out, nil
}
