package epsqlite

import (
	"context"
	"database/sql"
	"fmt"
)

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS migrations(
  id INTEGER PRIMARY KEY CHECK (id = 0),
  version INTEGER
);`,
	); err != nil {
		return fmt.Errorf("error getting initial migrations table: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO migrations(id, version) VALUES (0, 0)`,
	); err != nil {
		return fmt.Errorf("error setting initial migration version: %w", err)
	}

	var migrationVersion int
	if err := tx.QueryRowContext(
		ctx, `SELECT version FROM migrations WHERE id=0;`,
	).Scan(&migrationVersion); err != nil {
		return fmt.Errorf("failed to scan migration version: %w", err)
	}

	if err := migrateFrom(ctx, tx, migrationVersion); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

func migrateFrom(ctx context.Context, tx *sql.Tx, version int) error {
	switch version {
	case 0:
		if err := migrateInitial(ctx, tx); err != nil {
			return fmt.Errorf("initial migration: %w", err)
		}
		if err := setMigrationVersion(ctx, tx, 1); err != nil {
			return err
		}
	case 1:
		// Up to date.
		return nil
	default:
		return fmt.Errorf("unknown migration version %d", version)
	}

	// https://sqlite.org/pragma.html#pragma_optimize:
	// "All applications should run `PRAGMA optimize;` after a schema change".
	if _, err := tx.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to run PRAGMA optimize after migration: %w", err)
	}

	return nil
}

func migrateInitial(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(
		ctx,
		// Finalized epochs.
		// The proof columns hold everything but the signatures,
		// which are in epoch_proof_signatures.
		`
CREATE TABLE epochs(
  id INTEGER PRIMARY KEY NOT NULL CHECK (id > 0),
  hash BLOB NOT NULL UNIQUE,
  prev_hash BLOB NOT NULL,
  order_root BLOB NOT NULL,
  proposer BLOB NOT NULL,
  proof_round INTEGER NOT NULL,
  proof_pub_key_hash BLOB NOT NULL
);`+

			// Ordered transaction hashes of each epoch.
			`
CREATE TABLE epoch_txs(
  epoch_id INTEGER NOT NULL,
  idx INTEGER NOT NULL,
  tx_hash BLOB NOT NULL,
  PRIMARY KEY (epoch_id, idx),
  FOREIGN KEY(epoch_id) REFERENCES epochs(id)
);`+

			// Sparse signatures of an epoch's proof, in proof order.
			`
CREATE TABLE epoch_proof_signatures(
  epoch_id INTEGER NOT NULL,
  idx INTEGER NOT NULL,
  key_id BLOB NOT NULL,
  sig BLOB NOT NULL,
  PRIMARY KEY (epoch_id, idx),
  FOREIGN KEY(epoch_id) REFERENCES epochs(id)
);`+

			// Receipts do not reference the epochs table,
			// so that a receipt store can be used independently.
			`
CREATE TABLE receipts(
  epoch_id INTEGER NOT NULL CHECK (epoch_id > 0),
  idx INTEGER NOT NULL,
  tx_hash BLOB NOT NULL,
  success INTEGER NOT NULL CHECK (success IN (0, 1)),
  cycles_used INTEGER NOT NULL,
  state_delta BLOB NOT NULL,
  PRIMARY KEY (epoch_id, idx)
);`+

			// Signed transactions.
			// The payload is snappy-compressed.
			// The sender_type column is the result of [gcrypto.PubKey.TypeName]
			// and sender_key is [gcrypto.PubKey.PubKeyBytes];
			// together they can be passed to [gcrypto.Registry.Decode].
			`
CREATE TABLE signed_txs(
  hash BLOB PRIMARY KEY NOT NULL,
  payload BLOB NOT NULL,
  cycles INTEGER NOT NULL CHECK (cycles >= 0),
  sender_type TEXT NOT NULL CHECK(octet_length(sender_type) > 0 AND octet_length(sender_type) <= 8),
  sender_key BLOB NOT NULL,
  signature BLOB NOT NULL
);`,
	)
	return err
}

func setMigrationVersion(ctx context.Context, tx *sql.Tx, version int) error {
	if _, err := tx.ExecContext(
		ctx, `UPDATE migrations SET version = ? WHERE id = 0`, version,
	); err != nil {
		return fmt.Errorf("failed to set migration version to %d: %w", version, err)
	}
	return nil
}
