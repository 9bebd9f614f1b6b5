// Package sqlite provides a durable saga.Journal backed by
// modernc.org/sqlite, the teacher's cgo-free sqlite driver. Schema and
// write path are adapted from the teacher's
// eventing/store/sql.SQLEventStore.AppendEvents: a single-table,
// transaction-per-append-batch writer with a duplicate-key fallback
// that treats a re-append of an already-durable sequence number as a
// success rather than an error, which is what makes a participant's
// bounded journal-write retry (engine.go's appendWithRetry) safe to
// call again after an ambiguous failure.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	cherrors "choreosaga/errors"
	"choreosaga/identity"
	"choreosaga/saga"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_journal (
	saga_id    TEXT    NOT NULL,
	sequence   INTEGER NOT NULL,
	timestamp_millis INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	context    TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	PRIMARY KEY (saga_id, sequence)
);
`

// Journal is a saga.Journal backed by a single sqlite database file
// (or ":memory:").
type Journal struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the journal table exists.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, cherrors.WrapDatabaseError(context.Background(), err, "journal/sqlite: open")
	}
	// a single-writer table keyed by (saga_id, sequence): serialize
	// writers to avoid SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, cherrors.WrapDatabaseError(context.Background(), err, "journal/sqlite: create schema")
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error { return j.db.Close() }

// Append durably records event for sagaID inside a transaction that
// first determines the next sequence number, mirroring the teacher's
// version-check-then-insert pattern.
func (j *Journal) Append(ctx context.Context, sagaID identity.SagaID, nowMillis int64, sagaCtx saga.Context, event saga.ParticipantEvent) (uint64, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("journal/sqlite: marshal event: %w", err)
	}
	contextJSON, err := json.Marshal(sagaCtx)
	if err != nil {
		return 0, fmt.Errorf("journal/sqlite: marshal context: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: begin tx")
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM saga_journal WHERE saga_id = ?`, sagaID.String())
	if err := row.Scan(&maxSeq); err != nil {
		return 0, cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: query max sequence")
	}
	seq := uint64(0)
	if maxSeq.Valid {
		seq = uint64(maxSeq.Int64) + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO saga_journal (saga_id, sequence, timestamp_millis, kind, context, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		sagaID.String(), seq, nowMillis, string(event.Kind), string(contextJSON), string(payload))
	if err != nil {
		if isDuplicateKeyError(err) {
			// another writer (or a retried append after a driver-level
			// ambiguous failure) already landed this sequence; treat
			// as durable rather than surfacing a spurious error.
			return seq, nil
		}
		return 0, cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: insert")
	}

	if err := tx.Commit(); err != nil {
		return 0, cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: commit")
	}
	return seq, nil
}

// Read returns every record for sagaID in ascending sequence order.
func (j *Journal) Read(ctx context.Context, sagaID identity.SagaID) ([]saga.JournalRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT sequence, timestamp_millis, context, payload FROM saga_journal WHERE saga_id = ? ORDER BY sequence ASC`,
		sagaID.String())
	if err != nil {
		return nil, cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: query")
	}
	defer rows.Close()

	var records []saga.JournalRecord
	for rows.Next() {
		var seq uint64
		var ts int64
		var contextJSON, payload string
		if err := rows.Scan(&seq, &ts, &contextJSON, &payload); err != nil {
			return nil, cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: scan")
		}
		var event saga.ParticipantEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("journal/sqlite: unmarshal event: %w", err)
		}
		var sagaCtx saga.Context
		if err := json.Unmarshal([]byte(contextJSON), &sagaCtx); err != nil {
			return nil, fmt.Errorf("journal/sqlite: unmarshal context: %w", err)
		}
		records = append(records, saga.JournalRecord{
			SagaID:          sagaID,
			SequenceNumber:  seq,
			TimestampMillis: ts,
			Context:         sagaCtx,
			Event:           event,
		})
	}
	return records, rows.Err()
}

// ListSagas returns every sagaID with at least one journal entry.
func (j *Journal) ListSagas(ctx context.Context) ([]identity.SagaID, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT saga_id FROM saga_journal`)
	if err != nil {
		return nil, cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: list sagas")
	}
	defer rows.Close()

	var ids []identity.SagaID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: scan saga id")
		}
		id, err := identity.ParseSagaID(raw)
		if err != nil {
			return nil, fmt.Errorf("journal/sqlite: parse saga id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune erases every entry for sagaID.
func (j *Journal) Prune(ctx context.Context, sagaID identity.SagaID) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM saga_journal WHERE saga_id = ?`, sagaID.String())
	if err != nil {
		return cherrors.WrapDatabaseError(ctx, err, "journal/sqlite: prune")
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
