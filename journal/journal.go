// Package journal persists document update payloads in SQLite so a
// document can be reconstructed by replay. Replaying over a non-empty
// document is safe because update application is idempotent.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"bringyour.com/codoc/crdt"
)

const schema = `
CREATE TABLE IF NOT EXISTS doc_updates (
	doc_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	update_bytes BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (doc_id, seq)
)
`

// Open opens a SQLite database at dsn and ensures the schema. Pass
// ":memory:" for an in-memory store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Store is a durable, per-document update log. Sequence numbers are
// assigned monotonically per document.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

// Append stores one update payload at the next sequence number. The
// empty-update sentinel is skipped.
func (self *Store) Append(ctx context.Context, docId crdt.Id, update []byte) error {
	if crdt.IsEmptyUpdate(update) {
		return nil
	}
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var seq int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM doc_updates WHERE doc_id = ?`, docId.String())
	if err := row.Scan(&seq); err != nil {
		return err
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO doc_updates(doc_id, seq, update_bytes, created_at) VALUES(?, ?, ?, ?)`,
		docId.String(),
		seq+1,
		update,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Updates returns the stored payloads in sequence order.
func (self *Store) Updates(ctx context.Context, docId crdt.Id) ([][]byte, error) {
	rows, err := self.db.QueryContext(ctx, `SELECT update_bytes FROM doc_updates WHERE doc_id = ? ORDER BY seq`, docId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	updates := [][]byte{}
	for rows.Next() {
		var update []byte
		if err := rows.Scan(&update); err != nil {
			return nil, err
		}
		updates = append(updates, update)
	}
	return updates, rows.Err()
}

// Replay applies all stored payloads to doc in order.
func (self *Store) Replay(ctx context.Context, docId crdt.Id, doc *crdt.Doc) error {
	updates, err := self.Updates(ctx, docId)
	if err != nil {
		return err
	}
	for _, update := range updates {
		if err := doc.ApplyUpdate(update); err != nil {
			return err
		}
	}
	return nil
}

// Compact replaces the log with a single full-state payload computed
// from doc. The log and the replacement swap in one transaction.
func (self *Store) Compact(ctx context.Context, docId crdt.Id, doc *crdt.Doc) error {
	full, err := doc.Diff(nil)
	if err != nil {
		return err
	}
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_updates WHERE doc_id = ?`, docId.String()); err != nil {
		return err
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO doc_updates(doc_id, seq, update_bytes, created_at) VALUES(?, ?, ?, ?)`,
		docId.String(),
		1,
		full,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Attach subscribes to doc's transactions and appends every non-empty
// update payload under docId. The returned function unsubscribes.
func Attach(store *Store, docId crdt.Id, doc *crdt.Doc) func() {
	return doc.ObserveAfterTransaction(func(event crdt.AfterTransactionEvent) {
		if crdt.IsEmptyUpdate(event.Update) {
			return
		}
		if err := store.Append(context.Background(), docId, event.Update); err != nil {
			glog.Warningf("[journal]append for %s failed: %s\n", docId, err)
		}
	})
}
