// Package ledger is a small SQLite index of promoted recording segments and of the
// engine processes currently running, so a later run can reap orphans left by a crash.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapetech/framegrabber/internal/registry"
	"github.com/snapetech/framegrabber/internal/rotator"
)

const schema = `
CREATE TABLE IF NOT EXISTS segments (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id       TEXT    NOT NULL,
	output_path TEXT    NOT NULL,
	staging     TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	promoted_at INTEGER NOT NULL,
	size        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS segments_op ON segments(op_id, created_at);
CREATE TABLE IF NOT EXISTS processes (
	kind       TEXT    NOT NULL,
	pid        INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	PRIMARY KEY (kind, pid)
);
`

// Ledger wraps the database handle. Safe for concurrent use.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// SegmentRow is one promoted segment.
type SegmentRow struct {
	OpID       string
	OutputPath string
	Staging    string
	Created    time.Time
	Promoted   time.Time
	Size       int64
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between the rotator and the registry journal.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordSegment stores a promoted segment under opID.
func (l *Ledger) RecordSegment(opID string, s rotator.Segment) error {
	_, err := l.db.Exec(`INSERT INTO segments (op_id, output_path, staging, created_at, promoted_at, size) VALUES (?, ?, ?, ?, ?, ?)`,
		opID, s.OutputPath, s.StagingPath, s.Created.UnixNano(), l.now().UnixNano(), s.Size)
	return err
}

// Segments lists promoted segments oldest first; opID "" lists every operation.
func (l *Ledger) Segments(ctx context.Context, opID string) ([]SegmentRow, error) {
	q := `SELECT op_id, output_path, staging, created_at, promoted_at, size FROM segments`
	var args []any
	if opID != "" {
		q += ` WHERE op_id = ?`
		args = append(args, opID)
	}
	q += ` ORDER BY created_at, id`
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SegmentRow
	for rows.Next() {
		var r SegmentRow
		var created, promoted int64
		if err := rows.Scan(&r.OpID, &r.OutputPath, &r.Staging, &created, &promoted, &r.Size); err != nil {
			return nil, err
		}
		r.Created = time.Unix(0, created)
		r.Promoted = time.Unix(0, promoted)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordProcess implements registry.Journal.
func (l *Ledger) RecordProcess(kind string, pid int) error {
	_, err := l.db.Exec(`INSERT OR REPLACE INTO processes (kind, pid, started_at) VALUES (?, ?, ?)`,
		kind, pid, l.now().UnixNano())
	return err
}

// ForgetProcess implements registry.Journal.
func (l *Ledger) ForgetProcess(kind string, pid int) error {
	_, err := l.db.Exec(`DELETE FROM processes WHERE kind = ? AND pid = ?`, kind, pid)
	return err
}

// Processes returns the journaled process records, as left by this or a previous run.
func (l *Ledger) Processes(ctx context.Context) ([]registry.Record, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT kind, pid FROM processes ORDER BY started_at, pid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.Record
	for rows.Next() {
		var kind string
		var pid int
		if err := rows.Scan(&kind, &pid); err != nil {
			return nil, err
		}
		k, ok := registry.ParseKind(kind)
		if !ok {
			continue
		}
		out = append(out, registry.Record{Kind: k, PID: pid})
	}
	return out, rows.Err()
}
