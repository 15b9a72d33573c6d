package relay

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grovetools/collab/pkg/sessioncontext"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Snapshot is a saved document state at one lock version.
type Snapshot struct {
	WorkflowID  string
	LockVersion int
	State       []byte
	InsertedAt  time.Time
}

// SnapshotStore persists saved workflow snapshots in SQLite. Document state
// is stored zstd-compressed.
type SnapshotStore struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenSnapshots opens (or creates) the snapshot database at path. An empty
// path keeps snapshots in memory.
func OpenSnapshots(path string) (*SnapshotStore, error) {
	dsn := path
	if path == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		workflow_id  TEXT    NOT NULL,
		lock_version INTEGER NOT NULL,
		state        BLOB    NOT NULL,
		inserted_at  INTEGER NOT NULL,
		PRIMARY KEY (workflow_id, lock_version)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &SnapshotStore{db: db, enc: enc, dec: dec}, nil
}

// Save stores snap, replacing any snapshot at the same lock version.
func (s *SnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	blob := s.enc.EncodeAll(snap.State, nil)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (workflow_id, lock_version, state, inserted_at) VALUES (?, ?, ?, ?)`,
		snap.WorkflowID, snap.LockVersion, blob, snap.InsertedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot of a workflow, or nil if it was never
// saved.
func (s *SnapshotStore) Latest(ctx context.Context, workflowID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT lock_version, state, inserted_at FROM snapshots WHERE workflow_id = ? ORDER BY lock_version DESC LIMIT 1`,
		workflowID)
	return s.scan(workflowID, row)
}

// Get returns the snapshot at lockVersion, or nil if there is none.
func (s *SnapshotStore) Get(ctx context.Context, workflowID string, lockVersion int) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT lock_version, state, inserted_at FROM snapshots WHERE workflow_id = ? AND lock_version = ?`,
		workflowID, lockVersion)
	return s.scan(workflowID, row)
}

func (s *SnapshotStore) scan(workflowID string, row *sql.Row) (*Snapshot, error) {
	var (
		snap     = Snapshot{WorkflowID: workflowID}
		blob     []byte
		inserted int64
	)
	if err := row.Scan(&snap.LockVersion, &blob, &inserted); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	state, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot %s@%d: %w", workflowID, snap.LockVersion, err)
	}
	snap.State = state
	snap.InsertedAt = time.UnixMilli(inserted).UTC()
	return &snap, nil
}

// Versions lists the saved lock versions of a workflow, newest first.
func (s *SnapshotStore) Versions(ctx context.Context, workflowID string) ([]sessioncontext.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lock_version, inserted_at FROM snapshots WHERE workflow_id = ? ORDER BY lock_version DESC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("select versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []sessioncontext.Version
	for rows.Next() {
		var (
			v        sessioncontext.Version
			inserted int64
		)
		if err := rows.Scan(&v.LockVersion, &inserted); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.InsertedAt = time.UnixMilli(inserted).UTC()
		v.IsLatest = len(out) == 0
		out = append(out, v)
	}
	return out, rows.Err()
}

// Close releases the database and codecs.
func (s *SnapshotStore) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}
