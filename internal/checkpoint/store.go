package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT    NOT NULL,
	replicate  INTEGER NOT NULL,
	epoch      INTEGER NOT NULL,
	clock      REAL    NOT NULL,
	model      TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, replicate, epoch)
)`

// Store keeps checkpoints in a SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the checkpoint database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes cp, replacing any checkpoint of the same run, replicate and
// epoch.
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(cp.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	payload, err := cp.Encode()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints (run_id, replicate, epoch, clock, model, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, replicate, epoch) DO UPDATE SET
	clock = excluded.clock,
	model = excluded.model,
	payload = excluded.payload,
	created_at = excluded.created_at
`,
		cp.RunID,
		int64(cp.Replicate),
		cp.Epoch,
		cp.Clock,
		cp.Model,
		payload,
		s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Latest returns the checkpoint with the highest epoch for a run replicate.
func (s *Store) Latest(ctx context.Context, runID string, replicate uint64) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT payload FROM checkpoints
WHERE run_id = ? AND replicate = ?
ORDER BY epoch DESC
LIMIT 1
`, runID, int64(replicate))

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, fmt.Errorf("%w: run %s replicate %d", ErrNotFound, runID, replicate)
		}
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return Decode(payload)
}

// Load returns the checkpoint taken at a given epoch.
func (s *Store) Load(ctx context.Context, runID string, replicate uint64, epoch int) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT payload FROM checkpoints
WHERE run_id = ? AND replicate = ? AND epoch = ?
`, runID, int64(replicate), epoch)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, fmt.Errorf("%w: run %s replicate %d epoch %d", ErrNotFound, runID, replicate, epoch)
		}
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return Decode(payload)
}

// Entry summarizes a stored checkpoint.
type Entry struct {
	RunID     string
	Replicate uint64
	Epoch     int
	Clock     float64
	Model     string
	CreatedAt time.Time
}

// List returns the checkpoints of a run, oldest first. An empty run id
// lists every run.
func (s *Store) List(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, replicate, epoch, clock, model, created_at
FROM checkpoints
WHERE ? = '' OR run_id = ?
ORDER BY run_id, replicate, epoch
`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			rep     int64
			created int64
		)
		if err := rows.Scan(&e.RunID, &rep, &e.Epoch, &e.Clock, &e.Model, &created); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		e.Replicate = uint64(rep)
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}
