// Package journal keeps a small SQLite history of connection outcomes so
// that status can show when each registration last succeeded or failed,
// even while the daemon is not running.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the journal file does not exist yet
var ErrNotFound = errors.New("journal not found")

// DefaultKeep is how many events Prune retains per registration
const DefaultKeep = 100

// Kind is the connection type an event belongs to
type Kind string

const (
	KindPush Kind = "push"
	KindPull Kind = "pull"
)

// Event is one finished push cycle or pull connection
type Event struct {
	ID             string
	RegistrationID string
	Kind           Kind
	Success        bool
	Detail         string // error text or outcome name
	Bytes          int64
	At             time.Time
}

// Outcome summarises the newest success and failure of a registration
type Outcome struct {
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastBytes   int64      `json:"last_bytes,omitempty"`
}

// Journal is a handle on the journal database
type Journal struct {
	db       *sql.DB
	readOnly bool
	logger   *slog.Logger
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	j := &Journal{db: db, logger: slog.Default().With("component", "journal")}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return j, nil
}

// OpenReadOnly opens an existing journal for queries only. It returns
// ErrNotFound when the file is absent and never creates it.
func OpenReadOnly(path string) (*Journal, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{db: db, readOnly: true, logger: slog.Default().With("component", "journal")}, nil
}

func (j *Journal) createSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS events (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			registration_id TEXT NOT NULL,
			kind            TEXT NOT NULL,
			success         INTEGER NOT NULL,
			detail          TEXT NOT NULL DEFAULT '',
			bytes           INTEGER NOT NULL DEFAULT 0,
			at              TEXT NOT NULL,

			CHECK (kind IN ('push', 'pull'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_registration
			ON events(registration_id, success, seq);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Close releases the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an event. ID and At are filled in when empty.
func (j *Journal) Record(ctx context.Context, e Event) error {
	if j.readOnly {
		return errors.New("journal opened read-only")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (id, registration_id, kind, success, detail, bytes, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RegistrationID, string(e.Kind), e.Success, e.Detail, e.Bytes,
		e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// Latest returns the newest success and failure per registration
func (j *Journal) Latest(ctx context.Context) (map[string]Outcome, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT e.registration_id, e.success, e.detail, e.bytes, e.at
		FROM events e
		JOIN (
			SELECT MAX(seq) AS seq FROM events GROUP BY registration_id, success
		) latest ON latest.seq = e.seq`)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Outcome)
	for rows.Next() {
		var (
			id      string
			success bool
			detail  string
			bytes   int64
			atText  string
		)
		if err := rows.Scan(&id, &success, &detail, &bytes, &atText); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, atText)
		if err != nil {
			return nil, fmt.Errorf("parsing event time %q: %w", atText, err)
		}
		o := out[id]
		if success {
			o.LastSuccess = &at
			o.LastBytes = bytes
		} else {
			o.LastFailure = &at
			o.LastError = detail
		}
		out[id] = o
	}
	return out, rows.Err()
}

// Prune keeps only the newest keep events per registration and returns the
// number of rows removed
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM events WHERE seq IN (
			SELECT seq FROM (
				SELECT seq, ROW_NUMBER() OVER (PARTITION BY registration_id ORDER BY seq DESC) AS rn
				FROM events
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Debug("pruned journal", "rows", n)
	}
	return n, nil
}

// Forget drops every event of a removed registration
func (j *Journal) Forget(ctx context.Context, registrationID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE registration_id = ?`, registrationID); err != nil {
		return fmt.Errorf("forgetting %s: %w", registrationID, err)
	}
	return nil
}
