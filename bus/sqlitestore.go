package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/petal-labs/flowforge/core"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// timeLayout is fixed width so stored times compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStoreConfig configures the SQLite status message store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes messages older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many messages per execution (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists status messages to SQLite with optional
// background pruning.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set busy timeout: %w", err)
	}

	// Create schema.
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	// Start background pruner if any retention is configured.
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores a message. A repeated (execution, seq) pair is ignored.
func (s *SQLiteEventStore) Append(ctx context.Context, msg core.StatusMessage) error {
	when := msg.Time
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_messages (execution_id, seq, channel, topic, node_id, status, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, seq) DO NOTHING`,
		msg.ExecutionID,
		msg.Seq,
		msg.Channel,
		msg.Topic,
		msg.NodeID,
		string(msg.Status),
		when.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns the messages of an execution, optionally filtered by afterSeq and limit.
func (s *SQLiteEventStore) List(ctx context.Context, executionID string, afterSeq uint64, limit int) ([]core.StatusMessage, error) {
	query := `SELECT execution_id, seq, channel, topic, node_id, status, time
	           FROM status_messages WHERE execution_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{executionID, afterSeq}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// LatestSeq returns the highest Seq for an execution (0 if none).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, executionID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM status_messages WHERE execution_id = ?`, executionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is never negative
}

// ExecutionIDs returns the distinct execution ids in the store.
func (s *SQLiteEventStore) ExecutionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT execution_id FROM status_messages ORDER BY execution_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: execution ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(timeLayout)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM status_messages WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		// For each execution, keep only the most recent RetentionCount messages.
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT execution_id FROM status_messages`)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune list runs: %w", err)
		}
		var executionIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("sqlitestore: prune scan execution id: %w", err)
			}
			executionIDs = append(executionIDs, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sqlitestore: prune rows err: %w", err)
		}

		for _, executionID := range executionIDs {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM status_messages WHERE execution_id = ? AND id NOT IN (
					SELECT id FROM status_messages WHERE execution_id = ? ORDER BY seq DESC LIMIT ?
				)`, executionID, executionID, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("sqlitestore: prune by count for %s: %w", executionID, err)
			}
		}
	}

	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanMessages(rows *sql.Rows) ([]core.StatusMessage, error) {
	var messages []core.StatusMessage
	for rows.Next() {
		var (
			m       core.StatusMessage
			status  string
			timeStr string
		)
		if err := rows.Scan(&m.ExecutionID, &m.Seq, &m.Channel, &m.Topic, &m.NodeID, &status, &timeStr); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan message: %w", err)
		}
		m.Status = core.NodeStatus(status)

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		m.Time = t
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
