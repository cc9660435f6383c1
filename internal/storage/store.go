package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/metrics"
	"chatgate/internal/models"
	"chatgate/internal/worker"
)

// MessageStore is the append-only log of chat turns. Each row holds one
// encoded turn. All statements run as jobs on a private dispatcher against a
// single connection, so they execute in submission order.
type MessageStore struct {
	db     *sql.DB
	driver string
	jobs   *worker.Dispatcher

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

type Option func(*MessageStore)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *MessageStore) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *MessageStore) { s.logger = l }
}

// OpenMessageStore opens the database, creates the schema if needed and starts
// the store's workers. Every failure wraps ErrStorageUnavailable.
func OpenMessageStore(ctx context.Context, dbCfg config.DatabaseConfig, poolCfg worker.DispatcherConfig, opts ...Option) (*MessageStore, error) {
	db, err := Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if err := Migrate(ctx, db, dbCfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	s := &MessageStore{
		db:     db,
		driver: dbCfg.Driver,
		jobs:   worker.NewDispatcher(poolCfg),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ReadAll returns every stored turn in insertion order. Rows that fail to
// decode are skipped; they are reported through a joined error of
// *MalformedRecordError values while the remaining history is still returned.
func (s *MessageStore) ReadAll(ctx context.Context) (models.History, error) {
	history := models.History{}
	var malformed []error

	err := s.do(ctx, "read_all", func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, payload FROM turns ORDER BY id`)
		if err != nil {
			return fmt.Errorf("%w: query turns: %w", ErrStorageRead, err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id      int64
				payload []byte
			)
			if err := rows.Scan(&id, &payload); err != nil {
				return fmt.Errorf("%w: scan turn: %w", ErrStorageRead, err)
			}
			records, err := models.DecodeTurn(payload)
			if err != nil {
				malformed = append(malformed, &MalformedRecordError{RowID: id, Err: err})
				continue
			}
			history = append(history, records...)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: iterate turns: %w", ErrStorageRead, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(malformed) > 0 {
		s.metrics.MalformedRecords(len(malformed))
		s.logger.Warn("skipped malformed history rows", "count", len(malformed))
		return history, errors.Join(malformed...)
	}
	return history, nil
}

// Append stores one encoded turn. The insert runs in its own transaction, so
// a failed append leaves the log untouched.
func (s *MessageStore) Append(ctx context.Context, payload []byte) error {
	return s.do(ctx, "append", func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin: %w", ErrStorageWrite, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO turns (payload, created_at) VALUES (?, ?)`, payload, s.now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: insert turn: %w", ErrStorageWrite, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit: %w", ErrStorageWrite, err)
		}
		return nil
	})
}

// Clear deletes every stored turn.
func (s *MessageStore) Clear(ctx context.Context) error {
	return s.do(ctx, "clear", func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM turns`); err != nil {
			return fmt.Errorf("%w: clear turns: %w", ErrStorageWrite, err)
		}
		return nil
	})
}

// Close waits for in-flight operations, stops the workers and closes the
// connection. Calling it again returns ErrStoreClosed.
func (s *MessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	s.jobs.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *MessageStore) do(ctx context.Context, op string, fn func(context.Context, *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	start := time.Now()
	err := s.jobs.Do(ctx, func(ctx context.Context) error {
		return fn(ctx, s.db)
	})
	if errors.Is(err, worker.ErrDispatcherClosed) {
		err = ErrStoreClosed
	}
	s.metrics.ObserveStore(op, start, err)
	live, idle := s.jobs.Workers()
	s.metrics.StorePool(s.jobs.Pending(), live, idle)
	return err
}
