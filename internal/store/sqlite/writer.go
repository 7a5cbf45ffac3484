// Package sqlite is the durable store of the engine: batched candle
// persistence, the administrator rule table, and the candle history used by
// the look-back warm start.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/engine.db"

	// BatchSize and FlushDelay bound candle batching: a batch commits when
	// it reaches BatchSize candles or FlushDelay elapses.
	BatchSize  int
	FlushDelay time.Duration
}

// Store wraps one SQLite database. Candle writes are batched by a single
// goroutine (Run); reads may happen concurrently.
type Store struct {
	db  *sql.DB
	cfg Config
	log *slog.Logger

	// OnCommit is called after each batch commit with its size and latency (optional).
	OnCommit func(n int, d time.Duration)
}

// Open opens (or creates) the database in WAL mode and ensures the schema.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Single connection: SQLite allows one writer at a time anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log = logger.Component(log, "sqlite")
	log.Info("opened database", slog.String("path", cfg.DBPath))
	return &Store{db: db, cfg: cfg, log: log}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			instrument   TEXT    NOT NULL,
			interval_s   INTEGER NOT NULL,
			bucket_start INTEGER NOT NULL,
			open         TEXT    NOT NULL,
			high         TEXT    NOT NULL,
			low          TEXT    NOT NULL,
			close        TEXT    NOT NULL,
			volume       TEXT    NOT NULL,
			ticks        INTEGER NOT NULL DEFAULT 0,
			is_synthetic INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instrument, interval_s, bucket_start)
		);

		CREATE TABLE IF NOT EXISTS intervention_rules (
			id          TEXT    PRIMARY KEY,
			instrument  TEXT    NOT NULL,
			start_tod   TEXT    NOT NULL,
			end_tod     TEXT    NOT NULL,
			min_price   TEXT    NOT NULL,
			max_price   TEXT    NOT NULL,
			trend       TEXT    NOT NULL,
			priority    INTEGER NOT NULL DEFAULT 0,
			enabled     INTEGER NOT NULL DEFAULT 1,
			created_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rules_instrument ON intervention_rules (instrument, enabled);
	`)
	return err
}

// Run reads candles from candleCh and inserts them in batched transactions.
// Flushes every BatchSize candles or every FlushDelay, whichever first.
// Blocks until ctx is cancelled or candleCh is closed; pending candles are
// committed before returning.
func (s *Store) Run(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, s.cfg.BatchSize)
	timer := time.NewTimer(s.cfg.FlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.InsertCandles(batch); err != nil {
			s.log.Error("batch insert failed", slog.Int("candles", len(batch)), slog.String("error", err.Error()))
		} else {
			s.log.Debug("committed candles", slog.Int("candles", len(batch)), slog.Duration("took", time.Since(start)))
			if s.OnCommit != nil {
				s.OnCommit(len(batch), time.Since(start))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case candle, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, candle)
			if len(batch) >= s.cfg.BatchSize {
				flush()
				timer.Reset(s.cfg.FlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(s.cfg.FlushDelay)
		}
	}
}

// InsertCandles upserts candles in a single transaction.
func (s *Store) InsertCandles(candles []model.Candle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles
			(instrument, interval_s, bucket_start, open, high, low, close, volume, ticks, is_synthetic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.Exec(
			c.Instrument, int64(c.Interval/time.Second), c.BucketStart.Unix(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
			c.Ticks, boolInt(c.IsSynthetic),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert candle %s %s: %w", c.Instrument, c.BucketStart.Format(time.RFC3339), err)
		}
	}

	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
