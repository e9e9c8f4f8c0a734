package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/util/cliutil"
)

// Transactions which hit a conflict are retried this many times in total before failing with gatekeeper.ErrStoreUnavailable.
const MaxAttempts = 3

var errVersionConflict = errors.New("row version conflict")

// Store is the durable, authoritative state of the engine: rate windows, user infractions, and the external campaign record.
//
// Each component only depends on the narrow interface for the entity it owns; see ratelimit.WindowStore, strikes.InfractionStore and campaign.RecordStore.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the database named by dburl (see cliutil.SetupDatabase) and creates any missing tables.
func Open(dburl string, maxConnections int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := cliutil.SetupDatabase(dburl, maxConnections, logger)
	if err != nil {
		return nil, err
	}
	return New(db, logger)
}

func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&RateWindow{}, &UserInfraction{}, &CampaignRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate store tables: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With("system", "store"),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.PingContext(ctx)
}

func (s *Store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

// transact runs fn in a transaction, retrying a bounded number of times on conflicts. Any failure is reported as gatekeeper.ErrStoreUnavailable.
func (s *Store) transact(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == MaxAttempts {
			break
		}
		storeRetries.WithLabelValues(op).Inc()
		s.logger.Debug("retrying store transaction", "op", op, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			storeFailures.WithLabelValues(op).Inc()
			return fmt.Errorf("%w: %s: %w", gatekeeper.ErrStoreUnavailable, op, ctx.Err())
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	storeFailures.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", gatekeeper.ErrStoreUnavailable, op, err)
}

func retryable(err error) bool {
	if errors.Is(err, errVersionConflict) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// serialization_failure, deadlock_detected, unique_violation
		case "40001", "40P01", "23505":
			return true
		}
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// wraps errors from single-statement reads
func (s *Store) readErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gatekeeper.ErrNotFound
	}
	storeFailures.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", gatekeeper.ErrStoreUnavailable, op, err)
}
