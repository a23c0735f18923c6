package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/forgebuild/coordinator/internal/logger"
)

// IsRetryable reports whether err is a transient store error worth retrying
// as a whole transaction: serialization failures, deadlocks, and sqlite busy
// conditions.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// RunInTransaction runs fn inside a transaction, retrying the whole
// transaction a bounded number of times on transient store errors. A partial
// mutation never survives: every retry starts from a fresh transaction after
// the previous one rolled back.
func RunInTransaction(ctx context.Context, conn *gorm.DB, log *logger.Logger, attempts int, fn func(tx *gorm.DB) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = conn.WithContext(ctx).Transaction(fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if log != nil {
			log.Warn("Transient store error, retrying transaction", "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return err
}
