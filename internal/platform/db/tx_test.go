package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

var fastPolicy = RetryPolicy{MaxTries: 4, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func TestRetryConflictsRetriesSerializationFailures(t *testing.T) {
	calls := 0
	err := RetryConflicts(context.Background(), fastPolicy, IsConflict, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryConflictsGivesUp(t *testing.T) {
	calls := 0
	err := RetryConflicts(context.Background(), fastPolicy, IsConflict, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 4, calls)
}

func TestRetryConflictsStopsOnPermanentError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := RetryConflicts(context.Background(), fastPolicy, IsConflict, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 1, calls)
}

func TestAdvisoryKeyIsStable(t *testing.T) {
	a := AdvisoryKey("1", "2", "LOT-A")
	require.Equal(t, a, AdvisoryKey("1", "2", "LOT-A"))
	require.NotEqual(t, a, AdvisoryKey("12", "", "LOT-A"))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
}
