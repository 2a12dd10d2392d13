package txn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tangelo-labs/go-txn/ledger"
)

type widget struct {
	ID   string `gorm:"primaryKey"`
	Name string
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&widget{}))

	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	return db
}

func newTestExecutor(t *testing.T) (*Executor, *ledger.Ledger) {
	led := ledger.New(ledger.NewMemoryStore(), ledger.Config{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExecutor(setupTestDB(t), led, logger), led
}

func lastEntry(t *testing.T, led *ledger.Ledger) ledger.Entry {
	entries, err := led.GetRecentTransactions(context.Background(), 1, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func countWidgets(t *testing.T, db *gorm.DB) int64 {
	var n int64
	require.NoError(t, db.Model(&widget{}).Count(&n).Error)
	return n
}

func TestWithTransactionCommits(t *testing.T) {
	e, led := newTestExecutor(t)
	ctx := context.Background()

	err := e.WithTransaction(ctx, TxConfig{Name: "create_widget"}, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Create(&widget{ID: gofakeit.UUID(), Name: gofakeit.Name()}).Error
	})

	require.NoError(t, err)
	assert.EqualValues(t, 1, countWidgets(t, e.DB()))

	entry := lastEntry(t, led)
	assert.Equal(t, ledger.StatusCommitted, entry.Status)
	assert.Equal(t, "create_widget", entry.OperationType)
	assert.Equal(t, 1, entry.OperationsCount)
	assert.NotNil(t, entry.EndTime)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	e, led := newTestExecutor(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := e.WithTransaction(ctx, TxConfig{Name: "create_widget"}, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&widget{ID: gofakeit.UUID()}).Error; err != nil {
			return err
		}
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.EqualValues(t, 0, countWidgets(t, e.DB()))

	entry := lastEntry(t, led)
	assert.Equal(t, ledger.StatusRolledBack, entry.Status)
	assert.Equal(t, "boom", entry.ErrorMessage)
	assert.Equal(t, "boom", entry.RollbackReason)
}

func TestWithTransactionBindsScope(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	_, ok := CurrentTx(ctx)
	require.False(t, ok)

	err := e.WithTransaction(ctx, TxConfig{Name: "scoped"}, func(ctx context.Context, tx *gorm.DB) error {
		bound, ok := CurrentTx(ctx)
		require.True(t, ok)
		require.Same(t, tx, bound)

		tc, ok := CurrentContext(ctx)
		require.True(t, ok)
		require.NotEmpty(t, tc.ID)
		return nil
	})
	require.NoError(t, err)

	_, ok = CurrentTx(ctx)
	assert.False(t, ok)
}

func TestEnsureTransactionReusesOpenTransaction(t *testing.T) {
	e, led := newTestExecutor(t)
	ctx := context.Background()

	err := e.WithTransaction(ctx, TxConfig{Name: "outer"}, func(ctx context.Context, outer *gorm.DB) error {
		return e.EnsureTransaction(ctx, TxConfig{Name: "inner"}, func(ctx context.Context, inner *gorm.DB) error {
			require.Same(t, outer, inner)
			return inner.Create(&widget{ID: gofakeit.UUID()}).Error
		})
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, countWidgets(t, e.DB()))

	// One transaction, two recorded operations.
	entries, err := led.GetRecentTransactions(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "outer", entries[0].OperationType)
	assert.Equal(t, 2, entries[0].OperationsCount)
}

func TestEnsureTransactionOpensWhenNoneInScope(t *testing.T) {
	e, led := newTestExecutor(t)

	err := e.EnsureTransaction(context.Background(), TxConfig{Name: "standalone"}, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Create(&widget{ID: gofakeit.UUID()}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCommitted, lastEntry(t, led).Status)
}

func TestWithBatchTransactionAllOrNothing(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	insert := func(ctx context.Context, tx *gorm.DB) (any, error) {
		w := widget{ID: gofakeit.UUID()}
		return w.ID, tx.Create(&w).Error
	}

	results, err := e.WithBatchTransaction(ctx, TxConfig{Name: "batch"}, []BatchOp{insert, insert, insert})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.EqualValues(t, 3, countWidgets(t, e.DB()))

	failing := []BatchOp{insert, func(ctx context.Context, tx *gorm.DB) (any, error) {
		return nil, errors.New("batch failure")
	}}
	results, err = e.WithBatchTransaction(ctx, TxConfig{Name: "batch"}, failing)
	require.Error(t, err)
	assert.Nil(t, results)
	// The partial insert of the failing batch rolled back with it.
	assert.EqualValues(t, 3, countWidgets(t, e.DB()))
}

func TestTransactionCallbacks(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	committed := 0
	var rolledBack error

	cfg := TxConfig{
		Name:       "callbacks",
		OnCommit:   func() { committed++ },
		OnRollback: func(err error) { rolledBack = err },
	}

	require.NoError(t, e.WithTransaction(ctx, cfg, func(ctx context.Context, tx *gorm.DB) error {
		return nil
	}))
	assert.Equal(t, 1, committed)
	assert.Nil(t, rolledBack)

	boom := errors.New("boom")
	err := e.WithTransaction(ctx, cfg, func(ctx context.Context, tx *gorm.DB) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, rolledBack, boom)
	assert.Equal(t, 1, committed)
}

func TestCallbackPanicNeverMasksOutcome(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	boom := errors.New("boom")
	cfg := TxConfig{
		Name:       "panicky",
		OnRollback: func(err error) { panic("callback exploded") },
	}

	err := e.WithTransaction(ctx, cfg, func(ctx context.Context, tx *gorm.DB) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	cfg = TxConfig{Name: "panicky", OnCommit: func() { panic("callback exploded") }}
	require.NoError(t, e.WithTransaction(ctx, cfg, func(ctx context.Context, tx *gorm.DB) error {
		return nil
	}))
}

func TestWithTransactionWithoutLedger(t *testing.T) {
	e := NewExecutor(setupTestDB(t), nil, nil)

	err := e.WithTransaction(context.Background(), TxConfig{Name: "no_ledger"}, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Create(&widget{ID: gofakeit.UUID()}).Error
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, countWidgets(t, e.DB()))
}
