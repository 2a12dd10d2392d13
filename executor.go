// Package txn implements the transaction coordination layer of the feedback
// platform: a context-propagated transaction executor over a relational store
// plus saga, two-phase-commit, circuit-breaker, optimistic-locking and bulk
// batching primitives built on it. Every attempt is reported to the recovery
// ledger as a best-effort side channel.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"

	"gorm.io/gorm"

	"github.com/tangelo-labs/go-txn/ledger"
)

// Operation is a unit of work executed against an open transaction.
type Operation func(ctx context.Context, tx *gorm.DB) error

// BatchOp is an operation producing a value, used by WithBatchTransaction.
type BatchOp func(ctx context.Context, tx *gorm.DB) (any, error)

// TxConfig configures one transaction attempt.
type TxConfig struct {
	// Name is the human-readable operation type used for ledger correlation.
	Name string

	// Isolation selects the isolation level; sql.LevelDefault leaves the
	// store's default in place.
	Isolation sql.IsolationLevel

	// OnCommit runs after a successful commit. Its own panic is logged and
	// never surfaces.
	OnCommit func()

	// OnRollback runs after a rollback with the error that caused it. Its
	// own panic is logged and never masks that error.
	OnRollback func(err error)
}

// Executor is the sole component that opens transactions on the relational
// store. It binds each transaction into the call-chain context and reports
// start/end events to the recovery ledger.
type Executor struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	logger   *slog.Logger
	breakers BreakerStore
}

// NewExecutor wires an executor to the relational store. led and logger may
// be nil; a nil ledger disables lifecycle logging, a nil logger falls back to
// slog.Default().
func NewExecutor(db *gorm.DB, led *ledger.Ledger, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		db:       db,
		ledger:   led,
		logger:   logger,
		breakers: NewMemoryBreakerStore(),
	}
}

// DB exposes the underlying handle for collaborators that need to run
// outside any transaction, such as saga compensations.
func (e *Executor) DB() *gorm.DB {
	return e.db
}

// WithTransaction opens a new transaction, binds it into the context, runs
// op, commits on success and rolls back on failure. The error from op is
// always the one returned; callback failures never mask it.
func (e *Executor) WithTransaction(ctx context.Context, cfg TxConfig, op Operation) error {
	_, err := e.run(ctx, cfg, ledger.StatusRolledBack, op)
	return err
}

// EnsureTransaction reuses the transaction already open in the current scope,
// incrementing its operation count, or opens a new one when there is none.
// This is what lets nested business calls compose without sub-transactions.
func (e *Executor) EnsureTransaction(ctx context.Context, cfg TxConfig, op Operation) error {
	if tx, ok := CurrentTx(ctx); ok {
		if tc, ok := CurrentContext(ctx); ok {
			tc.OperationCount++
		}
		return op(ctx, tx)
	}
	return e.WithTransaction(ctx, cfg, op)
}

// WithBatchTransaction runs ops sequentially inside one transaction,
// all-or-nothing: the first failure rolls back everything.
func (e *Executor) WithBatchTransaction(ctx context.Context, cfg TxConfig, ops []BatchOp) ([]any, error) {
	results := make([]any, 0, len(ops))
	err := e.WithTransaction(ctx, cfg, func(ctx context.Context, tx *gorm.DB) error {
		tc, _ := CurrentContext(ctx)
		for i, op := range ops {
			out, err := op(ctx, tx)
			if err != nil {
				return fmt.Errorf("batch operation %d of %q: %w", i, cfg.Name, err)
			}
			results = append(results, out)
			if tc != nil {
				tc.OperationCount = i + 1
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// run is the single transaction lifecycle shared by WithTransaction and the
// pattern primitives. failStatus is the terminal ledger status recorded when
// op fails: plain transactions roll back, pattern failures are failed.
// The returned string is the transaction id, set even on failure.
func (e *Executor) run(ctx context.Context, cfg TxConfig, failStatus ledger.Status, op Operation) (string, error) {
	tc := newTxContext(ctx)
	e.ledgerStart(ctx, tc, cfg.Name)

	begin := e.db.WithContext(ctx)
	var tx *gorm.DB
	if cfg.Isolation != sql.LevelDefault {
		tx = begin.Begin(&sql.TxOptions{Isolation: cfg.Isolation})
	} else {
		tx = begin.Begin()
	}
	if tx.Error != nil {
		err := fmt.Errorf("begin transaction %q: %w", cfg.Name, tx.Error)
		e.ledgerEnd(ctx, tc, ledger.StatusFailed, err, "")
		return tc.ID, err
	}

	ctx = bind(ctx, tx, tc)

	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback().Error; rbErr != nil {
				e.logger.Error("rollback after panic failed",
					"transaction_id", tc.ID, "error", rbErr)
			}
			panic(r)
		}
	}()

	if err := op(ctx, tx); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			e.logger.Error("rollback failed", "transaction_id", tc.ID,
				"operation", cfg.Name, "error", rbErr)
		}
		e.callback(tc, cfg.OnRollback, err)
		e.ledgerEnd(ctx, tc, failStatus, err, err.Error())
		return tc.ID, err
	}

	if err := tx.Commit().Error; err != nil {
		err = fmt.Errorf("commit transaction %q: %w", cfg.Name, err)
		e.callback(tc, cfg.OnRollback, err)
		e.ledgerEnd(ctx, tc, ledger.StatusFailed, err, "")
		return tc.ID, err
	}

	if cfg.OnCommit != nil {
		e.callback(tc, func(error) { cfg.OnCommit() }, nil)
	}
	e.ledgerEnd(ctx, tc, ledger.StatusCommitted, nil, "")
	return tc.ID, nil
}

// callback invokes a user callback, containing its panic so it can never
// mask the transaction outcome.
func (e *Executor) callback(tc *TxContext, fn func(error), err error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("transaction callback panicked",
				"transaction_id", tc.ID, "panic", r)
		}
	}()
	fn(err)
}

func (e *Executor) ledgerStart(ctx context.Context, tc *TxContext, operationType string) {
	if e.ledger == nil {
		return
	}
	e.ledger.LogTransactionStart(ctx, tc.ID, operationType, tc.ledgerMetadata())
}

func (e *Executor) ledgerEnd(ctx context.Context, tc *TxContext, status ledger.Status, err error, rollbackReason string) {
	if e.ledger == nil {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if status != ledger.StatusRolledBack {
		rollbackReason = ""
	}
	e.ledger.LogTransactionEnd(ctx, tc.ID, status, tc.OperationCount, errMsg, rollbackReason)
}

func (tc *TxContext) ledgerMetadata() map[string]string {
	md := make(map[string]string, len(tc.Extra)+3)
	for k, v := range tc.Extra {
		md[k] = v
	}
	if tc.UserID != "" {
		md["user_id"] = tc.UserID
	}
	if tc.OrganizationID != "" {
		md["organization_id"] = tc.OrganizationID
	}
	if tc.RequestID != "" {
		md["request_id"] = tc.RequestID
	}
	return md
}

// randString generates a random identifier suffix of length n.
func randString(n int) string {
	var letters = []rune("abcdefghijklmnopqrstuvwxyz")
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
