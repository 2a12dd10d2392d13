package txn

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tangelo-labs/go-txn/ledger"
)

// OptimisticConfig configures a version-checked update.
type OptimisticConfig struct {
	Name string

	// Retries is the total number of attempts on version conflicts.
	// Default: 3.
	Retries int

	// RetryDelay is the base backoff between attempts, scaled linearly.
	// Default: 50ms.
	RetryDelay time.Duration
}

// ExecuteWithOptimisticLocking updates one row guarded by its version column.
// Each attempt reads the current version under a row lock, invokes update,
// then bumps the version with `WHERE id = ? AND version = ?`; zero affected
// rows means a racer won and the attempt is retried against fresh state.
// Either the change lands atomically with the version bump, or the caller
// observes ErrVersionConflict after Retries attempts — never a silent lost
// update. The table must carry an integer version column; its absence fails
// fast with ErrVersionColumnMissing before update is ever invoked.
func (e *Executor) ExecuteWithOptimisticLocking(ctx context.Context, table string, recordID any, cfg OptimisticConfig, update func(ctx context.Context, tx *gorm.DB, version int64) error) *Result {
	start := time.Now()
	res := &Result{}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}

	if err := e.checkVersionColumn(ctx, table); err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		var finalVersion int64

		txCfg := TxConfig{Name: cfg.Name}
		id, err := e.run(ctx, txCfg, ledger.StatusRolledBack, func(ctx context.Context, tx *gorm.DB) error {
			var version int64
			q := tx.Table(table).Select("version").Where("id = ?", recordID).Limit(1)
			if tx.Dialector.Name() != "sqlite" {
				// sqlite serializes writers at the database level and its
				// parser rejects FOR UPDATE.
				q = q.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			read := q.Scan(&version)
			if read.Error != nil {
				return fmt.Errorf("read version of %s id %v: %w", table, recordID, read.Error)
			}
			if read.RowsAffected == 0 {
				return fmt.Errorf("optimistic lock: %s id %v not found", table, recordID)
			}

			if err := update(ctx, tx, version); err != nil {
				return err
			}

			bump := tx.Table(table).
				Where("id = ? AND version = ?", recordID, version).
				Update("version", gorm.Expr("version + 1"))
			if bump.Error != nil {
				return fmt.Errorf("bump version of %s id %v: %w", table, recordID, bump.Error)
			}
			if bump.RowsAffected == 0 {
				return fmt.Errorf("%w: %s id %v at version %d", ErrVersionConflict, table, recordID, version)
			}
			finalVersion = version + 1
			return nil
		})

		res.TransactionID = id
		if err == nil {
			res.Success = true
			res.Data = finalVersion
			res.OperationsCount = attempt
			res.Duration = time.Since(start)
			return res
		}
		lastErr = err
		if !IsVersionConflict(err) {
			break
		}
		if attempt < cfg.Retries {
			if serr := sleep(ctx, cfg.RetryDelay*time.Duration(attempt)); serr != nil {
				lastErr = serr
				break
			}
		}
	}

	res.Err = lastErr
	res.Duration = time.Since(start)
	return res
}

// checkVersionColumn enforces the version-column precondition with a probe
// query that touches no rows.
func (e *Executor) checkVersionColumn(ctx context.Context, table string) error {
	var probe []int64
	err := e.db.WithContext(ctx).Table(table).Select("version").Where("1 = 0").Scan(&probe).Error
	if err != nil {
		return fmt.Errorf("%w: %q (%v)", ErrVersionColumnMissing, table, err)
	}
	return nil
}
