package txn

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// WithSavepoint runs op inside a named savepoint on the transaction already
// open in the current scope, so a failing sub-step discards only its own
// effects while prior work in the transaction survives. Fails with
// ErrNoTransaction when no transaction is open. On failure the original
// error is always re-raised; a secondary rollback-to-savepoint failure is
// logged, never swallowed into it.
func (e *Executor) WithSavepoint(ctx context.Context, name string, op Operation) error {
	tx, ok := CurrentTx(ctx)
	if !ok {
		return ErrNoTransaction
	}
	if name == "" {
		name = "sp_" + randString(8)
	}

	if err := tx.SavePoint(name).Error; err != nil {
		return fmt.Errorf("create savepoint %q: %w", name, err)
	}

	if err := op(ctx, tx); err != nil {
		if rbErr := tx.RollbackTo(name).Error; rbErr != nil {
			e.logger.Error("rollback to savepoint failed",
				"savepoint", name, "error", rbErr)
			return err
		}
		if relErr := releaseSavepoint(tx, name); relErr != nil {
			e.logger.Warn("release savepoint failed",
				"savepoint", name, "error", relErr)
		}
		return err
	}

	if err := releaseSavepoint(tx, name); err != nil {
		return fmt.Errorf("release savepoint %q: %w", name, err)
	}
	return nil
}

// releaseSavepoint drops a savepoint without rolling it back. gorm exposes
// SAVEPOINT and ROLLBACK TO but not RELEASE, so this goes through Exec.
func releaseSavepoint(tx *gorm.DB, name string) error {
	return tx.Exec("RELEASE SAVEPOINT " + name).Error
}
