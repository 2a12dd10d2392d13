package txn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tangelo-labs/go-txn/ledger"
)

// PrepareOp is a phase-one operation: validation, locking, data gathering.
type PrepareOp func(ctx context.Context, tx *gorm.DB) (any, error)

// CommitOp is a phase-two operation. It receives the outputs of every
// prepare operation, in prepare order.
type CommitOp func(ctx context.Context, tx *gorm.DB, prepared []any) (any, error)

// TwoPhaseConfig configures one two-phase execution.
type TwoPhaseConfig struct {
	Name string
}

// ExecuteTwoPhaseCommit runs every prepare operation first; only if all of
// them succeed do the commit operations run, each receiving the full slice of
// prepared results. The whole sequence is one physical transaction forced to
// SERIALIZABLE isolation ("two-phase" is a sequencing discipline here, not a
// distributed-commit protocol), so any failure in either phase aborts
// everything.
func (e *Executor) ExecuteTwoPhaseCommit(ctx context.Context, prepare []PrepareOp, commit []CommitOp, cfg TwoPhaseConfig) *Result {
	start := time.Now()
	res := &Result{}

	var committed []any
	ops := 0

	txCfg := TxConfig{Name: cfg.Name, Isolation: sql.LevelSerializable}
	id, err := e.run(ctx, txCfg, ledger.StatusFailed, func(ctx context.Context, tx *gorm.DB) error {
		tc, _ := CurrentContext(ctx)

		prepared := make([]any, 0, len(prepare))
		for i, p := range prepare {
			out, err := p(ctx, tx)
			if err != nil {
				return fmt.Errorf("two-phase %q prepare %d: %w", cfg.Name, i, err)
			}
			prepared = append(prepared, out)
			ops++
			if tc != nil {
				tc.OperationCount = ops
			}
		}

		for i, c := range commit {
			out, err := c(ctx, tx, prepared)
			if err != nil {
				return fmt.Errorf("two-phase %q commit %d: %w", cfg.Name, i, err)
			}
			committed = append(committed, out)
			ops++
			if tc != nil {
				tc.OperationCount = ops
			}
		}
		return nil
	})

	res.TransactionID = id
	res.Duration = time.Since(start)
	res.OperationsCount = ops
	if err != nil {
		res.Err = err
		res.RollbackInfo = &RollbackInfo{Reason: err.Error()}
		return res
	}
	res.Success = true
	res.Data = committed
	return res
}
