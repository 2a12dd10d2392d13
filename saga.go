package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tangelo-labs/go-txn/ledger"
)

// SagaStep pairs a forward action with the compensation used to undo it when
// a later step fails. Execute runs inside the saga's transaction; Compensate
// runs after that transaction has rolled back, against the base connection,
// and receives the value Execute produced. Compensate may be nil when the
// step has nothing to undo and should be idempotent otherwise.
type SagaStep struct {
	Name       string
	Execute    func(ctx context.Context, tx *gorm.DB) (any, error)
	Compensate func(ctx context.Context, data any) error
}

// SagaConfig configures one saga execution.
type SagaConfig struct {
	Name      string
	Isolation sql.IsolationLevel
}

var errSagaStepInvalid = errors.New("txn: saga step has no execute func")

// ExecuteSaga runs steps strictly in order inside one transaction. On step k
// failing, compensations for steps 1..k-1 run in reverse order, best-effort:
// a compensation's own failure is captured and never stops the remaining
// compensations. The result's error wraps the failing step's name.
func (e *Executor) ExecuteSaga(ctx context.Context, steps []SagaStep, cfg SagaConfig) *Result {
	start := time.Now()
	res := &Result{}

	for _, step := range steps {
		if step.Execute == nil {
			res.Err = fmt.Errorf("%w: %q", errSagaStepInvalid, step.Name)
			res.Duration = time.Since(start)
			return res
		}
	}

	type completed struct {
		step SagaStep
		data any
	}
	var done []completed
	var outputs []any

	txCfg := TxConfig{Name: cfg.Name, Isolation: cfg.Isolation}
	id, err := e.run(ctx, txCfg, ledger.StatusFailed, func(ctx context.Context, tx *gorm.DB) error {
		tc, _ := CurrentContext(ctx)
		for _, step := range steps {
			out, err := step.Execute(ctx, tx)
			if err != nil {
				return fmt.Errorf("saga %q step %q: %w", cfg.Name, step.Name, err)
			}
			done = append(done, completed{step: step, data: out})
			outputs = append(outputs, out)
			if tc != nil {
				tc.OperationCount = len(done)
			}
		}
		return nil
	})

	res.TransactionID = id
	res.OperationsCount = len(done)
	if err == nil {
		res.Success = true
		res.Data = outputs
		res.Duration = time.Since(start)
		return res
	}

	res.Err = err
	res.RollbackInfo = &RollbackInfo{Reason: err.Error()}
	for i := len(done) - 1; i >= 0; i-- {
		c := done[i]
		if c.step.Compensate == nil {
			continue
		}
		if cerr := c.step.Compensate(ctx, c.data); cerr != nil {
			e.logger.Error("saga compensation failed",
				"saga", cfg.Name, "step", c.step.Name, "error", cerr)
			res.RollbackInfo.CompensationErrors = append(res.RollbackInfo.CompensationErrors,
				CompensationError{Step: c.step.Name, Err: cerr})
			continue
		}
		res.RollbackInfo.CompensatedSteps = append(res.RollbackInfo.CompensatedSteps, c.step.Name)
	}
	res.Duration = time.Since(start)
	return res
}
