package txn

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tangelo-labs/go-txn/ledger"
)

// BatchProcessor handles one chunk of a bulk run.
type BatchProcessor func(ctx context.Context, tx *gorm.DB, batch []any) (any, error)

// BulkOptions configures ExecuteBulkWithBatching.
type BulkOptions struct {
	Name string

	// StopOnFirstError aborts the whole run — and rolls back every chunk —
	// on the first chunk failure.
	StopOnFirstError bool

	// PartialRollback wraps each chunk in its own savepoint. It is implied
	// whenever StopOnFirstError is false: continuing past a failed chunk
	// inside one transaction is only sound when the failed chunk's effects
	// have been rolled back to a savepoint, otherwise the store may refuse
	// the final commit.
	PartialRollback bool
}

// BatchError records one failed chunk of a continue-on-error bulk run.
type BatchError struct {
	Batch int
	Err   error
}

func (b BatchError) Error() string {
	return fmt.Sprintf("batch %d: %v", b.Batch, b.Err)
}

// ExecuteBulkWithBatching splits items into chunks of batchSize and feeds
// them to processor sequentially, in index order, inside one transaction.
// With StopOnFirstError the first chunk failure aborts and rolls back
// everything. Otherwise failed chunks are rolled back to their own savepoint
// and recorded while the remaining chunks still run and commit; the result's
// RollbackInfo lists the discarded chunks and OperationsCount counts the
// chunks that completed.
func (e *Executor) ExecuteBulkWithBatching(ctx context.Context, items []any, batchSize int, processor BatchProcessor, opts BulkOptions) *Result {
	start := time.Now()
	res := &Result{}
	if batchSize <= 0 {
		batchSize = 100
	}
	useSavepoints := !opts.StopOnFirstError || opts.PartialRollback

	var outputs []any
	var failures []BatchError
	succeeded := 0

	txCfg := TxConfig{Name: opts.Name}
	id, err := e.run(ctx, txCfg, ledger.StatusFailed, func(ctx context.Context, tx *gorm.DB) error {
		tc, _ := CurrentContext(ctx)
		for i := 0; i*batchSize < len(items); i++ {
			lo := i * batchSize
			hi := min(lo+batchSize, len(items))
			batch := items[lo:hi]

			var out any
			chunk := func(ctx context.Context, tx *gorm.DB) error {
				var err error
				out, err = processor(ctx, tx, batch)
				return err
			}

			var err error
			if useSavepoints {
				err = e.WithSavepoint(ctx, fmt.Sprintf("bulk_chunk_%d", i), chunk)
			} else {
				err = chunk(ctx, tx)
			}
			if err != nil {
				if opts.StopOnFirstError {
					return fmt.Errorf("bulk %q batch %d: %w", opts.Name, i, err)
				}
				e.logger.Warn("bulk batch failed, continuing",
					"operation", opts.Name, "batch", i, "size", len(batch), "error", err)
				failures = append(failures, BatchError{Batch: i, Err: err})
				continue
			}
			outputs = append(outputs, out)
			succeeded++
			if tc != nil {
				tc.OperationCount = succeeded
			}
		}
		return nil
	})

	res.TransactionID = id
	res.Duration = time.Since(start)
	res.OperationsCount = succeeded
	res.Data = outputs

	if err != nil {
		res.Err = err
		res.RollbackInfo = &RollbackInfo{Reason: err.Error()}
		return res
	}

	res.Success = true
	if len(failures) > 0 {
		info := &RollbackInfo{
			Reason: fmt.Sprintf("%d of %d batches rolled back to savepoint",
				len(failures), succeeded+len(failures)),
		}
		for _, f := range failures {
			info.CompensatedSteps = append(info.CompensatedSteps, fmt.Sprintf("bulk_chunk_%d", f.Batch))
			info.CompensationErrors = append(info.CompensationErrors,
				CompensationError{Step: fmt.Sprintf("bulk_chunk_%d", f.Batch), Err: f.Err})
		}
		res.RollbackInfo = info
	}
	return res
}
