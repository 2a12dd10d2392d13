package txn

import "time"

// Result is the uniform outcome of a pattern execution.
type Result struct {
	Success bool

	// Data is the pattern's output: step outputs for sagas, committed values
	// for two-phase commits, batch outputs for bulk runs, the final version
	// for optimistic locking.
	Data any

	Err error

	// RollbackInfo is set when anything was undone: saga compensations or
	// bulk chunks rolled back to their savepoint.
	RollbackInfo *RollbackInfo

	TransactionID   string
	Duration        time.Duration
	OperationsCount int
}

// RollbackInfo describes what was undone after a failed pattern execution.
type RollbackInfo struct {
	Reason             string
	CompensatedSteps   []string
	CompensationErrors []CompensationError
}

// CompensationError records a single compensation that itself failed.
type CompensationError struct {
	Step string
	Err  error
}
