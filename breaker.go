package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tangelo-labs/go-txn/ledger"
)

// BreakerState is the persisted state of one named circuit.
type BreakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Open        bool      `json:"open"`
}

// BreakerStore holds circuit state by name. The in-memory implementation is
// process-local; use the redis-backed one when breakers must be shared
// across instances.
type BreakerStore interface {
	Get(ctx context.Context, name string) (BreakerState, error)
	Set(ctx context.Context, name string, state BreakerState) error
}

// BreakerConfig configures one circuit-gated execution.
type BreakerConfig struct {
	CircuitName string

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit rejects calls before a
	// single probe is let through. Default: 60s.
	RecoveryTimeout time.Duration

	// Store overrides the executor's default in-memory breaker store.
	Store BreakerStore

	Tx TxConfig
}

// ExecuteWithCircuitBreaker gates a transaction behind the named circuit.
// While the circuit is open and within RecoveryTimeout of the last failure,
// the call is rejected with ErrCircuitOpen before the database is touched.
// Once the timeout elapses one probe is allowed through; its success resets
// the failure count and closes the circuit.
func (e *Executor) ExecuteWithCircuitBreaker(ctx context.Context, cfg BreakerConfig, op Operation) *Result {
	start := time.Now()
	res := &Result{}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	store := cfg.Store
	if store == nil {
		store = e.breakers
	}

	state, err := store.Get(ctx, cfg.CircuitName)
	if err != nil {
		// An unreadable breaker store must not block business traffic.
		e.logger.Warn("breaker store read failed, treating circuit as closed",
			"circuit", cfg.CircuitName, "error", err)
		state = BreakerState{}
	}
	if state.Open && time.Since(state.LastFailure) < cfg.RecoveryTimeout {
		res.Err = fmt.Errorf("%w: circuit %q rejecting calls", ErrCircuitOpen, cfg.CircuitName)
		res.Duration = time.Since(start)
		return res
	}

	id, opErr := e.run(ctx, cfg.Tx, ledger.StatusFailed, op)
	res.TransactionID = id
	res.OperationsCount = 1
	res.Duration = time.Since(start)

	if opErr != nil {
		state.Failures++
		state.LastFailure = time.Now()
		state.Open = state.Failures >= cfg.FailureThreshold
		if err := store.Set(ctx, cfg.CircuitName, state); err != nil {
			e.logger.Warn("breaker store write failed",
				"circuit", cfg.CircuitName, "error", err)
		}
		res.Err = opErr
		return res
	}

	if state.Failures != 0 || state.Open {
		if err := store.Set(ctx, cfg.CircuitName, BreakerState{}); err != nil {
			e.logger.Warn("breaker store write failed",
				"circuit", cfg.CircuitName, "error", err)
		}
	}
	res.Success = true
	return res
}

// NewMemoryBreakerStore returns the process-local default BreakerStore.
func NewMemoryBreakerStore() BreakerStore {
	return &memoryBreakerStore{states: make(map[string]BreakerState)}
}

type memoryBreakerStore struct {
	mu     sync.Mutex
	states map[string]BreakerState
}

func (s *memoryBreakerStore) Get(_ context.Context, name string) (BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name], nil
}

func (s *memoryBreakerStore) Set(_ context.Context, name string, state BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
	return nil
}
