package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionType classifies how a failed transaction should be repaired.
type ActionType string

const (
	ActionCompensate ActionType = "compensate"
	ActionRetry      ActionType = "retry"
	ActionManualFix  ActionType = "manual_fix"
)

// Action is a durable recovery task attached to a failed transaction.
// Once ExecutedAt is set, Success is set with it; re-executing overwrites
// the recorded outcome with the latest attempt.
type Action struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	Type          ActionType `json:"type"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"created_at"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	Success       *bool      `json:"success,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// ErrActionNotFound is returned when executing an unknown recovery action.
var ErrActionNotFound = errors.New("ledger: recovery action not found")

// CreateRecoveryAction records a new recovery task and returns its id.
// Actions carry no TTL; CleanupOldEntries purges them once executed and old.
func (l *Ledger) CreateRecoveryAction(ctx context.Context, txID string, typ ActionType, description string) (string, error) {
	action := Action{
		ID:            uuid.NewString(),
		TransactionID: txID,
		Type:          typ,
		Description:   description,
		CreatedAt:     time.Now(),
	}
	if err := l.saveAction(ctx, action); err != nil {
		return "", err
	}
	return action.ID, nil
}

// GetRecoveryAction returns one recovery action by id.
func (l *Ledger) GetRecoveryAction(ctx context.Context, id string) (Action, error) {
	raw, ok, err := l.store.HGet(ctx, recoveryKeyPrefix+id, actionField)
	if err != nil {
		return Action{}, err
	}
	if !ok {
		return Action{}, ErrActionNotFound
	}
	var action Action
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		return Action{}, err
	}
	return action, nil
}

// ExecuteRecoveryAction runs the caller-supplied executor and records the
// outcome on the action. The ledger never knows how to recover; it only
// book-keeps the attempt. The executor's error is returned as-is.
func (l *Ledger) ExecuteRecoveryAction(ctx context.Context, id string, executor func(ctx context.Context, action Action) error) error {
	action, err := l.GetRecoveryAction(ctx, id)
	if err != nil {
		return err
	}

	execErr := executor(ctx, action)

	now := time.Now()
	ok := execErr == nil
	action.ExecutedAt = &now
	action.Success = &ok
	if execErr != nil {
		action.Error = execErr.Error()
	} else {
		action.Error = ""
	}
	if err := l.saveAction(ctx, action); err != nil {
		l.logger.Warn("ledger: recording recovery outcome failed", "action_id", id, "error", err)
	}
	return execErr
}

// Failure classification lists, matched as substrings against the
// lower-cased error message. Order matters: deadlocks and connection
// failures are claimed before the generic transient bucket.
var (
	deadlockPatterns   = []string{"deadlock"}
	connectionPatterns = []string{"connection refused", "connection reset", "connection closed", "broken pipe"}
	transientPatterns  = []string{"timeout", "timed out", "network", "temporary", "temporarily"}
)

// AttemptAutomaticRecovery classifies a failed entry and reports whether the
// situation is resolved without human action.
func (l *Ledger) AttemptAutomaticRecovery(ctx context.Context, entry Entry) bool {
	msg := strings.ToLower(entry.ErrorMessage)
	switch {
	case matchesAny(msg, deadlockPatterns):
		// The executor's retry loop already re-ran deadlocked transactions.
		l.logger.Info("ledger: deadlock handled by transaction retry",
			"transaction_id", entry.TransactionID)
		return true

	case matchesAny(msg, connectionPatterns):
		if _, err := l.CreateRecoveryAction(ctx, entry.TransactionID, ActionRetry,
			"connection failure, flagged for review: "+entry.ErrorMessage); err != nil {
			l.logger.Warn("ledger: creating recovery action failed",
				"transaction_id", entry.TransactionID, "error", err)
		}
		return false

	case matchesAny(msg, transientPatterns):
		if _, err := l.CreateRecoveryAction(ctx, entry.TransactionID, ActionRetry,
			"transient failure, retry recommended: "+entry.ErrorMessage); err != nil {
			l.logger.Warn("ledger: creating recovery action failed",
				"transaction_id", entry.TransactionID, "error", err)
		}
		return true

	default:
		if _, err := l.CreateRecoveryAction(ctx, entry.TransactionID, ActionManualFix,
			"unclassified failure: "+entry.ErrorMessage); err != nil {
			l.logger.Warn("ledger: creating recovery action failed",
				"transaction_id", entry.TransactionID, "error", err)
		}
		return false
	}
}

func (l *Ledger) saveAction(ctx context.Context, action Action) error {
	b, err := json.Marshal(action)
	if err != nil {
		return err
	}
	return l.store.HSet(ctx, recoveryKeyPrefix+action.ID, actionField, string(b))
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
