// Package ledger durably records transaction lifecycles in a cache store,
// computes rolling health metrics, classifies failures and book-keeps
// recovery actions.
//
// Every write is a best-effort side channel: a store failure is logged and
// swallowed so the business transaction the entry describes is never affected.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a logged transaction attempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is an end state. Entries only ever move
// pending -> terminal, never back.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusFailed
}

// Entry is one durable transaction log record.
type Entry struct {
	TransactionID   string            `json:"transaction_id"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
	Status          Status            `json:"status"`
	OperationType   string            `json:"operation_type"`
	OperationsCount int               `json:"operations_count"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	RollbackReason  string            `json:"rollback_reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Duration is the wall-clock time between start and end, zero while pending.
func (e Entry) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// Store is the narrow cache contract the ledger persists through: one hash
// per key, with a TTL. Implementations must be safe for concurrent use.
type Store interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

const (
	logKeyPrefix      = "txn:log:"
	recoveryKeyPrefix = "txn:recovery:"
	healthKeyPrefix   = "txn:health:"

	entryField    = "entry"
	actionField   = "action"
	snapshotField = "snapshot"
)

// Config tunes a Ledger. Zero values get defaults.
type Config struct {
	// TTL is the retention of transaction log entries. Default: 7 days.
	TTL time.Duration

	// SlowThreshold marks a transaction as slow in health metrics.
	// Default: 5 seconds.
	SlowThreshold time.Duration

	Logger *slog.Logger
}

// Ledger records transaction attempts and their outcomes.
type Ledger struct {
	store         Store
	logger        *slog.Logger
	ttl           time.Duration
	slowThreshold time.Duration

	// healthMu serializes the read-modify-write cycle on health snapshots.
	healthMu sync.Mutex
}

func New(store Store, cfg Config) *Ledger {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		store:         store,
		logger:        cfg.Logger,
		ttl:           cfg.TTL,
		slowThreshold: cfg.SlowThreshold,
	}
}

// LogTransactionStart records a pending entry for a freshly opened
// transaction. The active OTel span, if any, is stamped into the metadata.
func (l *Ledger) LogTransactionStart(ctx context.Context, txID, operationType string, metadata map[string]string) {
	md := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		md[k] = v
	}
	stampTrace(ctx, md)
	if len(md) == 0 {
		md = nil
	}
	l.put(ctx, Entry{
		TransactionID: txID,
		StartTime:     time.Now(),
		Status:        StatusPending,
		OperationType: operationType,
		Metadata:      md,
	})
}

// LogTransactionEnd moves an entry to its terminal status and feeds the
// health metrics. An entry already in a terminal state is left untouched.
func (l *Ledger) LogTransactionEnd(ctx context.Context, txID string, status Status, operationsCount int, errMsg, rollbackReason string) {
	entry, ok := l.fetch(ctx, txID)
	if !ok {
		// The start event may have been lost; synthesize so the end still lands.
		entry = Entry{TransactionID: txID, StartTime: time.Now(), Status: StatusPending}
	}
	if entry.Status.Terminal() {
		l.logger.Warn("ledger: ignoring end event for finished transaction",
			"transaction_id", txID, "status", entry.Status)
		return
	}
	now := time.Now()
	entry.EndTime = &now
	entry.Status = status
	entry.OperationsCount = operationsCount
	entry.ErrorMessage = errMsg
	entry.RollbackReason = rollbackReason
	l.put(ctx, entry)
	l.updateHealthMetrics(ctx, entry)
}

// GetEntry returns the log entry for one transaction.
func (l *Ledger) GetEntry(ctx context.Context, txID string) (Entry, bool, error) {
	raw, ok, err := l.store.HGet(ctx, logKeyPrefix+txID, entryField)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// GetRecentTransactions scans stored entries, optionally filtered by status,
// sorted by start time descending. A zero status means no filter.
func (l *Ledger) GetRecentTransactions(ctx context.Context, limit int, status Status) ([]Entry, error) {
	keys, err := l.store.Keys(ctx, logKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := l.store.HGet(ctx, key, entryField)
		if err != nil || !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			l.logger.Warn("ledger: skipping unreadable entry", "key", key, "error", err)
			continue
		}
		if status != "" && entry.Status != status {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.After(entries[j].StartTime)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// CleanupOldEntries deletes log entries started before the cutoff. Recovery
// actions are kept longer: an action is purged only once it has been executed
// and is itself past the cutoff. Returns the number of records removed.
func (l *Ledger) CleanupOldEntries(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	keys, err := l.store.Keys(ctx, logKeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		raw, ok, err := l.store.HGet(ctx, key, entryField)
		if err != nil || !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || !entry.StartTime.Before(cutoff) {
			continue
		}
		if err := l.store.Del(ctx, key); err != nil {
			l.logger.Warn("ledger: cleanup delete failed", "key", key, "error", err)
			continue
		}
		removed++
	}

	actionKeys, err := l.store.Keys(ctx, recoveryKeyPrefix+"*")
	if err != nil {
		return removed, err
	}
	for _, key := range actionKeys {
		raw, ok, err := l.store.HGet(ctx, key, actionField)
		if err != nil || !ok {
			continue
		}
		var action Action
		if err := json.Unmarshal([]byte(raw), &action); err != nil {
			continue
		}
		if action.ExecutedAt == nil || !action.ExecutedAt.Before(cutoff) {
			continue
		}
		if err := l.store.Del(ctx, key); err != nil {
			l.logger.Warn("ledger: cleanup delete failed", "key", key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (l *Ledger) put(ctx context.Context, entry Entry) {
	b, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("ledger: marshal failed", "transaction_id", entry.TransactionID, "error", err)
		return
	}
	key := logKeyPrefix + entry.TransactionID
	if err := l.store.HSet(ctx, key, entryField, string(b)); err != nil {
		l.logger.Warn("ledger: write failed", "transaction_id", entry.TransactionID, "error", err)
		return
	}
	if err := l.store.Expire(ctx, key, l.ttl); err != nil {
		l.logger.Warn("ledger: expire failed", "transaction_id", entry.TransactionID, "error", err)
	}
}

func (l *Ledger) fetch(ctx context.Context, txID string) (Entry, bool) {
	entry, ok, err := l.GetEntry(ctx, txID)
	if err != nil {
		l.logger.Warn("ledger: read failed", "transaction_id", txID, "error", err)
		return Entry{}, false
	}
	return entry, ok
}
