package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Window identifies one of the three overlapping health aggregation windows.
type Window string

const (
	WindowHour Window = "hour"
	WindowDay  Window = "day"
	WindowWeek Window = "week"
)

func (w Window) duration() time.Duration {
	switch w {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// bucket truncates t to the window's bucket boundary.
func (w Window) bucket(t time.Time) time.Time {
	return t.UTC().Truncate(w.duration())
}

const maxCommonFailures = 10

// HealthSnapshot aggregates transaction outcomes for one window bucket.
// Counts only ever grow within a bucket.
type HealthSnapshot struct {
	Window                 Window         `json:"window"`
	WindowStart            time.Time      `json:"window_start"`
	TotalTransactions      int            `json:"total_transactions"`
	SuccessfulTransactions int            `json:"successful_transactions"`
	FailedTransactions     int            `json:"failed_transactions"`
	RolledBackTransactions int            `json:"rolled_back_transactions"`
	AverageDuration        time.Duration  `json:"average_duration"`
	SlowTransactions       int            `json:"slow_transactions"`
	ErrorRate              float64        `json:"error_rate"`
	CommonFailures         map[string]int `json:"common_failures,omitempty"`
}

// updateHealthMetrics folds a finished entry into the hour, day and week
// snapshots. Best-effort like every other ledger write.
func (l *Ledger) updateHealthMetrics(ctx context.Context, entry Entry) {
	if entry.EndTime == nil {
		return
	}
	l.healthMu.Lock()
	defer l.healthMu.Unlock()

	duration := entry.Duration()
	for _, w := range []Window{WindowHour, WindowDay, WindowWeek} {
		snap, err := l.loadSnapshot(ctx, w, *entry.EndTime)
		if err != nil {
			l.logger.Warn("ledger: health read failed", "window", w, "error", err)
			continue
		}

		snap.TotalTransactions++
		switch entry.Status {
		case StatusCommitted:
			snap.SuccessfulTransactions++
		case StatusFailed:
			snap.FailedTransactions++
		case StatusRolledBack:
			snap.RolledBackTransactions++
		}

		n := snap.TotalTransactions
		snap.AverageDuration = time.Duration(
			(int64(snap.AverageDuration)*int64(n-1) + int64(duration)) / int64(n))
		if duration > l.slowThreshold {
			snap.SlowTransactions++
		}
		snap.ErrorRate = float64(snap.FailedTransactions+snap.RolledBackTransactions) / float64(n)

		if entry.ErrorMessage != "" {
			if snap.CommonFailures == nil {
				snap.CommonFailures = make(map[string]int)
			}
			snap.CommonFailures[entry.ErrorMessage]++
			trimFailures(snap.CommonFailures, maxCommonFailures)
		}

		l.saveSnapshot(ctx, snap)
	}
}

// GetHealth returns the snapshot for the current bucket of the given window.
func (l *Ledger) GetHealth(ctx context.Context, w Window) (HealthSnapshot, error) {
	return l.loadSnapshot(ctx, w, time.Now())
}

func (l *Ledger) healthKey(w Window, at time.Time) string {
	return fmt.Sprintf("%s%s:%d", healthKeyPrefix, w, w.bucket(at).Unix())
}

func (l *Ledger) loadSnapshot(ctx context.Context, w Window, at time.Time) (HealthSnapshot, error) {
	raw, ok, err := l.store.HGet(ctx, l.healthKey(w, at), snapshotField)
	if err != nil {
		return HealthSnapshot{}, err
	}
	if !ok {
		return HealthSnapshot{Window: w, WindowStart: w.bucket(at)}, nil
	}
	var snap HealthSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return HealthSnapshot{}, err
	}
	return snap, nil
}

func (l *Ledger) saveSnapshot(ctx context.Context, snap HealthSnapshot) {
	b, err := json.Marshal(snap)
	if err != nil {
		l.logger.Warn("ledger: health marshal failed", "window", snap.Window, "error", err)
		return
	}
	key := l.healthKey(snap.Window, snap.WindowStart)
	if err := l.store.HSet(ctx, key, snapshotField, string(b)); err != nil {
		l.logger.Warn("ledger: health write failed", "window", snap.Window, "error", err)
		return
	}
	// Keep one stale bucket around for dashboards reading across a boundary.
	if err := l.store.Expire(ctx, key, 2*snap.Window.duration()); err != nil {
		l.logger.Warn("ledger: health expire failed", "window", snap.Window, "error", err)
	}
}

// trimFailures keeps only the max highest-count failure strings.
func trimFailures(failures map[string]int, max int) {
	for len(failures) > max {
		lowKey := ""
		low := 0
		for k, v := range failures {
			if lowKey == "" || v < low {
				lowKey, low = k, v
			}
		}
		delete(failures, lowKey)
	}
}
