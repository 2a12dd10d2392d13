package txn

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ctxKey int

const (
	txKey ctxKey = iota
	txContextKey
	metadataKey
)

// Metadata carries correlation fields layered onto a call chain via Scope.
// Fields left empty inherit from any enclosing scope.
type Metadata struct {
	UserID         string
	OrganizationID string
	RequestID      string
	Extra          map[string]string
}

// TxContext describes the currently open transaction. It travels with the
// context of the call chain that opened the transaction and is never persisted.
type TxContext struct {
	ID             string
	StartTime      time.Time
	OperationCount int
	UserID         string
	OrganizationID string
	RequestID      string
	Extra          map[string]string
}

// CurrentTx returns the transaction bound to ctx, if any.
func CurrentTx(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey).(*gorm.DB)
	return tx, ok
}

// CurrentContext returns the TxContext bound to ctx, if any.
func CurrentContext(ctx context.Context) (*TxContext, bool) {
	tc, ok := ctx.Value(txContextKey).(*TxContext)
	return tc, ok
}

// ContextMetadata returns the metadata layered onto ctx by enclosing Scope
// calls.
func ContextMetadata(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey).(*Metadata)
	if !ok {
		return Metadata{}, false
	}
	return *md, true
}

// Scope runs fn with meta layered onto any enclosing scope. The scope is torn
// down when fn returns. Concurrent call chains never observe each other's
// scope: the binding travels with the derived context value, not with any
// goroutine or connection.
func Scope(ctx context.Context, meta Metadata, fn func(ctx context.Context) error) error {
	return fn(withMetadata(ctx, meta))
}

func withMetadata(ctx context.Context, meta Metadata) context.Context {
	if base, ok := ContextMetadata(ctx); ok {
		meta = base.merge(meta)
	}
	return context.WithValue(ctx, metadataKey, &meta)
}

// merge layers over onto m, non-empty fields of over winning.
func (m Metadata) merge(over Metadata) Metadata {
	out := m
	if over.UserID != "" {
		out.UserID = over.UserID
	}
	if over.OrganizationID != "" {
		out.OrganizationID = over.OrganizationID
	}
	if over.RequestID != "" {
		out.RequestID = over.RequestID
	}
	if len(over.Extra) > 0 {
		merged := make(map[string]string, len(m.Extra)+len(over.Extra))
		for k, v := range m.Extra {
			merged[k] = v
		}
		for k, v := range over.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// bind attaches an open transaction and its TxContext to ctx.
func bind(ctx context.Context, tx *gorm.DB, tc *TxContext) context.Context {
	ctx = context.WithValue(ctx, txKey, tx)
	return context.WithValue(ctx, txContextKey, tc)
}

// newTxContext creates the context record for a freshly opened transaction,
// picking up correlation fields from the enclosing Scope.
func newTxContext(ctx context.Context) *TxContext {
	tc := &TxContext{
		ID:             uuid.NewString(),
		StartTime:      time.Now(),
		OperationCount: 1,
	}
	if md, ok := ContextMetadata(ctx); ok {
		tc.UserID = md.UserID
		tc.OrganizationID = md.OrganizationID
		tc.RequestID = md.RequestID
		if len(md.Extra) > 0 {
			tc.Extra = make(map[string]string, len(md.Extra))
			for k, v := range md.Extra {
				tc.Extra[k] = v
			}
		}
	}
	return tc
}
