package txn

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeLayersMetadata(t *testing.T) {
	err := Scope(context.Background(), Metadata{UserID: "u1", OrganizationID: "o1"}, func(ctx context.Context) error {
		md, ok := ContextMetadata(ctx)
		require.True(t, ok)
		require.Equal(t, "u1", md.UserID)

		return Scope(ctx, Metadata{UserID: "u2", RequestID: "r1"}, func(ctx context.Context) error {
			md, ok := ContextMetadata(ctx)
			require.True(t, ok)
			// Inner scope wins where set, inherits where not.
			assert.Equal(t, "u2", md.UserID)
			assert.Equal(t, "o1", md.OrganizationID)
			assert.Equal(t, "r1", md.RequestID)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestScopeTearsDownOnReturn(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Scope(ctx, Metadata{UserID: "u1"}, func(inner context.Context) error {
		_, ok := ContextMetadata(inner)
		require.True(t, ok)
		return nil
	}))

	_, ok := ContextMetadata(ctx)
	assert.False(t, ok)
}

func TestScopeMergesExtra(t *testing.T) {
	err := Scope(context.Background(), Metadata{Extra: map[string]string{"a": "1", "b": "1"}}, func(ctx context.Context) error {
		return Scope(ctx, Metadata{Extra: map[string]string{"b": "2"}}, func(ctx context.Context) error {
			md, _ := ContextMetadata(ctx)
			assert.Equal(t, "1", md.Extra["a"])
			assert.Equal(t, "2", md.Extra["b"])
			return nil
		})
	})
	require.NoError(t, err)
}

func TestConcurrentScopesDoNotLeak(t *testing.T) {
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Scope(ctx, Metadata{UserID: id}, func(ctx context.Context) error {
				md, ok := ContextMetadata(ctx)
				assert.True(t, ok)
				assert.Equal(t, id, md.UserID)
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestNewTxContextPicksUpScope(t *testing.T) {
	_ = Scope(context.Background(), Metadata{
		UserID:         "u1",
		OrganizationID: "o1",
		Extra:          map[string]string{"feature": "migration"},
	}, func(ctx context.Context) error {
		tc := newTxContext(ctx)
		assert.NotEmpty(t, tc.ID)
		assert.Equal(t, 1, tc.OperationCount)
		assert.Equal(t, "u1", tc.UserID)
		assert.Equal(t, "o1", tc.OrganizationID)
		assert.Equal(t, "migration", tc.Extra["feature"])
		return nil
	})
}
