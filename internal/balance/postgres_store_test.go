//go:build integration

package balance

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowmart/internal/testutil"
)

func TestPostgresStore_ApplyClampsAtZero(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	b, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Available)

	b, err = store.Apply(ctx, 1, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Available)

	b, err = store.Apply(ctx, 1, -400, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(600), b.Available)
	assert.Equal(t, int64(400), b.Locked)

	b, err = store.Apply(ctx, 1, 0, -1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Locked)
}

func TestPostgresStore_ConcurrentApply(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Apply(ctx, 5, 10, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := store.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.Available)
}
