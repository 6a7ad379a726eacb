package sequence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/sequence"
)

var key = sequence.Key{
	Issuer:      "11222333000181",
	Model:       model.ModelNFe,
	Series:      1,
	Environment: model.EnvironmentHomologation,
}

func TestReserve_SeedsFromHint(t *testing.T) {
	n := sequence.NewNumerator(sequence.NewMemoryStore(), nil)

	r, err := n.Reserve(context.Background(), key, 123)
	require.NoError(t, err)
	assert.Equal(t, int64(124), r.Number)
	require.NoError(t, r.Commit(context.Background()))

	next, err := n.Peek(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(125), next)
}

func TestReserve_IgnoresStaleHint(t *testing.T) {
	n := sequence.NewNumerator(sequence.NewMemoryStore(), nil)
	ctx := context.Background()

	r, err := n.Reserve(ctx, key, 50)
	require.NoError(t, err)
	require.NoError(t, r.Commit(ctx))

	r, err = n.Reserve(ctx, key, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(52), r.Number)
	r.Release()
}

func TestReserve_ReleaseDoesNotConsume(t *testing.T) {
	n := sequence.NewNumerator(sequence.NewMemoryStore(), nil)
	ctx := context.Background()

	r, err := n.Reserve(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Number)
	r.Release()
	r.Release()

	r, err = n.Reserve(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Number)
	require.NoError(t, r.Commit(ctx))
	assert.ErrorIs(t, r.Commit(ctx), sequence.ErrReleased)
}

func TestReserve_ConcurrentUnique(t *testing.T) {
	n := sequence.NewNumerator(sequence.NewMemoryStore(), nil)
	ctx := context.Background()

	const workers = 50
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := n.Reserve(ctx, key, 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			assert.False(t, seen[r.Number], "duplicate number %d", r.Number)
			seen[r.Number] = true
			mu.Unlock()
			assert.NoError(t, r.Commit(ctx))
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers)
	for i := int64(1); i <= workers; i++ {
		assert.True(t, seen[i], "gap at %d", i)
	}
}

func TestReserve_IndependentSeries(t *testing.T) {
	n := sequence.NewNumerator(sequence.NewMemoryStore(), nil)
	ctx := context.Background()

	r1, err := n.Reserve(ctx, key, 0)
	require.NoError(t, err)
	defer r1.Release()

	other := key
	other.Series = 2
	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	r2, err := n.Reserve(ctx2, other, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r2.Number)
	r2.Release()
}

func TestReserve_FormattedIssuerSharesCounter(t *testing.T) {
	n := sequence.NewNumerator(sequence.NewMemoryStore(), nil)
	ctx := context.Background()

	r, err := n.Reserve(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Number)
	require.NoError(t, r.Commit(ctx))

	formatted := key
	formatted.Issuer = "11.222.333/0001-81"
	r, err = n.Reserve(ctx, formatted, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Number)
	assert.Equal(t, "11222333000181", r.Key.Issuer)
	require.NoError(t, r.Commit(ctx))

	next, err := n.Peek(ctx, formatted)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)
}

func TestReserve_WaitRespectsContext(t *testing.T) {
	n := sequence.NewNumerator(sequence.NewMemoryStore(), nil)
	r, err := n.Reserve(context.Background(), key, 0)
	require.NoError(t, err)
	defer r.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = n.Reserve(ctx, key, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type conflictingStore struct {
	*sequence.MemoryStore
}

func (c conflictingStore) CompareAndSwap(ctx context.Context, k sequence.Key, prev, next int64) (bool, error) {
	return false, nil
}

func TestCommit_Conflict(t *testing.T) {
	n := sequence.NewNumerator(conflictingStore{sequence.NewMemoryStore()}, nil)
	r, err := n.Reserve(context.Background(), key, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Commit(context.Background()), sequence.ErrConflict)
}

func TestReserve_Exhausted(t *testing.T) {
	n := sequence.NewNumerator(sequence.NewMemoryStore(), nil)
	_, err := n.Reserve(context.Background(), key, 999999999)
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}
