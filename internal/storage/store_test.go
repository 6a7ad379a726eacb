package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/sequence"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "nfe.db")})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfe.db")

	s1, err := Open(Config{DSN: path})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(Config{DSN: path})
	require.NoError(t, err)
	defer s2.Close()

	var version int
	require.NoError(t, s2.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestRebind(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	s.driver = DriverSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

var seqKey = sequence.Key{Issuer: "11.222.333/0001-81", Model: model.ModelNFe, Series: 1, Environment: model.EnvironmentHomologation}

func TestSequenceStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	seqs := setupTestStore(t).Sequences()

	_, found, err := seqs.LastNumber(ctx, seqKey)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := seqs.CompareAndSwap(ctx, seqKey, 0, 124)
	require.NoError(t, err)
	assert.True(t, ok)

	last, found, err := seqs.LastNumber(ctx, seqKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(124), last)

	// stale prev loses
	ok, err = seqs.CompareAndSwap(ctx, seqKey, 0, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = seqs.CompareAndSwap(ctx, seqKey, 100, 101)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = seqs.CompareAndSwap(ctx, seqKey, 124, 125)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSequenceStore_WithNumerator(t *testing.T) {
	ctx := context.Background()
	n := sequence.NewNumerator(setupTestStore(t).Sequences(), nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]bool{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := n.Reserve(ctx, seqKey, 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[r.Number] = true
			mu.Unlock()
			assert.NoError(t, r.Commit(ctx))
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 10)
}

func batch(nsus ...model.NSU) *model.DistributionBatch {
	b := &model.DistributionBatch{Party: "11222333000181", Environment: model.EnvironmentProduction}
	for _, n := range nsus {
		b.Documents = append(b.Documents, model.DistributedDocument{
			NSU:    n,
			Schema: "resNFe_v1.01.xsd",
			XML:    []byte("<resNFe/>"),
		})
	}
	return b
}

func TestDistributionStore_StoreBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	dist := setupTestStore(t).Distribution()

	n, err := dist.StoreBatch(ctx, batch(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = dist.StoreBatch(ctx, batch(2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err := dist.Documents(ctx, "11222333000181", model.EnvironmentProduction, 0, 10)
	require.NoError(t, err)
	require.Len(t, docs, 4)
	for i, d := range docs {
		assert.Equal(t, model.NSU(i+1), d.NSU)
		assert.Equal(t, "resNFe_v1.01.xsd", d.Schema)
		assert.False(t, d.ReceivedAt.IsZero())
	}

	after, err := dist.Documents(ctx, "11222333000181", model.EnvironmentProduction, 2, 10)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestDistributionStore_CursorMonotonic(t *testing.T) {
	ctx := context.Background()
	dist := setupTestStore(t).Distribution()
	party := "11222333000181"

	cur, err := dist.LoadCursor(ctx, party, model.EnvironmentProduction)
	require.NoError(t, err)
	assert.Zero(t, cur)

	require.NoError(t, dist.AdvanceCursor(ctx, party, model.EnvironmentProduction, 50, 100))
	require.NoError(t, dist.AdvanceCursor(ctx, party, model.EnvironmentProduction, 40, 100))

	cur, err = dist.LoadCursor(ctx, party, model.EnvironmentProduction)
	require.NoError(t, err)
	assert.Equal(t, model.NSU(50), cur)

	// environments are independent
	cur, err = dist.LoadCursor(ctx, party, model.EnvironmentHomologation)
	require.NoError(t, err)
	assert.Zero(t, cur)

	require.NoError(t, dist.ResetCursor(ctx, party, model.EnvironmentProduction, 10))
	cur, err = dist.LoadCursor(ctx, party, model.EnvironmentProduction)
	require.NoError(t, err)
	assert.Equal(t, model.NSU(10), cur)
}

func TestAuthorizationStore(t *testing.T) {
	ctx := context.Background()
	auth := setupTestStore(t).Authorizations()
	key := model.AccessKey("35240111222333000181550010000001241123456788")

	_, err := auth.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	doc := &model.FiscalDocument{
		Issuer:   model.Issuer{CNPJ: "11222333000181"},
		Metadata: model.Metadata{Series: 1, Number: 124, Environment: model.EnvironmentHomologation},
	}
	received := time.Date(2024, 1, 15, 13, 0, 5, 0, time.UTC)
	res := model.NewAuthorizationResult(100, "Autorizado o uso da NF-e", key, "135240000000001", received, []byte("<nfeProc/>"), nil)
	require.NoError(t, auth.SaveResult(ctx, doc, res))
	require.NoError(t, auth.SaveResult(ctx, doc, res))

	rec, err := auth.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "135240000000001", rec.Protocol)
	assert.Equal(t, int64(124), rec.Number)
	assert.Equal(t, model.EnvironmentHomologation, rec.Environment)
	assert.True(t, rec.ReceivedAt.Equal(received))
	assert.Equal(t, []byte("<nfeProc/>"), rec.XML)

	rejected := model.NewAuthorizationResult(539, "Duplicidade", "other", "", received, nil, nil)
	require.NoError(t, auth.SaveResult(ctx, doc, rejected))
	_, err = auth.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}
