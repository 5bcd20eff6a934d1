package indexing

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ravendoc/docstore/docstore"
	"github.com/ravendoc/docstore/env"
	"github.com/ravendoc/docstore/mapindex"
)

func newFixture(t *testing.T, field string, collections ...string) (*docstore.Store, *mapindex.BTreeIndex, *Index) {
	t.Helper()
	store, err := docstore.Open(env.DefaultOptions(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	persistence, err := mapindex.Open(env.DefaultOptions(), field, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { persistence.Close() })

	idx, err := Open(Options{
		Name:                       "ByName",
		Env:                        env.DefaultOptions(),
		Collections:                collections,
		DocumentProcessingTimeout:  time.Second,
		TombstoneProcessingTimeout: time.Second,
		BatchSize:                  8,
	}, store, persistence, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return store, persistence, idx
}

func userBody(name string) []byte {
	return []byte(`{"Name":"` + name + `","@metadata":{"Raven-Entity-Name":"Users"}}`)
}

func indexLagValue(t *testing.T, indexName, collection string) (float64, bool) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "docstore_index_lag_entries" {
			continue
		}
		for _, m := range fam.Metric {
			var gotIndex, gotCollection string
			for _, l := range m.Label {
				switch l.GetName() {
				case "index":
					gotIndex = l.GetValue()
				case "collection":
					gotCollection = l.GetValue()
				}
			}
			if gotIndex == indexName && gotCollection == collection {
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestMappingPassUpdatesIndexLagMetric(t *testing.T) {
	store, _, idx := newFixture(t, "Name", "Users")
	ctx := context.Background()

	_, err := store.Put(ctx, "users/1", nil, userBody("Oren"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "users/2", nil, userBody("Ayende"))
	require.NoError(t, err)

	idx.Start(ctx)

	require.Eventually(t, func() bool {
		stale, err := idx.IsStale(ctx)
		return err == nil && !stale
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		lag, ok := indexLagValue(t, "ByName", "Users")
		return ok && lag == 0
	}, 2*time.Second, 10*time.Millisecond, "lag should reach zero once the index has caught up to the global etag")
}

func TestIndexMapsExistingDocumentsAfterStart(t *testing.T) {
	store, persistence, idx := newFixture(t, "Name", "Users")
	ctx := context.Background()

	_, err := store.Put(ctx, "users/1", nil, userBody("Oren"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "users/2", nil, userBody("Ayende"))
	require.NoError(t, err)

	idx.Start(ctx)

	require.Eventually(t, func() bool {
		stale, err := idx.IsStale(ctx)
		return err == nil && !stale
	}, 2*time.Second, 10*time.Millisecond)

	keys, err := persistence.Lookup(ctx, "Oren")
	require.NoError(t, err)
	require.Equal(t, []string{"users/1"}, keys)
}

func TestIndexPicksUpDocumentsWrittenAfterStart(t *testing.T) {
	store, persistence, idx := newFixture(t, "Name", "Users")
	ctx := context.Background()

	idx.Start(ctx)

	_, err := store.Put(ctx, "users/1", nil, userBody("Oren"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		keys, err := persistence.Lookup(ctx, "Oren")
		return err == nil && len(keys) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIndexCleansUpAfterDelete(t *testing.T) {
	store, persistence, idx := newFixture(t, "Name", "Users")
	ctx := context.Background()

	_, err := store.Put(ctx, "users/1", nil, userBody("Oren"))
	require.NoError(t, err)

	idx.Start(ctx)

	require.Eventually(t, func() bool {
		keys, err := persistence.Lookup(ctx, "Oren")
		return err == nil && len(keys) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = store.Delete(ctx, "users/1", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		keys, err := persistence.Lookup(ctx, "Oren")
		return err == nil && len(keys) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIndexIgnoresCollectionsItIsNotConfiguredFor(t *testing.T) {
	store, persistence, idx := newFixture(t, "Name", "Users")
	ctx := context.Background()

	_, err := store.Put(ctx, "dogs/1", nil, []byte(`{"Name":"Arava","@metadata":{"Raven-Entity-Name":"Dogs"}}`))
	require.NoError(t, err)

	idx.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	keys, err := persistence.Lookup(ctx, "Arava")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestCloseWaitsForWorkerExit(t *testing.T) {
	store, err := docstore.Open(env.DefaultOptions(), nil, nil)
	require.NoError(t, err)
	defer store.Close()

	persistence, err := mapindex.Open(env.DefaultOptions(), "Name", nil, nil)
	require.NoError(t, err)
	defer persistence.Close()

	idx, err := Open(Options{
		Name:        "ByName",
		Env:         env.DefaultOptions(),
		Collections: []string{"Users"},
	}, store, persistence, nil, nil)
	require.NoError(t, err)

	idx.Start(context.Background())
	require.NoError(t, idx.Close())
}
