package provenance_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftkit/statetransfer/provenance"
	"github.com/bftkit/statetransfer/selector"
	"github.com/bftkit/statetransfer/testutil"
)

func TestMySQLStore(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	ctx := tdb.Context()

	store := provenance.NewMySQLStore(tdb.DB)
	require.NoError(t, store.Migrate(ctx))
	tdb.Truncate(t, "transfer_sessions")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []ulid.ULID
	for i := range 3 {
		started := base.Add(time.Duration(i) * time.Minute)
		s := provenance.Session{
			ID:         ulid.MustNew(ulid.Timestamp(started), ulid.DefaultEntropy()),
			Started:    started,
			Completed:  started.Add(1500 * time.Millisecond),
			FirstBlock: uint64(i * 100),
			LastBlock:  uint64(i*100 + 99),
			Sources:    []selector.ReplicaID{selector.ReplicaID(i), 7},
		}
		require.NoError(t, store.Record(ctx, s))
		ids = append(ids, s.ID)
	}

	got, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, []selector.ReplicaID{1, 7}, got.Sources)
	assert.Equal(t, uint64(199), got.LastBlock)
	assert.Equal(t, 1500*time.Millisecond, got.Duration())

	_, err = store.Get(ctx, ulid.Make())
	assert.ErrorIs(t, err, provenance.ErrNotFound)

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
	assert.Equal(t, ids[1], recent[1].ID)
}
