//nolint:errcheck //ok for this test code
package syncrecord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/testsupport/testdb"
)

func TestUpsert(t *testing.T) {
	pool := testdb.InitTestDb(t)
	ctx := context.Background()
	syncedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := &model.SyncRecord{
		AccountID: "acc1",
		Snapshot: model.SessionSnapshot{
			CarName: "Mazda MX-5", TrackName: "Spa", Lap: 3, Position: 2,
			SessionActive: true, Generation: 2, SequenceID: 17,
		},
		SyncedAt: syncedAt,
	}
	require.NoError(t, Upsert(ctx, pool, rec))

	rec.Snapshot.Lap = 4
	rec.SyncedAt = syncedAt.Add(2 * time.Second)
	require.NoError(t, Upsert(ctx, pool, rec))

	got, err := LoadByAccount(ctx, pool, "acc1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Snapshot.Lap)
	assert.Equal(t, "Spa", got.Snapshot.TrackName)
	assert.Equal(t, model.Generation(2), got.Snapshot.Generation)
	assert.True(t, rec.SyncedAt.Equal(got.SyncedAt))

	n, err := DeleteByAccount(ctx, pool, "acc1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = LoadByAccount(ctx, pool, "acc1")
	assert.ErrorIs(t, err, ErrNotFound)
}
