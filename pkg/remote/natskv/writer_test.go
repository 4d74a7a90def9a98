package natskv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/testsupport/tcnats"
)

func TestWriter(t *testing.T) {
	nc := tcnats.Connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := New(ctx, nc, WithBucket("session_sync_test"))
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Load(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	for lap := 1; lap <= 2; lap++ {
		require.NoError(t, w.Write(ctx, &model.SyncRecord{
			AccountID: "acc-1",
			Snapshot:  model.SessionSnapshot{CarName: "car", Lap: lap, Generation: 4},
			SyncedAt:  time.Now().UTC(),
		}))
	}
	rec, err := w.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Snapshot.Lap)
	assert.Equal(t, model.Generation(4), rec.Snapshot.Generation)
}
