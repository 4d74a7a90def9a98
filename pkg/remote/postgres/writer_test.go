package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote/auth"
	"github.com/mpapenbr/iracelog-session-sync/testsupport/testdb"
)

func TestWriter_ThroughStore(t *testing.T) {
	pool := testdb.InitTestDb(t)
	ctx := context.Background()
	w := NewWriter(pool)
	store := remote.NewStore(
		auth.NewTokenAuthenticator(auth.DevAccount{Email: "d@example.com", Secret: "x"}),
		w)
	defer store.Close()

	h, err := store.Authenticate(ctx, remote.Credentials{Email: "d@example.com", Secret: "x"})
	require.NoError(t, err)

	for lap := 1; lap <= 3; lap++ {
		require.NoError(t, store.Upsert(ctx, h, model.SessionSnapshot{
			CarName: "car", Lap: lap, SessionActive: true, Generation: 1,
			LastUpdated: time.Now().UTC(),
		}))
	}
	rec, err := w.Load(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Snapshot.Lap)
	assert.Equal(t, h.ID, rec.AccountID)
}
