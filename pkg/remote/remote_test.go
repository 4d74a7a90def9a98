package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

type staticAuth struct{ handle model.AccountHandle }

//nolint:whitespace // can't make both editor and linter happy
func (s staticAuth) Authenticate(
	ctx context.Context, creds Credentials,
) (model.AccountHandle, error) {
	return s.handle, nil
}

func TestStore_Upsert(t *testing.T) {
	w := NewMemoryWriter()
	s := NewStore(staticAuth{handle: model.AccountHandle{ID: "acc1"}}, w)
	defer s.Close()

	h, err := s.Authenticate(context.Background(), Credentials{Email: "a@b.c"})
	require.NoError(t, err)
	snap := model.SessionSnapshot{CarName: "car", Lap: 3, Generation: 1}
	require.NoError(t, s.Upsert(context.Background(), h, snap))
	snap.Lap = 4
	require.NoError(t, s.Upsert(context.Background(), h, snap))

	rec, ok := w.Get("acc1")
	assert.True(t, ok)
	assert.Equal(t, 4, rec.Snapshot.Lap)
	assert.Equal(t, 2, w.Writes())
}

func TestStore_UpsertExpiredHandle(t *testing.T) {
	w := NewMemoryWriter()
	s := NewStore(staticAuth{}, w)
	h := model.AccountHandle{ID: "acc1", ExpiresAt: time.Now().Add(-time.Minute)}
	err := s.Upsert(context.Background(), h, model.SessionSnapshot{})
	assert.ErrorIs(t, err, model.ErrRemoteAuth)
	assert.Equal(t, 0, w.Writes())
}

func TestResolveEndpoints(t *testing.T) {
	dev := Endpoints{AccountsFile: "accounts.yml"}
	prod := Endpoints{
		Backend:   "postgres",
		StoreURL:  "postgresql://db/sync",
		IssuerURL: "https://idp.example.com/realms/x",
	}
	tests := []struct {
		name    string
		mode    string
		prod    Endpoints
		want    EndpointMode
		backend string
		wantErr bool
	}{
		{name: "development", mode: "development", prod: prod, want: ModeDevelopment, backend: "memory"},
		{name: "dev alias", mode: "DEV", prod: prod, want: ModeDevelopment, backend: "memory"},
		{name: "production", mode: "production", prod: prod, want: ModeProduction, backend: "postgres"},
		{name: "unknown", mode: "staging", prod: prod, wantErr: true},
		{
			name: "production memory", mode: "prod",
			prod: Endpoints{Backend: "memory", StoreURL: "x", IssuerURL: "y"}, wantErr: true,
		},
		{
			name: "production no issuer", mode: "prod",
			prod: Endpoints{Backend: "nats", StoreURL: "nats://x"}, wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveEndpoints(tt.mode, dev, tt.prod)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Mode)
			assert.Equal(t, tt.backend, got.Backend)
		})
	}
}
