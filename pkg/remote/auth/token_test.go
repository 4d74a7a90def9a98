package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
)

const accountsYAML = `
accounts:
  - email: driver@example.com
    secret: s3cret
  - id: fixed-id
    email: Other@Example.com
    secret: other
`

func TestReadDevAccounts(t *testing.T) {
	accounts, err := ReadDevAccounts(strings.NewReader(accountsYAML))
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	empty, err := ReadDevAccounts(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ReadDevAccounts(strings.NewReader("accounts:\n  - secret: x\n"))
	assert.Error(t, err)
}

func TestTokenAuthenticator(t *testing.T) {
	accounts, err := ReadDevAccounts(strings.NewReader(accountsYAML))
	require.NoError(t, err)
	a := NewTokenAuthenticator(accounts...)
	ctx := context.Background()

	h, err := a.Authenticate(ctx, remote.Credentials{Email: "driver@example.com", Secret: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, AccountID("driver@example.com"), h.ID)
	assert.Equal(t, AccountID("DRIVER@example.com"), h.ID, "id is case insensitive")

	h, err = a.Authenticate(ctx, remote.Credentials{Email: "other@example.com", Secret: "other"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", h.ID)

	_, err = a.Authenticate(ctx, remote.Credentials{Email: "driver@example.com", Secret: "wrong"})
	assert.ErrorIs(t, err, model.ErrRemoteAuth)

	_, err = a.Authenticate(ctx, remote.Credentials{Email: "nobody@example.com"})
	assert.ErrorIs(t, err, model.ErrRemoteAuth)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}
