// Package remote defines the narrow contract of the account scoped remote
// store: authenticate once, then upsert the session document by account.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

type (
	Credentials struct {
		Email  string `yaml:"email"`
		Secret string `yaml:"secret"`
	}

	Authenticator interface {
		Authenticate(ctx context.Context, creds Credentials) (model.AccountHandle, error)
	}

	// Writer persists a sync record. Implementations upsert by AccountID.
	Writer interface {
		Write(ctx context.Context, rec *model.SyncRecord) error
		Close()
	}

	// Store is what the sync worker talks to.
	Store interface {
		Authenticator
		Upsert(ctx context.Context, acc model.AccountHandle, snap model.SessionSnapshot) error
		Close()
	}

	authenticatedStore struct {
		auth   Authenticator
		writer Writer
		now    func() time.Time
	}
)

var ErrNoWriter = errors.New("no writer configured")

// NewStore combines an authenticator and a writer.
func NewStore(auth Authenticator, writer Writer) Store {
	return &authenticatedStore{auth: auth, writer: writer, now: time.Now}
}

//nolint:whitespace // can't make both editor and linter happy
func (s *authenticatedStore) Authenticate(
	ctx context.Context, creds Credentials,
) (model.AccountHandle, error) {
	return s.auth.Authenticate(ctx, creds)
}

//nolint:whitespace // can't make both editor and linter happy
func (s *authenticatedStore) Upsert(
	ctx context.Context,
	acc model.AccountHandle,
	snap model.SessionSnapshot,
) error {
	if !acc.Valid(s.now()) {
		return &model.RemoteAuthError{Account: acc.Email, Err: errors.New("handle expired")}
	}
	if s.writer == nil {
		return ErrNoWriter
	}
	if err := s.writer.Write(ctx, &model.SyncRecord{
		AccountID: acc.ID,
		Snapshot:  snap,
		SyncedAt:  s.now(),
	}); err != nil {
		return fmt.Errorf("upsert %s: %w", acc.ID, err)
	}
	return nil
}

func (s *authenticatedStore) Close() {
	if s.writer != nil {
		s.writer.Close()
	}
}
