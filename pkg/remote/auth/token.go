// Package auth contains the authenticators for the remote store.
// The token authenticator serves development mode, the oidc authenticator
// serves production.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gofrs/uuid/v5"
	"gopkg.in/yaml.v3"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
)

type (
	// DevAccount is one entry of the development accounts file.
	DevAccount struct {
		ID     string `yaml:"id"`
		Email  string `yaml:"email"`
		Secret string `yaml:"secret"`
	}
	devAccountsFile struct {
		Accounts []DevAccount `yaml:"accounts"`
	}
	TokenAuthenticator struct {
		accounts map[string]DevAccount
		log      *log.Logger
	}
)

// account ids of development accounts without explicit id are derived
// from the email in this namespace
var accountNamespace = uuid.Must(uuid.FromString("1c3f0e7c-3c1e-4d6f-9a57-9b0f5f4a3e21"))

var ErrUnknownAccount = errors.New("unknown account")

var _ remote.Authenticator = (*TokenAuthenticator)(nil)

func NewTokenAuthenticator(accounts ...DevAccount) *TokenAuthenticator {
	ret := &TokenAuthenticator{
		accounts: make(map[string]DevAccount, len(accounts)),
		log:      log.Default().Named("remote.auth"),
	}
	for _, a := range accounts {
		key := strings.ToLower(a.Email)
		if a.ID == "" {
			a.ID = AccountID(a.Email)
		}
		ret.accounts[key] = a
	}
	return ret
}

// AccountID derives a stable account id from an email address.
func AccountID(email string) string {
	return uuid.NewV5(accountNamespace, strings.ToLower(email)).String()
}

func ReadDevAccounts(r io.Reader) ([]DevAccount, error) {
	var f devAccountsFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	for i, a := range f.Accounts {
		if a.Email == "" {
			return nil, fmt.Errorf("account %d: missing email", i)
		}
	}
	return f.Accounts, nil
}

func LoadDevAccounts(fn string) ([]DevAccount, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDevAccounts(f)
}

//nolint:whitespace // can't make both editor and linter happy
func (t *TokenAuthenticator) Authenticate(
	ctx context.Context, creds remote.Credentials,
) (model.AccountHandle, error) {
	if err := ctx.Err(); err != nil {
		return model.AccountHandle{}, err
	}
	acc, ok := t.accounts[strings.ToLower(creds.Email)]
	if !ok {
		return model.AccountHandle{}, &model.RemoteAuthError{
			Account: creds.Email, Err: ErrUnknownAccount,
		}
	}
	if subtle.ConstantTimeCompare([]byte(acc.Secret), []byte(creds.Secret)) != 1 {
		return model.AccountHandle{}, &model.RemoteAuthError{Account: creds.Email}
	}
	t.log.Debug("authenticated", log.String("account", acc.ID))
	return model.AccountHandle{ID: acc.ID, Email: acc.Email}, nil
}
