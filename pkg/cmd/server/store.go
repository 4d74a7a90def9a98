package server

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/config"
	"github.com/mpapenbr/iracelog-session-sync/pkg/db/migrate"
	"github.com/mpapenbr/iracelog-session-sync/pkg/db/postgres"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote/auth"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote/natskv"
	pgwriter "github.com/mpapenbr/iracelog-session-sync/pkg/remote/postgres"
)

func resolveEndpoints() (remote.Endpoints, error) {
	return remote.ResolveEndpoints(config.EndpointMode,
		remote.Endpoints{
			Backend:      config.DevSyncBackend,
			StoreURL:     config.DevStoreURL,
			AccountsFile: config.DevAccountsFile,
		},
		remote.Endpoints{
			Backend:   config.SyncBackend,
			StoreURL:  config.StoreURL,
			IssuerURL: config.OIDCIssuerURL,
		})
}

func newAuthenticator(ep remote.Endpoints) (remote.Authenticator, error) {
	if ep.Mode == remote.ModeProduction {
		return auth.NewOIDCAuthenticator(auth.OIDCParam{
			IssuerURL:    ep.IssuerURL,
			ClientID:     config.OIDCClientID,
			ClientSecret: config.OIDCClientSecret,
		}), nil
	}
	var accounts []auth.DevAccount
	if ep.AccountsFile != "" {
		var err error
		if accounts, err = auth.LoadDevAccounts(ep.AccountsFile); err != nil {
			return nil, fmt.Errorf("dev accounts: %w", err)
		}
	}
	if len(accounts) == 0 {
		// the configured account is the only one known to the emulator
		accounts = []auth.DevAccount{{Email: config.AccountEmail, Secret: config.AccountSecret}}
	}
	return auth.NewTokenAuthenticator(accounts...), nil
}

//nolint:whitespace // can't make both editor and linter happy
func newWriter(
	ctx context.Context, ep remote.Endpoints, telemetry bool,
) (remote.Writer, error) {
	switch ep.Backend {
	case "memory":
		return remote.NewMemoryWriter(), nil
	case "postgres":
		if err := migrate.MigrateDb(ep.StoreURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		opts := []postgres.PoolConfigOption{
			postgres.WithTracer(newSQLLogger()),
		}
		if telemetry {
			opts = append(opts, postgres.WithOtel())
		}
		pool, err := postgres.NewPool(ctx, ep.StoreURL, opts...)
		if err != nil {
			return nil, err
		}
		return pgwriter.NewOwningWriter(pool), nil
	case "nats":
		nc, err := nats.Connect(ep.StoreURL, nats.Name("iss-sync"))
		if err != nil {
			return nil, err
		}
		w, err := natskv.New(ctx, nc, natskv.WithOwnedConn())
		if err != nil {
			nc.Close()
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown sync backend %q", ep.Backend)
	}
}

// newStore returns nil if no account is configured. The remote path is
// disabled then.
func newStore(ctx context.Context, ep remote.Endpoints, telemetry bool) (remote.Store, error) {
	if config.AccountEmail == "" {
		log.Warn("no account configured, remote sync disabled")
		return nil, nil
	}
	authenticator, err := newAuthenticator(ep)
	if err != nil {
		return nil, err
	}
	writer, err := newWriter(ctx, ep, telemetry)
	if err != nil {
		return nil, err
	}
	log.Info("remote sync enabled",
		log.String("mode", string(ep.Mode)),
		log.String("backend", ep.Backend),
		log.String("account", config.AccountEmail))
	return remote.NewStore(authenticator, writer), nil
}
