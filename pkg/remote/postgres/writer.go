// Package postgres stores sync records in the sync_record table.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
	"github.com/mpapenbr/iracelog-session-sync/pkg/repository/syncrecord"
)

type Writer struct {
	pool *pgxpool.Pool
	// pool is owned by the caller unless set
	owned bool
}

var _ remote.Writer = (*Writer)(nil)

func NewWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

// NewOwningWriter closes the pool on Close.
func NewOwningWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool, owned: true}
}

func (w *Writer) Write(ctx context.Context, rec *model.SyncRecord) error {
	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		return syncrecord.Upsert(ctx, tx, rec)
	})
}

func (w *Writer) Load(ctx context.Context, accountID string) (*model.SyncRecord, error) {
	return syncrecord.LoadByAccount(ctx, w.pool, accountID)
}

func (w *Writer) Close() {
	if w.owned {
		w.pool.Close()
	}
}
