//nolint:whitespace // can't make both editor and linter happy
package syncrecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/repository"
)

var ErrNotFound = errors.New("sync record not found")

var selector = `select s.account_id, s.data, s.synced_at from sync_record s`

// Upsert stores the record, replacing any previous record of the account.
func Upsert(ctx context.Context, conn repository.Querier, rec *model.SyncRecord) error {
	data, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, `
	insert into sync_record (
		account_id, generation, session_num, sequence_id, data, synced_at
	) values ($1,$2,$3,$4,$5,$6)
	on conflict (account_id) do update set
		generation=excluded.generation,
		session_num=excluded.session_num,
		sequence_id=excluded.sequence_id,
		data=excluded.data,
		synced_at=excluded.synced_at
	`,
		rec.AccountID,
		int64(rec.Snapshot.Generation),
		rec.Snapshot.SessionNum,
		int64(rec.Snapshot.SequenceID),
		data,
		rec.SyncedAt,
	)
	return err
}

func LoadByAccount(ctx context.Context, conn repository.Querier, accountID string) (
	*model.SyncRecord, error,
) {
	row := conn.QueryRow(ctx,
		fmt.Sprintf("%s where s.account_id=$1", selector), accountID)
	return readData(row)
}

func DeleteByAccount(ctx context.Context, conn repository.Querier, accountID string) (
	int, error,
) {
	cmdTag, err := conn.Exec(ctx,
		"delete from sync_record where account_id=$1", accountID)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

func readData(row pgx.Row) (*model.SyncRecord, error) {
	var ret model.SyncRecord
	var data []byte
	if err := row.Scan(&ret.AccountID, &data, &ret.SyncedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &ret.Snapshot); err != nil {
		return nil, err
	}
	return &ret, nil
}
