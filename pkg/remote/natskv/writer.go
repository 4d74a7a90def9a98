// Package natskv stores sync records in a JetStream key value bucket.
// The key of a record is session.<account id>.
package natskv

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
)

const DefaultBucket = "session_sync"

type (
	Option func(*Writer)
	Writer struct {
		nc     *nats.Conn
		bucket string
		owned  bool
		log    *log.Logger
		kv     jetstream.KeyValue
	}
)

var ErrNotFound = errors.New("sync record not found")

var _ remote.Writer = (*Writer)(nil)

func WithBucket(name string) Option {
	return func(w *Writer) { w.bucket = name }
}

// WithOwnedConn closes the nats connection on Close.
func WithOwnedConn() Option {
	return func(w *Writer) { w.owned = true }
}

func New(ctx context.Context, nc *nats.Conn, opts ...Option) (*Writer, error) {
	ret := &Writer{
		nc:     nc,
		bucket: DefaultBucket,
		log:    log.Default().Named("remote.natskv"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	ret.kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  ret.bucket,
		History: 1,
	})
	if err != nil {
		return nil, err
	}
	ret.log.Debug("Initialized NATS storage for sync records",
		log.String("bucket", ret.bucket))
	return ret, nil
}

func key(accountID string) string {
	return "session." + accountID
}

func (w *Writer) Write(ctx context.Context, rec *model.SyncRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = w.kv.Put(ctx, key(rec.AccountID), data)
	return err
}

func (w *Writer) Load(ctx context.Context, accountID string) (*model.SyncRecord, error) {
	kve, err := w.kv.Get(ctx, key(accountID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec model.SyncRecord
	if err := json.Unmarshal(kve.Value(), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (w *Writer) Close() {
	if w.owned {
		w.nc.Close()
	}
}
