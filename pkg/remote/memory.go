package remote

import (
	"context"
	"sync"

	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

// MemoryWriter keeps records in memory. Used as the development emulator.
type MemoryWriter struct {
	mu      sync.Mutex
	records map[string]model.SyncRecord
	writes  int
}

var _ Writer = (*MemoryWriter)(nil)

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{records: make(map[string]model.SyncRecord)}
}

func (m *MemoryWriter) Write(ctx context.Context, rec *model.SyncRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.AccountID] = *rec
	m.writes++
	return nil
}

func (m *MemoryWriter) Get(accountID string) (model.SyncRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[accountID]
	return rec, ok
}

func (m *MemoryWriter) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryWriter) Close() {}
