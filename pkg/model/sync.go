package model

import "time"

type (
	// AccountHandle identifies an authenticated account of the remote store.
	AccountHandle struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		// opaque provider token, empty for the emulator
		Token     string    `json:"-"`
		ExpiresAt time.Time `json:"expiresAt,omitempty"`
	}

	// SyncRecord is the remote copy of a snapshot, keyed by account.
	SyncRecord struct {
		AccountID string          `json:"accountId"`
		Snapshot  SessionSnapshot `json:"snapshot"`
		SyncedAt  time.Time       `json:"syncedAt"`
	}

	SyncState string

	// SyncStatus is the user visible indicator of the remote path.
	SyncStatus struct {
		State          SyncState `json:"state"`
		Pending        int       `json:"pending"`
		Shipped        uint64    `json:"shipped"`
		Failures       uint64    `json:"failures"`
		Dropped        uint64    `json:"dropped"`
		OverflowEvents uint64    `json:"overflowEvents"`
		LastError      string    `json:"lastError,omitempty"`
		LastSuccess    time.Time `json:"lastSuccess,omitempty"`
		Backoff        string    `json:"backoff,omitempty"`
	}
)

const (
	SyncStateDisabled  SyncState = "disabled"
	SyncStateIdle      SyncState = "idle"
	SyncStateSynced    SyncState = "synced"
	SyncStateRetrying  SyncState = "retrying"
	SyncStateAuthError SyncState = "auth-error"
)

func (a AccountHandle) Valid(now time.Time) bool {
	if a.ID == "" {
		return false
	}
	return a.ExpiresAt.IsZero() || now.Before(a.ExpiresAt)
}
