package stepup

import (
	"fmt"
	"time"

	"github.com/pwndepot/ctfgate/storage"
)

// Stage is the confirmation stage. It only ever moves forward.
type Stage string

const (
	StagePassword Stage = "password"
	StageMFA      Stage = "mfa"
)

// Status is the submission status, orthogonal to Stage.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusVerifying Status = "verifying"
	StatusDeleting  Status = "deleting"
	StatusSuccess   Status = "success"
)

// Snapshot is the persisted shape of an in-progress deletion. It is only
// written once the flow reaches the mfa stage or succeeds.
type Snapshot struct {
	Stage      Stage  `json:"stage,omitempty"`
	Password   string `json:"password,omitempty"`
	MFACode    string `json:"mfaCode"`
	Status     Status `json:"status,omitempty"`
	DeadlineMs *int64 `json:"deadlineMs,omitempty"`
}

// Deadline returns the stored countdown deadline, if any.
func (s Snapshot) Deadline() (time.Time, bool) {
	if s.DeadlineMs == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*s.DeadlineMs), true
}

// LoadSnapshot reads the persisted snapshot. A missing snapshot is reported
// with ok false.
func LoadSnapshot(tabs *storage.TabStore) (snap Snapshot, ok bool, err error) {
	ok, err = tabs.Get(storage.KeyAccountDelete, &snap)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("loading delete snapshot: %w", err)
	}
	return snap, ok, nil
}

// SaveSnapshot persists snap.
func SaveSnapshot(tabs *storage.TabStore, snap Snapshot) error {
	if err := tabs.Set(storage.KeyAccountDelete, snap); err != nil {
		return fmt.Errorf("saving delete snapshot: %w", err)
	}
	return nil
}

// DiscardSnapshot removes the persisted snapshot.
func DiscardSnapshot(tabs *storage.TabStore) error {
	if err := tabs.Remove(storage.KeyAccountDelete); err != nil {
		return fmt.Errorf("discarding delete snapshot: %w", err)
	}
	return nil
}
