package models

import (
	"encoding/json"
	"time"
)

// SnapshotVersion is the export format version written by ExportAll.
const SnapshotVersion = 1

// QueueStatus is the delivery state of a queue entry.
type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusSyncing QueueStatus = "syncing"
	StatusSuccess QueueStatus = "success"
	StatusError   QueueStatus = "error"
)

// IsValid reports whether s is one of the known statuses.
func (s QueueStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSuccess, StatusError:
		return true
	}
	return false
}

// Deliverable reports whether an entry in this status is picked up by a sync run.
func (s QueueStatus) Deliverable() bool {
	return s == StatusPending || s == StatusError
}

// CapturedRecord is a domain payload captured locally, possibly while offline.
// SyncedAt is non-nil exactly when Synced is true.
type CapturedRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CapturedAt time.Time       `json:"capturedAt"`
	Synced     bool            `json:"synced"`
	SyncedAt   *time.Time      `json:"syncedAt,omitempty"`
}

// QueueEntry tracks delivery of the record with the same ID. It exists only
// while that record is unsynced.
type QueueEntry struct {
	ID         string      `json:"id"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	Attempts   int         `json:"attempts"`
	Status     QueueStatus `json:"status"`
	LastError  string      `json:"lastError,omitempty"`
}

// PendingItem pairs a deliverable queue entry with its record.
type PendingItem struct {
	Record CapturedRecord
	Entry  QueueEntry
}

// Totals summarizes the store.
type Totals struct {
	Records int `json:"records"`
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
}

// Snapshot is the export/import document.
type Snapshot struct {
	Version   int              `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	Records   []CapturedRecord `json:"records"`
	Queue     []QueueEntry     `json:"queue"`
	Totals    Totals           `json:"totals"`
}
