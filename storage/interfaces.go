package storage

import (
	"context"

	"rental-watcher/models"
)

// RecordStore is the spreadsheet-backed store of persisted listing records.
// PatchRow must fail with PersistenceError(ConflictError) when the row's
// version no longer matches expectedVersion.
type RecordStore interface {
	ReadAll(ctx context.Context) ([]*models.PersistedRecord, error)
	AppendRows(ctx context.Context, records []*models.PersistedRecord) error
	PatchRow(ctx context.Context, record *models.PersistedRecord, expectedVersion int64) error
}

// RawSnapshotWriter persists the unprocessed fetch output of one run.
type RawSnapshotWriter interface {
	WriteRaw(listings []*models.RawListing) error
	Close() error
}
