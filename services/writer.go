package services

import (
	"context"
	"time"

	"rental-watcher/models"
	"rental-watcher/storage"
	"rental-watcher/utils"
)

// WriteResult reports what the writer actually committed.
type WriteResult struct {
	Appended []*models.PersistedRecord
	Patched  []*models.PersistedRecord
	Failures []models.Failure
}

// Writer commits classified listings to the record store. All writes for a
// run go through this single writer, serially, so the append/patch
// discipline stays simple and key races cannot happen within a run.
type Writer struct {
	store      storage.RecordStore
	logger     *utils.Logger
	retryDelay time.Duration
	now        func() time.Time
}

// NewWriter creates a Writer over the given store.
func NewWriter(store storage.RecordStore, logger *utils.Logger) *Writer {
	return &Writer{
		store:      store,
		logger:     logger,
		retryDelay: 5 * time.Second,
		now:        time.Now,
	}
}

// Apply appends NEW records and patches UPDATED ones. Skipped, duplicate,
// and unchanged listings never reach the store. Per-record failures are
// collected; the returned error is non-nil only for failures that doom the
// whole stage (authentication).
func (w *Writer) Apply(ctx context.Context, classified []*models.ClassifiedListing) (*WriteResult, error) {
	res := &WriteResult{}

	var toAppend []*models.ClassifiedListing
	var toPatch []*models.ClassifiedListing
	for _, cl := range classified {
		switch cl.Class {
		case models.ClassNew:
			toAppend = append(toAppend, cl)
		case models.ClassUpdated:
			toPatch = append(toPatch, cl)
		}
	}

	if err := w.appendNew(ctx, toAppend, res); err != nil {
		return res, err
	}
	if err := w.patchUpdated(ctx, toPatch, res); err != nil {
		return res, err
	}

	w.logger.Info("[writer] Committed %d appends, %d patches (%d failed)",
		len(res.Appended), len(res.Patched), len(res.Failures))
	return res, nil
}

func (w *Writer) appendNew(ctx context.Context, toAppend []*models.ClassifiedListing, res *WriteResult) error {
	if len(toAppend) == 0 {
		return nil
	}

	now := w.now()
	records := make([]*models.PersistedRecord, 0, len(toAppend))
	for _, cl := range toAppend {
		records = append(records, mergeRecord(nil, cl.Listing, now))
	}

	err := w.store.AppendRows(ctx, records)
	if err != nil && !isFatal(err) {
		// One bounded retry for transient failures.
		w.logger.Warn("[writer] Append failed, retrying once: %v", err)
		if werr := w.wait(ctx); werr != nil {
			return werr
		}
		err = w.store.AppendRows(ctx, records)
	}

	if err != nil {
		if isFatal(err) {
			return err
		}
		for _, rec := range records {
			res.Failures = append(res.Failures, writeFailure(rec.Key, err))
		}
		return nil
	}

	res.Appended = records
	return nil
}

func (w *Writer) patchUpdated(ctx context.Context, toPatch []*models.ClassifiedListing, res *WriteResult) error {
	for _, cl := range toPatch {
		rec := mergeRecord(cl.Existing, cl.Listing, w.now())

		err := w.store.PatchRow(ctx, rec, cl.Existing.Version)
		if err != nil {
			var retryErr error
			switch {
			case models.IsConflict(err):
				// A concurrent writer moved the row: one re-read, one retry.
				rec, retryErr = w.retryConflict(ctx, cl)
			case isFatal(err):
				return err
			default:
				w.logger.Warn("[writer] Patch %s failed, retrying once: %v", rec.Key, err)
				if werr := w.wait(ctx); werr != nil {
					return werr
				}
				retryErr = w.store.PatchRow(ctx, rec, cl.Existing.Version)
			}

			if retryErr != nil {
				if isFatal(retryErr) {
					return retryErr
				}
				res.Failures = append(res.Failures, writeFailure(cl.Listing.CanonicalKey, retryErr))
				continue
			}
		}

		res.Patched = append(res.Patched, rec)
	}
	return nil
}

// retryConflict re-reads the store and retries the patch exactly once
// against the fresh row version.
func (w *Writer) retryConflict(ctx context.Context, cl *models.ClassifiedListing) (*models.PersistedRecord, error) {
	w.logger.Warn("[writer] Conflict on %s — re-reading store", cl.Listing.CanonicalKey)

	fresh, err := w.store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	var current *models.PersistedRecord
	for _, rec := range fresh {
		if rec.Key == cl.Listing.CanonicalKey {
			current = rec
			break
		}
	}
	if current == nil {
		return nil, &models.PersistenceError{Kind: models.KindConflictError, Key: cl.Listing.CanonicalKey}
	}

	if len(diffRecord(current, cl.Listing)) == 0 {
		// The concurrent writer already landed these values.
		return current, nil
	}

	rec := mergeRecord(current, cl.Listing, w.now())
	if err := w.store.PatchRow(ctx, rec, current.Version); err != nil {
		return nil, err
	}
	return rec, nil
}

func (w *Writer) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.retryDelay):
		return nil
	}
}

// mergeRecord builds the full row to write: a brand-new record when existing
// is nil, otherwise the existing row with the scraped fields applied. Rows
// are always written whole, never field by field.
func mergeRecord(existing *models.PersistedRecord, l *models.EnrichedListing, now time.Time) *models.PersistedRecord {
	rec := &models.PersistedRecord{
		Key:           l.CanonicalKey,
		BuildingName:  l.BuildingName,
		Address:       l.Address,
		RentYen:       l.RentYen,
		SizeSqm:       l.SizeSqm,
		Layout:        l.Layout,
		SourceURL:     l.SourceURL,
		PostedDate:    l.PostedDate,
		FirstSeenAt:   now,
		LastUpdatedAt: now,
		Version:       1,
	}
	if existing != nil {
		rec.FirstSeenAt = existing.FirstSeenAt
		rec.Version = existing.Version
		rec.Row = existing.Row
	}
	return rec
}

func isFatal(err error) bool {
	return models.ErrorKind(err) == models.KindAuthError
}

func writeFailure(key string, err error) models.Failure {
	return models.Failure{
		Ref:    key,
		Stage:  "write",
		Kind:   models.ErrorKind(err),
		Detail: err.Error(),
	}
}
