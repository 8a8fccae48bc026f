package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rental-watcher/models"
)

// fakeStore is an in-memory RecordStore with honest version-checked patches.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*models.PersistedRecord

	readAllCalls int
	appendCalls  int
	patchCalls   int

	appendErr   error
	patchErrFor map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     make(map[string]*models.PersistedRecord),
		patchErrFor: make(map[string]error),
	}
}

func (f *fakeStore) ReadAll(ctx context.Context) ([]*models.PersistedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAllCalls++

	out := make([]*models.PersistedRecord, 0, len(f.records))
	for _, rec := range f.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) AppendRows(ctx context.Context, records []*models.PersistedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++

	if f.appendErr != nil {
		return f.appendErr
	}
	for _, rec := range records {
		cp := *rec
		cp.Row = len(f.records) + 2
		if cp.Version == 0 {
			cp.Version = 1
		}
		f.records[cp.Key] = &cp
		rec.Row = cp.Row
		rec.Version = cp.Version
	}
	return nil
}

func (f *fakeStore) PatchRow(ctx context.Context, record *models.PersistedRecord, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patchCalls++

	if err, ok := f.patchErrFor[record.Key]; ok {
		return err
	}

	current, ok := f.records[record.Key]
	if !ok || current.Version != expectedVersion {
		live := int64(0)
		if ok {
			live = current.Version
		}
		return &models.PersistenceError{
			Kind: models.KindConflictError,
			Key:  record.Key,
			Err:  fmt.Errorf("version %d, expected %d", live, expectedVersion),
		}
	}

	record.Version = expectedVersion + 1
	cp := *record
	f.records[record.Key] = &cp
	return nil
}

func newTestWriter(store *fakeStore) *Writer {
	w := NewWriter(store, newTestLogger())
	w.retryDelay = time.Millisecond
	return w
}

func classify(enriched []*models.EnrichedListing, existing []*models.PersistedRecord) []*models.ClassifiedListing {
	return NewMatcher(newTestLogger()).Classify(enriched, existing)
}

func TestWriterNeverWritesNonWrites(t *testing.T) {
	store := newFakeStore()
	w := newTestWriter(store)

	stored := mergeRecord(nil, enrichedListing("k2", "https://suumo.jp/2", models.ConfidenceHigh, 85000), time.Now())
	store.records["k2"] = stored

	classified := classify([]*models.EnrichedListing{
		enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceUnresolved, 85000), // skipped
		enrichedListing("k2", "https://suumo.jp/2", models.ConfidenceHigh, 85000),       // unchanged
	}, []*models.PersistedRecord{stored})

	res, err := w.Apply(context.Background(), classified)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if store.appendCalls != 0 || store.patchCalls != 0 {
		t.Errorf("store touched: %d appends, %d patches, want 0/0", store.appendCalls, store.patchCalls)
	}
	if len(res.Appended)+len(res.Patched)+len(res.Failures) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestWriterAppendsNew(t *testing.T) {
	store := newFakeStore()
	w := newTestWriter(store)

	classified := classify([]*models.EnrichedListing{
		enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000),
	}, nil)

	res, err := w.Apply(context.Background(), classified)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Appended) != 1 {
		t.Fatalf("appended: got %d, want 1", len(res.Appended))
	}
	rec := store.records["k1"]
	if rec == nil {
		t.Fatal("record not stored")
	}
	if rec.Version != 1 {
		t.Errorf("version: got %d, want 1", rec.Version)
	}
	if rec.FirstSeenAt.IsZero() || rec.LastUpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestWriterPatchesUpdated(t *testing.T) {
	store := newFakeStore()
	w := newTestWriter(store)

	old := mergeRecord(nil, enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000), time.Now().Add(-24*time.Hour))
	old.Row = 2
	store.records["k1"] = old

	changed := enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 88000)
	classified := classify([]*models.EnrichedListing{changed}, []*models.PersistedRecord{old})

	res, err := w.Apply(context.Background(), classified)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Patched) != 1 {
		t.Fatalf("patched: got %d, want 1", len(res.Patched))
	}

	rec := store.records["k1"]
	if rec.RentYen != 88000 {
		t.Errorf("rent: got %.0f, want 88000", rec.RentYen)
	}
	if rec.Version != 2 {
		t.Errorf("version: got %d, want 2", rec.Version)
	}
	if !rec.FirstSeenAt.Equal(old.FirstSeenAt) {
		t.Error("FirstSeenAt must survive a patch")
	}
}

func TestWriterConflictRetriesOnceWithFreshRead(t *testing.T) {
	store := newFakeStore()
	w := newTestWriter(store)

	old := mergeRecord(nil, enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000), time.Now())
	old.Row = 2
	store.records["k1"] = old

	// Classify against the version-1 read...
	staleRead := *old
	changed := enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 88000)
	classified := classify([]*models.EnrichedListing{changed}, []*models.PersistedRecord{&staleRead})

	// ...then a concurrent writer bumps the row.
	store.records["k1"].Version = 2
	store.records["k1"].RentYen = 86000

	res, err := w.Apply(context.Background(), classified)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Patched) != 1 {
		t.Fatalf("patched: got %d (failures: %v), want 1", len(res.Patched), res.Failures)
	}
	if store.patchCalls != 2 {
		t.Errorf("patch calls: got %d, want 2 (original + one retry)", store.patchCalls)
	}
	if store.readAllCalls != 1 {
		t.Errorf("re-reads: got %d, want 1", store.readAllCalls)
	}
	if store.records["k1"].RentYen != 88000 || store.records["k1"].Version != 3 {
		t.Errorf("final row: %+v", store.records["k1"])
	}
}

func TestWriterPersistentConflictReported(t *testing.T) {
	store := newFakeStore()
	w := newTestWriter(store)

	old := mergeRecord(nil, enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000), time.Now())
	old.Row = 2
	store.records["k1"] = old
	store.patchErrFor["k1"] = &models.PersistenceError{Kind: models.KindConflictError, Key: "k1"}

	changed := enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 88000)
	classified := classify([]*models.EnrichedListing{changed}, []*models.PersistedRecord{old})

	res, err := w.Apply(context.Background(), classified)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if store.patchCalls != 2 {
		t.Errorf("patch calls: got %d, want exactly 2", store.patchCalls)
	}
	if len(res.Failures) != 1 || res.Failures[0].Kind != models.KindConflictError {
		t.Errorf("failures: got %+v, want one conflict", res.Failures)
	}
}

func TestWriterPartialFailureIsolation(t *testing.T) {
	store := newFakeStore()
	w := newTestWriter(store)

	var existing []*models.PersistedRecord
	var enriched []*models.EnrichedListing
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		url := fmt.Sprintf("https://suumo.jp/%d", i)
		old := mergeRecord(nil, enrichedListing(key, url, models.ConfidenceHigh, 85000), time.Now())
		old.Row = i + 2
		store.records[key] = old
		existing = append(existing, old)
		enriched = append(enriched, enrichedListing(key, url, models.ConfidenceHigh, 90000))
	}
	store.patchErrFor["k4"] = errors.New("transient write failure")

	res, err := w.Apply(context.Background(), classify(enriched, existing))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Patched) != 9 {
		t.Errorf("patched: got %d, want 9", len(res.Patched))
	}
	if len(res.Failures) != 1 || res.Failures[0].Ref != "k4" {
		t.Errorf("failures: got %+v, want one for k4", res.Failures)
	}
}

func TestWriterAuthErrorIsFatal(t *testing.T) {
	store := newFakeStore()
	store.appendErr = &models.PersistenceError{Kind: models.KindAuthError, Err: errors.New("forbidden")}
	w := newTestWriter(store)

	classified := classify([]*models.EnrichedListing{
		enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000),
	}, nil)

	_, err := w.Apply(context.Background(), classified)
	if models.ErrorKind(err) != models.KindAuthError {
		t.Fatalf("expected fatal auth error, got %v", err)
	}
}

func TestWriterAppendTransientRetry(t *testing.T) {
	store := newFakeStore()
	w := newTestWriter(store)

	store.appendErr = &models.PersistenceError{Kind: models.KindQuotaExceeded}
	classified := classify([]*models.EnrichedListing{
		enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000),
	}, nil)

	res, err := w.Apply(context.Background(), classified)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if store.appendCalls != 2 {
		t.Errorf("append calls: got %d, want 2 (one retry)", store.appendCalls)
	}
	if len(res.Failures) != 1 {
		t.Errorf("failures: got %+v, want 1", res.Failures)
	}
}
