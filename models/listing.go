package models

import "time"

// RawListing holds scraped data straight from the browser, normalized into
// typed fields at the fetcher boundary. It is written to the CSV snapshot
// before any enrichment and carries no persistent identity.
type RawListing struct {
	SourceURL    string
	BuildingName string
	Address      string
	RentYen      float64
	SizeSqm      float64   // 0 when the site omits it
	Layout       string    // e.g. "2LDK"
	PostedDate   time.Time // zero when absent
	ExtractedAt  time.Time
}

// Confidence classifies how certain the enricher is that a listing's
// resolved identity is correct.
type Confidence string

const (
	ConfidenceHigh       Confidence = "high"
	ConfidenceLow        Confidence = "low"
	ConfidenceUnresolved Confidence = "unresolved"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// Better reports whether c wins a within-run duplicate tie-break against other.
func (c Confidence) Better(other Confidence) bool {
	return c.rank() > other.rank()
}

// EnrichedListing is a RawListing with a resolved deduplication identity.
type EnrichedListing struct {
	RawListing
	CanonicalKey string
	Confidence   Confidence
	ResolvedURL  string  // best search hit, empty when resolved locally
	MatchScore   float64 // similarity score of the best hit, 0 when local
}

// PersistedRecord is one row of the spreadsheet store, keyed by CanonicalKey.
// Owned by the persistence layer; read-only to everything else.
type PersistedRecord struct {
	Key           string
	BuildingName  string
	Address       string
	RentYen       float64
	SizeSqm       float64
	Layout        string
	SourceURL     string
	PostedDate    time.Time
	FirstSeenAt   time.Time
	LastUpdatedAt time.Time
	Version       int64
	Row           int // 1-based sheet row; 0 for records not yet stored
}

// Classification is the matcher's verdict for one enriched listing.
type Classification string

const (
	ClassNew           Classification = "new"
	ClassUpdated       Classification = "updated"
	ClassUnchanged     Classification = "unchanged"
	ClassSkipped       Classification = "skipped"   // unresolved identity
	ClassDuplicateSkip Classification = "duplicate" // lost an in-run tie-break
)

// FieldChange records one tracked field that differs from the stored row.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

// ClassifiedListing pairs a listing with its classification. Existing is the
// stored record the diff was computed against (nil for ClassNew).
type ClassifiedListing struct {
	Listing  *EnrichedListing
	Class    Classification
	Diff     []FieldChange
	Existing *PersistedRecord
}

// Failure is one per-item error recorded in the run summary.
type Failure struct {
	Ref    string // source URL or canonical key
	Stage  string // fetch, enrich, write
	Kind   string // error kind from the taxonomy
	Detail string
}

// RunSummary is the ephemeral result of one pipeline run. It is logged and
// printed but never persisted.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Fetched    int
	New        int
	Updated    int
	Unchanged  int
	Skipped    int
	Duplicates int
	Failed     int

	Failures []Failure
}
