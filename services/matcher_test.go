package services

import (
	"testing"
	"time"

	"rental-watcher/models"
)

func enrichedListing(key, url string, conf models.Confidence, rent float64) *models.EnrichedListing {
	return &models.EnrichedListing{
		RawListing: models.RawListing{
			SourceURL:    url,
			BuildingName: "グランメゾン高円寺",
			Address:      "東京都杉並区高円寺南2-1-5",
			RentYen:      rent,
			SizeSqm:      40.2,
			Layout:       "1LDK",
			ExtractedAt:  time.Now(),
		},
		CanonicalKey: key,
		Confidence:   conf,
	}
}

func classOf(classified []*models.ClassifiedListing, url string) models.Classification {
	for _, cl := range classified {
		if cl.Listing.SourceURL == url {
			return cl.Class
		}
	}
	return ""
}

func TestClassifyNewUpdatedUnchanged(t *testing.T) {
	m := NewMatcher(newTestLogger())

	stored := mergeRecord(nil, enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000), time.Now())
	stored.Row = 2

	enriched := []*models.EnrichedListing{
		enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000), // same fields
		enrichedListing("k2", "https://suumo.jp/2", models.ConfidenceHigh, 90000), // not stored
	}

	classified := m.Classify(enriched, []*models.PersistedRecord{stored})

	if got := classOf(classified, "https://suumo.jp/1"); got != models.ClassUnchanged {
		t.Errorf("k1: got %q, want unchanged", got)
	}
	if got := classOf(classified, "https://suumo.jp/2"); got != models.ClassNew {
		t.Errorf("k2: got %q, want new", got)
	}
}

func TestClassifyUpdatedCarriesDiff(t *testing.T) {
	m := NewMatcher(newTestLogger())

	stored := mergeRecord(nil, enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000), time.Now())
	changed := enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 88000)

	classified := m.Classify([]*models.EnrichedListing{changed}, []*models.PersistedRecord{stored})

	if classified[0].Class != models.ClassUpdated {
		t.Fatalf("got %q, want updated", classified[0].Class)
	}
	if len(classified[0].Diff) != 1 || classified[0].Diff[0].Field != "rent_yen" {
		t.Errorf("diff: got %+v, want single rent_yen change", classified[0].Diff)
	}
	if classified[0].Diff[0].Old != "85000" || classified[0].Diff[0].New != "88000" {
		t.Errorf("diff values: got %+v", classified[0].Diff[0])
	}
}

func TestClassifyUnresolvedIsSkipped(t *testing.T) {
	m := NewMatcher(newTestLogger())

	classified := m.Classify([]*models.EnrichedListing{
		enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceUnresolved, 85000),
	}, nil)

	if classified[0].Class != models.ClassSkipped {
		t.Errorf("got %q, want skipped", classified[0].Class)
	}
}

func TestInRunDuplicateConfidenceTieBreak(t *testing.T) {
	m := NewMatcher(newTestLogger())

	low := enrichedListing("k1", "https://suumo.jp/low", models.ConfidenceLow, 85000)
	high := enrichedListing("k1", "https://suumo.jp/high", models.ConfidenceHigh, 85000)

	classified := m.Classify([]*models.EnrichedListing{low, high}, nil)

	if got := classOf(classified, "https://suumo.jp/high"); got != models.ClassNew {
		t.Errorf("high-confidence listing: got %q, want new", got)
	}
	if got := classOf(classified, "https://suumo.jp/low"); got != models.ClassDuplicateSkip {
		t.Errorf("low-confidence listing: got %q, want duplicate", got)
	}
}

func TestInRunDuplicatePostedDateTieBreak(t *testing.T) {
	m := NewMatcher(newTestLogger())

	older := enrichedListing("k1", "https://suumo.jp/old", models.ConfidenceHigh, 85000)
	older.PostedDate = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	newer := enrichedListing("k1", "https://suumo.jp/new", models.ConfidenceHigh, 85000)
	newer.PostedDate = time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	classified := m.Classify([]*models.EnrichedListing{older, newer}, nil)

	if got := classOf(classified, "https://suumo.jp/new"); got != models.ClassNew {
		t.Errorf("newer posting: got %q, want new", got)
	}
	if got := classOf(classified, "https://suumo.jp/old"); got != models.ClassDuplicateSkip {
		t.Errorf("older posting: got %q, want duplicate", got)
	}
}

// Two identical scrapes resolving to one key yield exactly one NEW and one
// duplicate-skip, never two writes.
func TestDuplicateKeySingleNew(t *testing.T) {
	m := NewMatcher(newTestLogger())

	a := enrichedListing("K1", "https://suumo.jp/a", models.ConfidenceHigh, 100000)
	b := enrichedListing("K1", "https://suumo.jp/b", models.ConfidenceHigh, 100000)

	classified := m.Classify([]*models.EnrichedListing{a, b}, nil)

	var news, dups int
	for _, cl := range classified {
		switch cl.Class {
		case models.ClassNew:
			news++
		case models.ClassDuplicateSkip:
			dups++
		}
	}
	if news != 1 || dups != 1 {
		t.Errorf("got %d new / %d duplicates, want 1 / 1", news, dups)
	}
	// First seen wins when confidence and posting date are equal.
	if got := classOf(classified, "https://suumo.jp/a"); got != models.ClassNew {
		t.Errorf("first-seen listing: got %q, want new", got)
	}
}

// A record written as NEW and re-scraped unchanged must classify UNCHANGED.
func TestRoundTripUnchanged(t *testing.T) {
	m := NewMatcher(newTestLogger())

	l := enrichedListing("k1", "https://suumo.jp/1", models.ConfidenceHigh, 85000)
	written := mergeRecord(nil, l, time.Now())
	written.Row = 2

	classified := m.Classify([]*models.EnrichedListing{l}, []*models.PersistedRecord{written})
	if classified[0].Class != models.ClassUnchanged {
		t.Errorf("got %q, want unchanged", classified[0].Class)
	}
}
