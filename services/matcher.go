package services

import (
	"fmt"
	"strconv"

	"rental-watcher/models"
	"rental-watcher/utils"
)

// Matcher classifies enriched listings against the persisted record set.
// It never touches the store itself; it gets one read of it.
type Matcher struct {
	logger *utils.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(logger *utils.Logger) *Matcher {
	return &Matcher{logger: logger}
}

// Classify resolves within-run duplicates and classifies every listing as
// NEW, UPDATED, UNCHANGED, SKIPPED, or a duplicate-skip. Output preserves
// input order. At most one listing per canonical key survives, so the
// writer can never double-write a key.
func (m *Matcher) Classify(enriched []*models.EnrichedListing, existing []*models.PersistedRecord) []*models.ClassifiedListing {
	byKey := make(map[string]*models.PersistedRecord, len(existing))
	for _, rec := range existing {
		byKey[rec.Key] = rec
	}

	winners := m.resolveRunDuplicates(enriched)

	out := make([]*models.ClassifiedListing, 0, len(enriched))
	for _, l := range enriched {
		cl := &models.ClassifiedListing{Listing: l}

		switch {
		case l.Confidence == models.ConfidenceUnresolved:
			cl.Class = models.ClassSkipped
		case winners[l.CanonicalKey] != l:
			cl.Class = models.ClassDuplicateSkip
		default:
			rec, found := byKey[l.CanonicalKey]
			if !found {
				cl.Class = models.ClassNew
			} else {
				cl.Existing = rec
				cl.Diff = diffRecord(rec, l)
				if len(cl.Diff) == 0 {
					cl.Class = models.ClassUnchanged
				} else {
					cl.Class = models.ClassUpdated
				}
			}
		}

		out = append(out, cl)
	}

	m.logCounts(out)
	return out
}

// resolveRunDuplicates picks one winner per canonical key: higher confidence
// wins, equal confidence falls to the later posted date, still equal keeps
// the first seen.
func (m *Matcher) resolveRunDuplicates(enriched []*models.EnrichedListing) map[string]*models.EnrichedListing {
	winners := make(map[string]*models.EnrichedListing, len(enriched))
	for _, l := range enriched {
		if l.Confidence == models.ConfidenceUnresolved {
			continue
		}

		current, ok := winners[l.CanonicalKey]
		if !ok {
			winners[l.CanonicalKey] = l
			continue
		}

		if l.Confidence.Better(current.Confidence) ||
			(l.Confidence == current.Confidence && l.PostedDate.After(current.PostedDate)) {
			m.logger.Debug("[matcher] In-run duplicate for %s: keeping %s", l.CanonicalKey, l.SourceURL)
			winners[l.CanonicalKey] = l
		}
	}
	return winners
}

// diffRecord compares the tracked fields of a stored record against a
// freshly scraped listing.
func diffRecord(rec *models.PersistedRecord, l *models.EnrichedListing) []models.FieldChange {
	var diff []models.FieldChange

	add := func(field, old, new string) {
		if old != new {
			diff = append(diff, models.FieldChange{Field: field, Old: old, New: new})
		}
	}

	add("building_name", rec.BuildingName, l.BuildingName)
	add("address", rec.Address, l.Address)
	add("rent_yen", formatAmount(rec.RentYen), formatAmount(l.RentYen))
	add("size_sqm", formatAmount(rec.SizeSqm), formatAmount(l.SizeSqm))
	add("layout", rec.Layout, l.Layout)
	add("source_url", rec.SourceURL, l.SourceURL)

	return diff
}

func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (m *Matcher) logCounts(classified []*models.ClassifiedListing) {
	counts := make(map[models.Classification]int)
	for _, cl := range classified {
		counts[cl.Class]++
	}
	m.logger.Info("[matcher] %s", countsLine(counts))
}

func countsLine(counts map[models.Classification]int) string {
	return fmt.Sprintf("new: %d | updated: %d | unchanged: %d | skipped: %d | duplicates: %d",
		counts[models.ClassNew], counts[models.ClassUpdated], counts[models.ClassUnchanged],
		counts[models.ClassSkipped], counts[models.ClassDuplicateSkip])
}
