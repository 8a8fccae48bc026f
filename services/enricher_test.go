package services

import (
	"context"
	"testing"
	"time"

	"rental-watcher/models"
	"rental-watcher/search"
	"rental-watcher/utils"
)

func newTestLogger() *utils.Logger { return utils.NewLogger() }

// fakeSearch scripts the search API for enricher tests.
type fakeSearch struct {
	results []search.Result
	err     error
	calls   int
}

func (f *fakeSearch) Search(ctx context.Context, query string) ([]search.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func newTestEnricher(client search.Client, opts EnricherOptions) *Enricher {
	e := NewEnricher(client, newTestLogger(), opts)
	e.retry.BaseDelay = time.Millisecond
	return e
}

func TestCanonicalKeyStableAcrossFormatting(t *testing.T) {
	base := CanonicalKey("パークハウス 東中野", "東京都中野区東中野１－２－３")

	variants := []struct {
		name, addr string
	}{
		{"ﾊﾟｰｸﾊｳｽ東中野", "東京都中野区東中野1-2-3"},
		{"パークハウス　東中野", "東京都 中野区 東中野 1-2-3"},
	}
	for _, v := range variants {
		if got := CanonicalKey(v.name, v.addr); got != base {
			t.Errorf("CanonicalKey(%q, %q) = %q; want %q", v.name, v.addr, got, base)
		}
	}

	other := CanonicalKey("パークハウス 東中野", "東京都中野区東中野4-5-6")
	if other == base {
		t.Error("different addresses must not collide")
	}
}

func TestCanonicalKeyCaseAndWidth(t *testing.T) {
	a := CanonicalKey("Park House EAST", "Nakano 1-2-3")
	b := CanonicalKey("park  house east", "nakano１−２−３")
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
}

func TestAddressIsSpecific(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"東京都杉並区高円寺南2-1-5", true},
		{"新宿区西新宿１丁目", true},
		{"東京都杉並区", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := addressIsSpecific(tt.addr); got != tt.want {
			t.Errorf("addressIsSpecific(%q) = %v; want %v", tt.addr, got, tt.want)
		}
	}
}

func TestDiceCoefficient(t *testing.T) {
	if got := diceCoefficient("グランメゾン高円寺", "グランメゾン高円寺"); got != 1 {
		t.Errorf("identical strings: got %.2f, want 1", got)
	}
	if got := diceCoefficient("あいう", "xyz"); got != 0 {
		t.Errorf("disjoint strings: got %.2f, want 0", got)
	}
	mid := diceCoefficient("グランメゾン高円寺", "グランメゾン中野")
	if mid <= 0 || mid >= 1 {
		t.Errorf("partial overlap: got %.2f, want in (0, 1)", mid)
	}
}

func TestEnrichSpecificAddressResolvesLocally(t *testing.T) {
	fake := &fakeSearch{}
	e := newTestEnricher(fake, EnricherOptions{HighThreshold: 0.75, LowThreshold: 0.45})

	raw := []*models.RawListing{{
		SourceURL:    "https://suumo.jp/chintai/jnc_1/",
		BuildingName: "グランメゾン高円寺",
		Address:      "東京都杉並区高円寺南2-1-5",
		RentYen:      85000,
	}}

	enriched, failures := e.Enrich(context.Background(), raw)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if enriched[0].Confidence != models.ConfidenceHigh {
		t.Errorf("confidence: got %q, want high", enriched[0].Confidence)
	}
	if fake.calls != 0 {
		t.Errorf("search should not be called for specific addresses, got %d calls", fake.calls)
	}
	if enriched[0].CanonicalKey == "" {
		t.Error("canonical key must be set")
	}
}

func TestEnrichThresholds(t *testing.T) {
	listing := &models.RawListing{
		SourceURL:    "https://suumo.jp/chintai/jnc_2/",
		BuildingName: "グランメゾン高円寺",
		Address:      "東京都杉並区", // ward-level only: ambiguous
	}

	t.Run("exact match is high", func(t *testing.T) {
		fake := &fakeSearch{results: []search.Result{
			{Title: "グランメゾン高円寺 東京都杉並区", URL: "https://example.co.jp/gm", Rank: 0},
		}}
		e := newTestEnricher(fake, EnricherOptions{HighThreshold: 0.75, LowThreshold: 0.45})

		enriched, _ := e.Enrich(context.Background(), []*models.RawListing{listing})
		if enriched[0].Confidence != models.ConfidenceHigh {
			t.Errorf("confidence: got %q (score %.2f), want high", enriched[0].Confidence, enriched[0].MatchScore)
		}
		if enriched[0].ResolvedURL != "https://example.co.jp/gm" {
			t.Errorf("resolved URL: got %q", enriched[0].ResolvedURL)
		}
	})

	t.Run("partial match is low", func(t *testing.T) {
		fake := &fakeSearch{results: []search.Result{
			{Title: "グランメゾン高円寺", Rank: 0},
		}}
		e := newTestEnricher(fake, EnricherOptions{HighThreshold: 0.99, LowThreshold: 0.1})

		enriched, _ := e.Enrich(context.Background(), []*models.RawListing{listing})
		if enriched[0].Confidence != models.ConfidenceLow {
			t.Errorf("confidence: got %q (score %.2f), want low", enriched[0].Confidence, enriched[0].MatchScore)
		}
	})

	t.Run("no overlap is unresolved", func(t *testing.T) {
		fake := &fakeSearch{results: []search.Result{
			{Title: "qwerty", Snippet: "asdf", Rank: 0},
		}}
		e := newTestEnricher(fake, EnricherOptions{HighThreshold: 0.75, LowThreshold: 0.45})

		enriched, _ := e.Enrich(context.Background(), []*models.RawListing{listing})
		if enriched[0].Confidence != models.ConfidenceUnresolved {
			t.Errorf("confidence: got %q, want unresolved", enriched[0].Confidence)
		}
	})
}

func TestEnrichQuotaDegradesToUnresolved(t *testing.T) {
	fake := &fakeSearch{err: &models.EnrichmentError{Kind: models.KindQuotaExceeded, Query: "q"}}
	e := newTestEnricher(fake, EnricherOptions{HighThreshold: 0.75, LowThreshold: 0.45})

	raw := []*models.RawListing{{
		SourceURL:    "https://suumo.jp/chintai/jnc_3/",
		BuildingName: "グランメゾン高円寺",
		Address:      "東京都杉並区",
	}}

	enriched, failures := e.Enrich(context.Background(), raw)
	if enriched[0].Confidence != models.ConfidenceUnresolved {
		t.Errorf("confidence: got %q, want unresolved", enriched[0].Confidence)
	}
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
	if failures[0].Kind != models.KindQuotaExceeded {
		t.Errorf("failure kind: got %q, want %q", failures[0].Kind, models.KindQuotaExceeded)
	}
	// One bounded retry, no unbounded loop.
	if fake.calls != 2 {
		t.Errorf("search calls: got %d, want 2 (one retry)", fake.calls)
	}
}

func TestEnrichMissingNameIsUnresolved(t *testing.T) {
	fake := &fakeSearch{}
	e := newTestEnricher(fake, EnricherOptions{HighThreshold: 0.75, LowThreshold: 0.45})

	enriched, _ := e.Enrich(context.Background(), []*models.RawListing{{
		SourceURL: "https://suumo.jp/chintai/jnc_4/",
		Address:   "東京都杉並区高円寺南2-1-5",
	}})
	if enriched[0].Confidence != models.ConfidenceUnresolved {
		t.Errorf("confidence: got %q, want unresolved", enriched[0].Confidence)
	}
	if fake.calls != 0 {
		t.Errorf("search should not run without a building name")
	}
}
