package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/width"

	"rental-watcher/models"
	"rental-watcher/search"
	"rental-watcher/utils"
)

// EnricherOptions bound the search usage and score thresholding.
type EnricherOptions struct {
	MaxQueriesPerListing int
	QueryTemplate        string // fmt template taking building name, address
	HighThreshold        float64
	LowThreshold         float64
	Concurrency          int
	RateLimitMs          int
}

// Enricher resolves a canonical identity for each raw listing. Listings whose
// address already pins down the unit resolve locally; ambiguous ones are
// cross-referenced against the search API. Search failures degrade the
// listing to unresolved instead of aborting the run.
type Enricher struct {
	search search.Client
	logger *utils.Logger
	retry  *utils.RetryConfig
	opts   EnricherOptions
}

// NewEnricher creates an Enricher over the given search client.
func NewEnricher(client search.Client, logger *utils.Logger, opts EnricherOptions) *Enricher {
	if opts.MaxQueriesPerListing < 1 {
		opts.MaxQueriesPerListing = 1
	}
	if opts.QueryTemplate == "" {
		opts.QueryTemplate = "%s %s 賃貸"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Enricher{
		search: client,
		logger: logger,
		retry: &utils.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   5 * time.Second,
			Logger:      logger,
		},
		opts: opts,
	}
}

// Enrich resolves all listings, preserving input order. Per-listing search
// failures are returned alongside the (degraded) listings.
func (e *Enricher) Enrich(ctx context.Context, raw []*models.RawListing) ([]*models.EnrichedListing, []models.Failure) {
	enriched := make([]*models.EnrichedListing, len(raw))
	var mu sync.Mutex
	var failures []models.Failure

	pool := utils.NewWorkerPool(e.opts.Concurrency, e.opts.RateLimitMs)
	for i, listing := range raw {
		i, l := i, listing
		pool.Submit(func() {
			result, err := e.enrichOne(ctx, l)
			mu.Lock()
			enriched[i] = result
			if err != nil {
				failures = append(failures, models.Failure{
					Ref:    l.SourceURL,
					Stage:  "enrich",
					Kind:   models.ErrorKind(err),
					Detail: err.Error(),
				})
			}
			mu.Unlock()
		})
	}
	pool.Wait()

	e.logger.Info("[enricher] Resolved %d listings (%d degraded)", len(enriched), len(failures))
	return enriched, failures
}

func (e *Enricher) enrichOne(ctx context.Context, l *models.RawListing) (*models.EnrichedListing, error) {
	out := &models.EnrichedListing{
		RawListing:   *l,
		CanonicalKey: CanonicalKey(l.BuildingName, l.Address),
	}

	if l.BuildingName == "" {
		out.Confidence = models.ConfidenceUnresolved
		return out, nil
	}

	if addressIsSpecific(l.Address) {
		// Block/lot-level address: identity is unambiguous without search.
		out.Confidence = models.ConfidenceHigh
		return out, nil
	}

	best, err := e.bestMatch(ctx, l)
	if err != nil {
		e.logger.Warn("[enricher] %s degraded to unresolved: %v", l.BuildingName, err)
		out.Confidence = models.ConfidenceUnresolved
		return out, err
	}

	out.MatchScore = best.score
	out.ResolvedURL = best.url
	switch {
	case best.score >= e.opts.HighThreshold:
		out.Confidence = models.ConfidenceHigh
	case best.score >= e.opts.LowThreshold:
		out.Confidence = models.ConfidenceLow
	default:
		out.Confidence = models.ConfidenceUnresolved
	}
	return out, nil
}

type matchCandidate struct {
	score float64
	rank  int
	url   string
}

// bestMatch issues up to MaxQueriesPerListing queries and scores every
// result against the listing. Ties on score go to the higher-ranked result.
func (e *Enricher) bestMatch(ctx context.Context, l *models.RawListing) (matchCandidate, error) {
	target := normalizeText(l.BuildingName + " " + l.Address)
	best := matchCandidate{rank: 1 << 30}

	queries := e.buildQueries(l)
	for _, q := range queries {
		var results []search.Result
		err := e.retry.Do(ctx, "search", func() error {
			var serr error
			results, serr = e.search.Search(ctx, q)
			return serr
		})
		if err != nil {
			return best, err
		}

		for _, r := range results {
			score := diceCoefficient(target, normalizeText(r.Title+" "+r.Snippet))
			if score > best.score || (score == best.score && r.Rank < best.rank) {
				best = matchCandidate{score: score, rank: r.Rank, url: r.URL}
			}
		}

		if best.score >= e.opts.HighThreshold {
			break
		}
	}
	return best, nil
}

func (e *Enricher) buildQueries(l *models.RawListing) []string {
	queries := []string{fmt.Sprintf(e.opts.QueryTemplate, l.BuildingName, l.Address)}
	if len(queries) < e.opts.MaxQueriesPerListing {
		queries = append(queries, l.BuildingName+" 賃貸")
	}
	if len(queries) > e.opts.MaxQueriesPerListing {
		queries = queries[:e.opts.MaxQueriesPerListing]
	}
	return queries
}

// CanonicalKey derives the deduplication identity of a listing. The
// normalization makes the key survive full-width/half-width and spacing
// variants of the same building and address.
func CanonicalKey(buildingName, address string) string {
	return normalizeKey(buildingName) + "|" + normalizeKey(address)
}

var addressSpecificRegexp = regexp.MustCompile(`丁目|番地|\d+番|\d+号|\d+-\d+`)

// addressIsSpecific reports whether the address carries a block/lot number,
// which pins the unit down without a search.
func addressIsSpecific(address string) bool {
	return addressSpecificRegexp.MatchString(width.Narrow.String(address))
}

func normalizeKey(s string) string {
	s = normalizeText(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, s)
}

// normalizeText width-folds, lowercases, and collapses whitespace.
func normalizeText(s string) string {
	s = width.Narrow.String(s)
	s = strings.ToLower(s)
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	return strings.Join(fields, " ")
}

// diceCoefficient is the Sørensen–Dice similarity over rune bigrams,
// in [0, 1]. Deterministic, cheap, and robust to word order.
func diceCoefficient(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}

	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}

	overlap := 0
	for bg, na := range ba {
		if nb, ok := bb[bg]; ok {
			if na < nb {
				overlap += na
			} else {
				overlap += nb
			}
		}
	}

	totalA, totalB := 0, 0
	for _, n := range ba {
		totalA += n
	}
	for _, n := range bb {
		totalB += n
	}
	return 2 * float64(overlap) / float64(totalA+totalB)
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}
