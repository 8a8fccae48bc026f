package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"rental-watcher/models"
	"rental-watcher/storage"
	"rental-watcher/utils"
)

// RunState is the orchestrator's position in the run state machine.
type RunState string

const (
	StateInit      RunState = "INIT"
	StateFetching  RunState = "FETCHING"
	StateEnriching RunState = "ENRICHING"
	StateMatching  RunState = "MATCHING"
	StateWriting   RunState = "WRITING"
	StateDone      RunState = "DONE"
	StateFailed    RunState = "FAILED"
)

// ListingSource produces the raw listings of a run. The error return is
// reserved for whole-stage failures; per-card problems come back in the
// error slice.
type ListingSource interface {
	Fetch(ctx context.Context) ([]*models.RawListing, []error, error)
}

// IdentityResolver resolves canonical identities, degrading failures to
// unresolved listings rather than erroring out.
type IdentityResolver interface {
	Enrich(ctx context.Context, raw []*models.RawListing) ([]*models.EnrichedListing, []models.Failure)
}

// Pipeline sequences one fetch → enrich → match → write run. Per-item
// failures are collected into the summary; only stage-level infrastructure
// failures abort the run. Because each write is individually atomic,
// re-running after FAILED is always safe.
type Pipeline struct {
	fetcher  ListingSource
	enricher IdentityResolver
	matcher  *Matcher
	writer   *Writer
	store    storage.RecordStore
	snapshot storage.RawSnapshotWriter // optional raw-CSV artifact
	logger   *utils.Logger

	state      RunState
	lastResult *WriteResult
}

// NewPipeline wires the pipeline stages together.
func NewPipeline(
	fetcher ListingSource,
	enricher IdentityResolver,
	matcher *Matcher,
	writer *Writer,
	store storage.RecordStore,
	snapshot storage.RawSnapshotWriter,
	logger *utils.Logger,
) *Pipeline {
	return &Pipeline{
		fetcher:  fetcher,
		enricher: enricher,
		matcher:  matcher,
		writer:   writer,
		store:    store,
		snapshot: snapshot,
		logger:   logger,
		state:    StateInit,
	}
}

// State returns the current run state.
func (p *Pipeline) State() RunState { return p.state }

// Appended returns the records appended by the last run.
func (p *Pipeline) Appended() []*models.PersistedRecord {
	if p.lastResult == nil {
		return nil
	}
	return p.lastResult.Appended
}

// Patched returns the records patched by the last run.
func (p *Pipeline) Patched() []*models.PersistedRecord {
	if p.lastResult == nil {
		return nil
	}
	return p.lastResult.Patched
}

// Run executes one complete pipeline pass. The summary is returned even on
// failure; err is non-nil only when the run ends in FAILED.
func (p *Pipeline) Run(ctx context.Context) (*models.RunSummary, error) {
	summary := &models.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	defer func() { summary.FinishedAt = time.Now() }()

	p.logger.Info("[pipeline] Run %s starting", summary.RunID)

	p.transition(StateFetching)
	raw, itemErrs, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return summary, p.fail(summary, "fetch", err)
	}
	summary.Fetched = len(raw)
	for _, ie := range itemErrs {
		summary.Failures = append(summary.Failures, models.Failure{
			Ref:    failureRef(ie),
			Stage:  "fetch",
			Kind:   models.ErrorKind(ie),
			Detail: ie.Error(),
		})
	}

	if p.snapshot != nil {
		if serr := p.snapshot.WriteRaw(raw); serr != nil {
			p.logger.Warn("[pipeline] Raw snapshot failed: %v", serr)
		}
	}

	p.transition(StateEnriching)
	enriched, enrichFailures := p.enricher.Enrich(ctx, raw)
	summary.Failures = append(summary.Failures, enrichFailures...)

	p.transition(StateMatching)
	existing, err := p.store.ReadAll(ctx)
	if err != nil {
		return summary, p.fail(summary, "match", err)
	}
	classified := p.matcher.Classify(enriched, existing)

	p.transition(StateWriting)
	result, err := p.writer.Apply(ctx, classified)
	p.lastResult = result
	if err != nil {
		return summary, p.fail(summary, "write", err)
	}
	summary.Failures = append(summary.Failures, result.Failures...)

	summary.New = len(result.Appended)
	summary.Updated = len(result.Patched)
	for _, cl := range classified {
		switch cl.Class {
		case models.ClassUnchanged:
			summary.Unchanged++
		case models.ClassSkipped:
			summary.Skipped++
		case models.ClassDuplicateSkip:
			summary.Duplicates++
		}
	}
	summary.Failed = len(summary.Failures)

	p.transition(StateDone)
	p.logger.Info("[pipeline] Run %s done — new: %d | updated: %d | unchanged: %d | skipped: %d | duplicates: %d | failed: %d",
		summary.RunID, summary.New, summary.Updated, summary.Unchanged,
		summary.Skipped, summary.Duplicates, summary.Failed)
	return summary, nil
}

func (p *Pipeline) transition(next RunState) {
	p.logger.Debug("[pipeline] %s → %s", p.state, next)
	p.state = next
}

func (p *Pipeline) fail(summary *models.RunSummary, stage string, err error) error {
	p.transition(StateFailed)
	summary.Failures = append(summary.Failures, models.Failure{
		Ref:    failureRef(err),
		Stage:  stage,
		Kind:   models.ErrorKind(err),
		Detail: err.Error(),
	})
	summary.Failed = len(summary.Failures)
	p.logger.Error("[pipeline] Run %s FAILED at %s: %v", summary.RunID, stage, err)
	return err
}

func failureRef(err error) string {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		return fe.URL
	}
	var ee *models.EnrichmentError
	if errors.As(err, &ee) {
		return ee.Query
	}
	var pe *models.PersistenceError
	if errors.As(err, &pe) {
		return pe.Key
	}
	return ""
}
