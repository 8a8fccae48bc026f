package main

import (
	"context"
	"os"
	"time"

	"rental-watcher/config"
	"rental-watcher/models"
	"rental-watcher/scraper/suumo"
	"rental-watcher/search"
	"rental-watcher/services"
	"rental-watcher/storage"
	"rental-watcher/utils"
)

func main() {
	logger := utils.NewLogger()
	cfg := config.Load()

	logger.Info("=== Rental Watcher starting ===")
	logger.Info("Config — pages: %d | listings/page: %d | concurrency: %d | rate: %dms",
		cfg.PagesToScrape, cfg.ListingsPerPage, cfg.MaxConcurrency, cfg.RateLimitMs)

	if cfg.SpreadsheetID == "" || cfg.CredentialsJSON == "" {
		logger.Error("SPREADSHEET_ID and GOOGLE_CREDENTIALS_JSON are required")
		os.Exit(1)
	}

	ctx := context.Background()

	store, err := storage.NewSheetsStore(ctx, []byte(cfg.CredentialsJSON), cfg.SpreadsheetID, cfg.SheetName)
	if err != nil {
		logger.Error("Failed to open spreadsheet store: %v", err)
		os.Exit(1)
	}

	snapshot, err := storage.NewCSVWriter(cfg.CSVOutputPath)
	if err != nil {
		logger.Error("Failed to create CSV snapshot writer: %v", err)
		os.Exit(1)
	}
	defer snapshot.Close()

	searchClient := search.NewGoogleClient(cfg.SearchAPIKey, cfg.SearchEngineID, cfg.SearchQPS, 15*time.Second)
	enricher := services.NewEnricher(searchClient, logger, services.EnricherOptions{
		MaxQueriesPerListing: cfg.MaxQueriesPerListing,
		QueryTemplate:        cfg.QueryTemplate,
		HighThreshold:        cfg.HighThreshold,
		LowThreshold:         cfg.LowThreshold,
		Concurrency:          cfg.MaxConcurrency,
		RateLimitMs:          cfg.RateLimitMs,
	})

	pipeline := services.NewPipeline(
		suumo.New(cfg, logger),
		enricher,
		services.NewMatcher(logger),
		services.NewWriter(store, logger),
		store,
		snapshot,
		logger,
	)

	summary, runErr := pipeline.Run(ctx)

	services.NewReportService(logger).Print(summary, pipeline.Appended())

	if cfg.ArchiveEnabled {
		archiveRun(logger, cfg, summary, pipeline)
	}

	if runErr != nil {
		logger.Error("Run %s failed: %v", summary.RunID, runErr)
		os.Exit(1)
	}
}

// archiveRun stores the run's output in the optional Postgres archive.
// Archive problems are never fatal; the spreadsheet is the system of record.
func archiveRun(logger *utils.Logger, cfg *config.Config, summary *models.RunSummary, pipeline *services.Pipeline) {
	archive, err := storage.NewPostgresArchive(cfg.DSN())
	if err != nil {
		logger.Warn("Run archive unavailable: %v", err)
		return
	}
	defer archive.Close()

	if err := archive.ArchiveRecords(summary.RunID, "append", pipeline.Appended()); err != nil {
		logger.Warn("Archiving appended records failed: %v", err)
	}
	if err := archive.ArchiveRecords(summary.RunID, "patch", pipeline.Patched()); err != nil {
		logger.Warn("Archiving patched records failed: %v", err)
	}
	if err := archive.ArchiveSummary(summary); err != nil {
		logger.Warn("Archiving run summary failed: %v", err)
	}
}
