package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"rental-watcher/models"
)

// PostgresArchive keeps an append-only local history of written records and
// run summaries, for diagnosing behaviour across runs. It is never read by
// the pipeline and never influences classification; the spreadsheet remains
// the system of record.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive opens a connection to PostgreSQL, runs schema
// migrations, and returns a ready-to-use archive.
func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	a := &PostgresArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return a, nil
}

func (a *PostgresArchive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS record_archive (
			id            SERIAL PRIMARY KEY,
			run_id        VARCHAR(36) NOT NULL,
			action        VARCHAR(16) NOT NULL,
			key           TEXT        NOT NULL,
			building_name TEXT        NOT NULL DEFAULT '',
			address       TEXT        NOT NULL DEFAULT '',
			rent_yen      NUMERIC(12,2) NOT NULL DEFAULT 0,
			size_sqm      NUMERIC(8,2)  NOT NULL DEFAULT 0,
			layout        TEXT        NOT NULL DEFAULT '',
			source_url    TEXT        NOT NULL DEFAULT '',
			version       BIGINT      NOT NULL DEFAULT 1,
			recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_record_archive_run ON record_archive(run_id);
		CREATE INDEX IF NOT EXISTS idx_record_archive_key ON record_archive(key);

		CREATE TABLE IF NOT EXISTS run_summaries (
			run_id      VARCHAR(36) PRIMARY KEY,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			fetched     INT NOT NULL,
			new         INT NOT NULL,
			updated     INT NOT NULL,
			unchanged   INT NOT NULL,
			skipped     INT NOT NULL,
			duplicates  INT NOT NULL,
			failed      INT NOT NULL
		);
	`)
	return err
}

// ArchiveRecords stores the records written in this run under the given
// action ("append" or "patch").
func (a *PostgresArchive) ArchiveRecords(runID, action string, records []*models.PersistedRecord) error {
	if len(records) == 0 {
		return nil
	}

	const batchSize = 50
	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := a.insertBatch(runID, action, records[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (a *PostgresArchive) insertBatch(runID, action string, batch []*models.PersistedRecord) error {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*9)

	for idx, rec := range batch {
		base := idx * 9
		valueStrings = append(valueStrings,
			fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		valueArgs = append(valueArgs,
			runID, action, rec.Key, rec.BuildingName, rec.Address,
			rec.RentYen, rec.SizeSqm, rec.Layout, rec.SourceURL)
	}

	query := fmt.Sprintf(`
		INSERT INTO record_archive (run_id, action, key, building_name, address, rent_yen, size_sqm, layout, source_url)
		VALUES %s
	`, strings.Join(valueStrings, ","))

	_, err := a.db.Exec(query, valueArgs...)
	return err
}

// ArchiveSummary stores the counts of one finished run.
func (a *PostgresArchive) ArchiveSummary(s *models.RunSummary) error {
	_, err := a.db.Exec(`
		INSERT INTO run_summaries (run_id, started_at, finished_at, fetched, new, updated, unchanged, skipped, duplicates, failed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id) DO NOTHING
	`, s.RunID, s.StartedAt, s.FinishedAt, s.Fetched, s.New, s.Updated, s.Unchanged, s.Skipped, s.Duplicates, s.Failed)
	return err
}

func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
