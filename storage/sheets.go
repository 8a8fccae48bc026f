package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"rental-watcher/models"
)

// sheetHeader is the fixed column layout of the store. The trailing version
// column backs optimistic conflict detection on patches.
var sheetHeader = []interface{}{
	"key", "building_name", "address", "rent_yen", "size_sqm", "layout",
	"source_url", "posted_date", "first_seen_at", "last_updated_at", "version",
}

const (
	dataRange  = "A2:K"
	postedFmt  = "2006/01/02"
	columnSpan = 11
)

// SheetsStore persists listing records to a Google Sheets worksheet under
// service-account credentials.
type SheetsStore struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
}

// NewSheetsStore authenticates against the Sheets API and makes sure the
// header row is in place. Authentication failures surface as
// PersistenceError(AuthError) so the orchestrator treats them as fatal.
func NewSheetsStore(ctx context.Context, credentialsJSON []byte, spreadsheetID, sheetName string) (*SheetsStore, error) {
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, &models.PersistenceError{Kind: models.KindAuthError, Err: err}
	}

	s := &SheetsStore{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}
	if err := s.ensureHeader(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SheetsStore) ensureHeader(ctx context.Context) error {
	resp, err := s.svc.Spreadsheets.Values.
		Get(s.spreadsheetID, s.rangeRef("A1:K1")).
		Context(ctx).Do()
	if err != nil {
		return s.wrapAPIError("", err)
	}
	if len(resp.Values) > 0 {
		return nil
	}

	_, err = s.svc.Spreadsheets.Values.
		Update(s.spreadsheetID, s.rangeRef("A1:K1"), &sheets.ValueRange{Values: [][]interface{}{sheetHeader}}).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return s.wrapAPIError("", err)
	}
	return nil
}

// ReadAll returns every stored record along with its sheet row and version.
func (s *SheetsStore) ReadAll(ctx context.Context) ([]*models.PersistedRecord, error) {
	resp, err := s.svc.Spreadsheets.Values.
		Get(s.spreadsheetID, s.rangeRef(dataRange)).
		Context(ctx).Do()
	if err != nil {
		return nil, s.wrapAPIError("", err)
	}

	records := make([]*models.PersistedRecord, 0, len(resp.Values))
	for i, row := range resp.Values {
		rec, err := rowToRecord(row, i+2)
		if err != nil {
			return nil, fmt.Errorf("sheets: row %d: %w", i+2, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// AppendRows appends the given records below the existing data. Appended
// records start at version 1.
func (s *SheetsStore) AppendRows(ctx context.Context, records []*models.PersistedRecord) error {
	if len(records) == 0 {
		return nil
	}

	values := make([][]interface{}, 0, len(records))
	for _, rec := range records {
		if rec.Version == 0 {
			rec.Version = 1
		}
		values = append(values, recordToRow(rec))
	}

	_, err := s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, s.rangeRef("A1:K1"), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return s.wrapAPIError(records[0].Key, err)
	}
	return nil
}

// PatchRow overwrites the full row for record, but only if the live version
// still matches expectedVersion. A mismatch means a concurrent writer got
// there first and surfaces as PersistenceError(ConflictError).
func (s *SheetsStore) PatchRow(ctx context.Context, record *models.PersistedRecord, expectedVersion int64) error {
	if record.Row < 2 {
		return fmt.Errorf("sheets: patch %s: no sheet row", record.Key)
	}

	resp, err := s.svc.Spreadsheets.Values.
		Get(s.spreadsheetID, s.rangeRef(fmt.Sprintf("K%d", record.Row))).
		Context(ctx).Do()
	if err != nil {
		return s.wrapAPIError(record.Key, err)
	}

	liveVersion := int64(0)
	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		liveVersion, _ = strconv.ParseInt(fmt.Sprint(resp.Values[0][0]), 10, 64)
	}
	if liveVersion != expectedVersion {
		return &models.PersistenceError{
			Kind: models.KindConflictError,
			Key:  record.Key,
			Err:  fmt.Errorf("version %d, expected %d", liveVersion, expectedVersion),
		}
	}

	record.Version = expectedVersion + 1
	rowRange := fmt.Sprintf("A%d:K%d", record.Row, record.Row)
	_, err = s.svc.Spreadsheets.Values.
		Update(s.spreadsheetID, s.rangeRef(rowRange), &sheets.ValueRange{Values: [][]interface{}{recordToRow(record)}}).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		record.Version = expectedVersion
		return s.wrapAPIError(record.Key, err)
	}
	return nil
}

func (s *SheetsStore) rangeRef(cells string) string {
	return fmt.Sprintf("'%s'!%s", s.sheetName, cells)
}

func (s *SheetsStore) wrapAPIError(key string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return &models.PersistenceError{Kind: models.KindAuthError, Key: key, Err: err}
		case 429:
			return &models.PersistenceError{Kind: models.KindQuotaExceeded, Key: key, Err: err}
		}
	}
	return fmt.Errorf("sheets: %w", err)
}

func recordToRow(rec *models.PersistedRecord) []interface{} {
	posted := ""
	if !rec.PostedDate.IsZero() {
		posted = rec.PostedDate.Format(postedFmt)
	}
	return []interface{}{
		rec.Key,
		rec.BuildingName,
		rec.Address,
		strconv.FormatFloat(rec.RentYen, 'f', -1, 64),
		strconv.FormatFloat(rec.SizeSqm, 'f', -1, 64),
		rec.Layout,
		rec.SourceURL,
		posted,
		rec.FirstSeenAt.Format(time.RFC3339),
		rec.LastUpdatedAt.Format(time.RFC3339),
		strconv.FormatInt(rec.Version, 10),
	}
}

func rowToRecord(row []interface{}, sheetRow int) (*models.PersistedRecord, error) {
	cells := make([]string, columnSpan)
	for i := 0; i < columnSpan && i < len(row); i++ {
		cells[i] = fmt.Sprint(row[i])
	}
	if cells[0] == "" {
		return nil, fmt.Errorf("empty key cell")
	}

	rec := &models.PersistedRecord{
		Key:          cells[0],
		BuildingName: cells[1],
		Address:      cells[2],
		Layout:       cells[5],
		SourceURL:    cells[6],
		Row:          sheetRow,
	}
	rec.RentYen, _ = strconv.ParseFloat(cells[3], 64)
	rec.SizeSqm, _ = strconv.ParseFloat(cells[4], 64)
	if cells[7] != "" {
		rec.PostedDate, _ = time.Parse(postedFmt, cells[7])
	}
	if cells[8] != "" {
		rec.FirstSeenAt, _ = time.Parse(time.RFC3339, cells[8])
	}
	if cells[9] != "" {
		rec.LastUpdatedAt, _ = time.Parse(time.RFC3339, cells[9])
	}
	rec.Version, _ = strconv.ParseInt(cells[10], 10, 64)
	if rec.Version == 0 {
		rec.Version = 1
	}
	return rec, nil
}
