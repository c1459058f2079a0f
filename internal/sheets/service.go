package sheets

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"libria/internal/logger"
	"libria/internal/metrics"
	"libria/pkg/models"
)

// TimestampFormat is how lookup times are written to the sheet.
const TimestampFormat = "02/01/2006 15:04:05"

// headers are the audit columns, A to G.
var headers = []interface{}{
	"Fecha", "Dispositivo", "Nivel", "Título", "Autor", "Género", "Estado",
}

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)

// Recorder appends completed lookups to a Google Sheet.
type Recorder struct {
	sheetsService *sheets.Service
	spreadsheetID string
	sheetName     string
	log           zerolog.Logger

	mu      sync.Mutex
	ensured bool
}

// NewRecorder creates a recorder for the worksheet sheetName of the
// spreadsheet at sheetURL, with credentials from the environment.
func NewRecorder(ctx context.Context, sheetURL, sheetName string) (*Recorder, error) {
	const op = "NewRecorder"

	spreadsheetID, err := extractSpreadsheetID(sheetURL)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to extract spreadsheet ID: %w", op, err)
	}

	var creds []byte
	if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
		creds, err = os.ReadFile(credsFile)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read credentials file: %w", op, err)
		}
	} else if credsJSON := os.Getenv("GOOGLE_CREDENTIALS"); credsJSON != "" {
		creds = []byte(credsJSON)
	} else {
		return nil, fmt.Errorf("%s: neither GOOGLE_APPLICATION_CREDENTIALS nor GOOGLE_CREDENTIALS is set", op)
	}

	config, err := google.JWTConfigFromJSON(creds, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse credentials: %w", op, err)
	}

	sheetsService, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create sheets service: %w", op, err)
	}

	return NewRecorderWithService(sheetsService, spreadsheetID, sheetName), nil
}

// NewRecorderWithService creates a recorder with an explicit Sheets client.
func NewRecorderWithService(svc *sheets.Service, spreadsheetID, sheetName string) *Recorder {
	log := logger.WithComponent("sheets")
	log.Debug().Str("spreadsheet_id", spreadsheetID).Str("sheet", sheetName).Msg("Lookup recorder ready")

	return &Recorder{
		sheetsService: svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		log:           log,
	}
}

// extractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL
func extractSpreadsheetID(url string) (string, error) {
	matches := spreadsheetIDPattern.FindStringSubmatch(url)
	if len(matches) < 2 {
		return "", fmt.Errorf("invalid Google Sheets URL format")
	}
	return matches[1], nil
}

// Record appends one lookup row.
func (r *Recorder) Record(ctx context.Context, rec models.LookupRecord) error {
	const op = "Record"

	start := time.Now()
	defer metrics.ObserveUpstream(metrics.UpstreamSheets, start)

	if err := r.ensureSheet(ctx); err != nil {
		return fmt.Errorf("%s: failed to ensure sheet exists: %w", op, err)
	}

	valueRange := &sheets.ValueRange{Values: [][]interface{}{rowToValues(rec)}}
	_, err := r.sheetsService.Spreadsheets.Values.Append(
		r.spreadsheetID,
		r.sheetName+"!A:G",
		valueRange,
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to append lookup: %w", op, err)
	}

	r.log.Debug().
		Str("device_id", rec.Device).
		Str("status", rec.Status).
		Msg("Lookup recorded")

	return nil
}

func rowToValues(rec models.LookupRecord) []interface{} {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return []interface{}{
		ts.Format(TimestampFormat), // A: Fecha
		rec.Device,                 // B: Dispositivo
		rec.Tier,                   // C: Nivel
		rec.Title,                  // D: Título
		rec.Author,                 // E: Autor
		rec.Genre,                  // F: Género
		rec.Status,                 // G: Estado
	}
}

// ensureSheet creates the worksheet and its header row once per recorder.
func (r *Recorder) ensureSheet(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ensured {
		return nil
	}
	if err := r.ensureSheetWithHeaders(ctx); err != nil {
		return err
	}
	r.ensured = true
	return nil
}

// ensureSheetWithHeaders ensures the sheet exists and has proper headers
func (r *Recorder) ensureSheetWithHeaders(ctx context.Context) error {
	const op = "ensureSheetWithHeaders"

	spreadsheet, err := r.sheetsService.Spreadsheets.Get(r.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get spreadsheet: %w", op, err)
	}

	var sheetExists bool
	var sheetID int64
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == r.sheetName {
			sheetExists = true
			sheetID = sheet.Properties.SheetId
			break
		}
	}

	if !sheetExists {
		r.log.Info().Str("sheet", r.sheetName).Msg("Creating new sheet")

		batchUpdateReq := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{
				{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: r.sheetName}}},
			},
		}

		resp, err := r.sheetsService.Spreadsheets.BatchUpdate(r.spreadsheetID, batchUpdateReq).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("%s: failed to create sheet: %w", op, err)
		}
		if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil {
			sheetID = resp.Replies[0].AddSheet.Properties.SheetId
		}
	}

	headerRange := fmt.Sprintf("%s!A1:G1", r.sheetName)
	resp, err := r.sheetsService.Spreadsheets.Values.Get(r.spreadsheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get headers: %w", op, err)
	}

	if len(resp.Values) == 0 || len(resp.Values[0]) == 0 {
		r.log.Info().Str("sheet", r.sheetName).Msg("Adding headers to sheet")

		_, err = r.sheetsService.Spreadsheets.Values.Update(
			r.spreadsheetID,
			headerRange,
			&sheets.ValueRange{Values: [][]interface{}{headers}},
		).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("%s: failed to add headers: %w", op, err)
		}

		if err := r.formatHeaders(ctx, sheetID); err != nil {
			r.log.Warn().Err(err).Msg("Failed to format headers, continuing anyway")
		}
	}

	return nil
}

// formatHeaders makes the header row bold and sizes the columns
func (r *Recorder) formatHeaders(ctx context.Context, sheetID int64) error {
	const op = "formatHeaders"

	columns := int64(len(headers))
	requests := []*sheets.Request{
		{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    0,
					EndRowIndex:      1,
					StartColumnIndex: 0,
					EndColumnIndex:   columns,
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						TextFormat:      &sheets.TextFormat{Bold: true},
						BackgroundColor: &sheets.Color{Red: 0.9, Green: 0.9, Blue: 0.9},
					},
				},
				Fields: "userEnteredFormat(textFormat,backgroundColor)",
			},
		},
		{
			AutoResizeDimensions: &sheets.AutoResizeDimensionsRequest{
				Dimensions: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "COLUMNS",
					StartIndex: 0,
					EndIndex:   columns,
				},
			},
		},
	}

	_, err := r.sheetsService.Spreadsheets.BatchUpdate(r.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{Requests: requests}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to format headers: %w", op, err)
	}
	return nil
}
