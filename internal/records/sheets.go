package records

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"lineprov/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var (
	// ErrInvalidURL is returned when no spreadsheet id can be found in a URL.
	ErrInvalidURL = errors.New("invalid spreadsheet url")
	// ErrSpreadsheetNotFound is returned when the API does not know the id
	// or the service account cannot see it.
	ErrSpreadsheetNotFound = errors.New("spreadsheet not found")
	// ErrSheetNotFound is returned when the named worksheet does not exist.
	ErrSheetNotFound = errors.New("worksheet not found")
	// ErrNotConnected is returned by reads and writes before Connect.
	ErrNotConnected = errors.New("record source not connected")
)

var (
	idPathPattern  = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)
	idQueryPattern = regexp.MustCompile(`key=([a-zA-Z0-9_-]+)`)
)

// SpreadsheetID extracts the spreadsheet id from a /d/<id> or key=<id> URL.
func SpreadsheetID(rawURL string) (string, bool) {
	if m := idPathPattern.FindStringSubmatch(rawURL); m != nil {
		return m[1], true
	}
	if m := idQueryPattern.FindStringSubmatch(rawURL); m != nil {
		return m[1], true
	}
	return "", false
}

// SheetsOption configures a SheetsSource.
type SheetsOption func(*SheetsSource)

// WithEndpoint points the source at another Sheets API root (tests).
func WithEndpoint(u string) SheetsOption {
	return func(s *SheetsSource) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		s.endpoint = u
	}
}

// WithLimits overrides the header row count and batch cap.
func WithLimits(headerRows, max int) SheetsOption {
	return func(s *SheetsSource) {
		s.headerRows = headerRows
		s.max = max
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SheetsOption {
	return func(s *SheetsSource) { s.log = l }
}

// SheetsSource reads and writes a Google Sheets worksheet.
type SheetsSource struct {
	svc        *sheets.Service
	endpoint   string
	headerRows int
	max        int
	log        *zap.Logger

	mu            sync.RWMutex
	spreadsheetID string
	sheet         string
}

func newSheetsSource(ctx context.Context, auth option.ClientOption, opts ...SheetsOption) (*SheetsSource, error) {
	s := &SheetsSource{
		headerRows: DefaultHeaderRows,
		max:        DefaultMaxAccounts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.Or(s.log, logging.CategoryRecords)

	clientOpts := []option.ClientOption{auth}
	if s.endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(s.endpoint))
	}
	svc, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	s.svc = svc
	return s, nil
}

// NewSheetsSource builds a source authorized with a service-account key file.
func NewSheetsSource(ctx context.Context, credentialsFile string, opts ...SheetsOption) (*SheetsSource, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return newSheetsSource(ctx, option.WithCredentials(creds), opts...)
}

// NewSheetsSourceWithClient builds a source over an already-authorized client.
func NewSheetsSourceWithClient(ctx context.Context, client *http.Client, opts ...SheetsOption) (*SheetsSource, error) {
	return newSheetsSource(ctx, option.WithHTTPClient(client), opts...)
}

// SheetNames lists the worksheet titles of a spreadsheet, sorted case-insensitively.
func (s *SheetsSource) SheetNames(ctx context.Context, rawURL string) ([]string, error) {
	id, ok := SpreadsheetID(rawURL)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	meta, err := s.svc.Spreadsheets.Get(id).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetch spreadsheet metadata: %w", apiError(id, err))
	}

	names := make([]string, 0, len(meta.Sheets))
	for _, sh := range meta.Sheets {
		if sh.Properties != nil {
			names = append(names, sh.Properties.Title)
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names, nil
}

// Connect binds the source to one worksheet after checking it exists.
func (s *SheetsSource) Connect(ctx context.Context, rawURL, sheet string) error {
	names, err := s.SheetNames(ctx, rawURL)
	if err != nil {
		return err
	}
	found := false
	for _, n := range names {
		if n == sheet {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrSheetNotFound, sheet)
	}

	id, _ := SpreadsheetID(rawURL)
	s.mu.Lock()
	s.spreadsheetID = id
	s.sheet = sheet
	s.mu.Unlock()

	s.log.Info("connected to worksheet", zap.String("spreadsheet", id), zap.String("sheet", sheet))
	return nil
}

func (s *SheetsSource) target() (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.spreadsheetID == "" {
		return "", "", ErrNotConnected
	}
	return s.spreadsheetID, s.sheet, nil
}

// FetchEligible reads all values and returns the enabled rows.
func (s *SheetsSource) FetchEligible(ctx context.Context, m Mapping) ([]Record, error) {
	id, sheet, err := s.target()
	if err != nil {
		return nil, err
	}

	vr, err := s.svc.Spreadsheets.Values.Get(id, quoteSheet(sheet)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetch values: %w", apiError(id, err))
	}

	rows := make([][]string, len(vr.Values))
	for i, r := range vr.Values {
		rows[i] = make([]string, len(r))
		for j, v := range r {
			if v != nil {
				rows[i][j] = fmt.Sprint(v)
			}
		}
	}

	recs := FilterEligible(rows, m, s.headerRows, s.max)
	s.log.Info("fetched eligible records", zap.Int("rows", len(rows)), zap.Int("eligible", len(recs)))
	return recs, nil
}

// WriteCell sets one cell, addressed by row number and column letter. The
// value is parsed as if typed into the sheet.
func (s *SheetsSource) WriteCell(ctx context.Context, row int, column, value string) error {
	id, sheet, err := s.target()
	if err != nil {
		return err
	}
	if !IsMapped(column) || row <= 0 {
		return fmt.Errorf("invalid cell %s%d", column, row)
	}

	a1 := fmt.Sprintf("%s!%s%d", quoteSheet(sheet), strings.ToUpper(column), row)
	vr := &sheets.ValueRange{Values: [][]interface{}{{value}}}
	if _, err := s.svc.Spreadsheets.Values.Update(id, a1, vr).ValueInputOption("USER_ENTERED").Context(ctx).Do(); err != nil {
		return fmt.Errorf("update cell %s: %w", a1, apiError(id, err))
	}
	s.log.Debug("cell updated", zap.String("cell", a1))
	return nil
}

func quoteSheet(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

// apiError maps a 404 from the API onto ErrSpreadsheetNotFound.
func apiError(id string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrSpreadsheetNotFound, id)
	}
	return err
}
