package records

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestColumnIndex(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"A", 0},
		{"b", 1},
		{"Z", 25},
		{"AA", 26},
		{"AZ", 51},
		{" C ", 2},
		{"-", -1},
		{"", -1},
		{"A1", -1},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ColumnIndex(tt.in))
		})
	}
}

func TestColumnLetterRoundTrip(t *testing.T) {
	for i := 0; i < 52; i++ {
		assert.Equal(t, i, ColumnIndex(ColumnLetter(i)))
	}
	assert.Equal(t, Unmapped, ColumnLetter(-1))
}

func TestColumnOptions(t *testing.T) {
	opts := ColumnOptions()
	require.Len(t, opts, 53)
	assert.Equal(t, "-", opts[0])
	assert.Equal(t, "A", opts[1])
	assert.Equal(t, "Z", opts[26])
	assert.Equal(t, "AA", opts[27])
	assert.Equal(t, "AZ", opts[52])
}

var testMapping = Mapping{
	Enabled:         "A",
	Name:            "B",
	Icon:            "C",
	BasicID:         "D",
	AccessToken:     "-",
	PermissionLink:  "-",
	FriendLink:      "-",
	BusinessAccount: "-",
}

func sampleRows() [][]string {
	return [][]string{
		{"enabled", "name", "icon", "basic id"},
		{"", "(example)", "", ""},
		{"TRUE", "Alpha", "https://example.com/a.png", ""},
		{"1", "Beta", "", ""},
		{"FALSE", "Gamma", "", ""},
		{" 有効 ", "Delta", "", "@old"},
		{"yes"},
	}
}

func TestFilterEligible(t *testing.T) {
	got := FilterEligible(sampleRows(), testMapping, 2, 100)

	want := []Record{
		{Row: 3, Name: "Alpha", MediaRef: "https://example.com/a.png"},
		{Row: 4, Name: "Beta"},
		{Row: 6, Name: "Delta", BasicID: "@old"},
		{Row: 7},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("eligible records mismatch (-want +got):\n%s", diff)
	}
}

func TestFilterEligible_Cap(t *testing.T) {
	got := FilterEligible(sampleRows(), testMapping, 2, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Row)
	assert.Equal(t, 4, got[1].Row)
}

func TestFilterEligible_HeaderOnly(t *testing.T) {
	assert.Empty(t, FilterEligible(sampleRows()[:2], testMapping, 2, 100))
}

func TestFilterEligible_UnmappedEnabled(t *testing.T) {
	m := testMapping
	m.Enabled = "-"
	assert.Empty(t, FilterEligible(sampleRows(), m, 2, 100))
}

func TestSpreadsheetID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://docs.google.com/spreadsheets/d/1AbC-d_E/edit#gid=0", "1AbC-d_E", true},
		{"https://spreadsheets.google.com/ccc?key=XYZ123&hl=ja", "XYZ123", true},
		{"https://example.com/nothing", "", false},
	}
	for _, tt := range tests {
		id, ok := SpreadsheetID(tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
		assert.Equal(t, tt.want, id, tt.url)
	}
}

// fakeSheets serves the subset of the Sheets v4 API the source calls, for
// one spreadsheet.
type fakeSheets struct {
	mu      sync.Mutex
	titles  []string
	values  [][]string
	updates map[string]string
}

func (f *fakeSheets) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		path, ok := strings.CutPrefix(r.URL.Path, "/v4/spreadsheets/sheet123")
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`))
			return
		}
		switch {
		case r.Method == http.MethodGet && path == "":
			assert.Equal(t, "sheets.properties.title", r.URL.Query().Get("fields"))
			type props struct {
				Title string `json:"title"`
			}
			var sheets []map[string]props
			for _, title := range f.titles {
				sheets = append(sheets, map[string]props{"properties": {Title: title}})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"sheets": sheets})
		case r.Method == http.MethodGet && strings.HasPrefix(path, "/values/"):
			_ = json.NewEncoder(w).Encode(map[string]any{"values": f.values})
		case r.Method == http.MethodPut && strings.HasPrefix(path, "/values/"):
			assert.Equal(t, "USER_ENTERED", r.URL.Query().Get("valueInputOption"))
			body, _ := io.ReadAll(r.Body)
			var in struct {
				Values [][]string `json:"values"`
			}
			require.NoError(t, json.Unmarshal(body, &in))
			f.updates[strings.TrimPrefix(path, "/values/")] = in.Values[0][0]
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func newFakeSheets(t *testing.T) (*fakeSheets, *SheetsSource) {
	t.Helper()
	f := &fakeSheets{
		titles:  []string{"accounts", "Archive", "Beta"},
		values:  sampleRows(),
		updates: map[string]string{},
	}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	src, err := NewSheetsSourceWithClient(context.Background(), srv.Client(),
		WithEndpoint(srv.URL), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return f, src
}

const sheetURL = "https://docs.google.com/spreadsheets/d/sheet123/edit"

func TestSheetsSource_SheetNamesSorted(t *testing.T) {
	_, src := newFakeSheets(t)

	names, err := src.SheetNames(context.Background(), sheetURL)
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "Archive", "Beta"}, names)
}

func TestSheetsSource_InvalidURL(t *testing.T) {
	_, src := newFakeSheets(t)
	_, err := src.SheetNames(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestSheetsSource_UnknownSpreadsheet(t *testing.T) {
	_, src := newFakeSheets(t)
	err := src.Connect(context.Background(), "https://docs.google.com/spreadsheets/d/other/edit", "accounts")
	assert.ErrorIs(t, err, ErrSpreadsheetNotFound)
}

func TestSheetsSource_CredentialsFile(t *testing.T) {
	_, err := NewSheetsSource(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read credentials")

	bad := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = NewSheetsSource(context.Background(), bad)
	assert.ErrorContains(t, err, "parse credentials")
}

func TestSheetsSource_ConnectUnknownSheet(t *testing.T) {
	_, src := newFakeSheets(t)
	err := src.Connect(context.Background(), sheetURL, "missing")
	assert.ErrorIs(t, err, ErrSheetNotFound)
}

func TestSheetsSource_FetchBeforeConnect(t *testing.T) {
	_, src := newFakeSheets(t)
	_, err := src.FetchEligible(context.Background(), testMapping)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSheetsSource_FetchAndWrite(t *testing.T) {
	f, src := newFakeSheets(t)
	ctx := context.Background()

	require.NoError(t, src.Connect(ctx, sheetURL, "accounts"))

	recs, err := src.FetchEligible(ctx, testMapping)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "Alpha", recs[0].Name)

	require.NoError(t, src.WriteCell(ctx, 3, "d", "@abc123"))
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "@abc123", f.updates["'accounts'!D3"])
}

func TestSheetsSource_WriteRejectsUnmapped(t *testing.T) {
	_, src := newFakeSheets(t)
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx, sheetURL, "accounts"))
	assert.Error(t, src.WriteCell(ctx, 3, "-", "x"))
}

func TestCSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.csv")
	content := "enabled,name,icon,basic id\n,,,\nTRUE,Alpha,,\nFALSE,Beta,,\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	src := NewCSVSource(2, 100, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx, path, ""))

	recs, err := src.FetchEligible(ctx, testMapping)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Row)

	require.NoError(t, src.WriteCell(ctx, 3, "F", "token"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "TRUE,Alpha,,,,token")
}
