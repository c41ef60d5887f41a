// Package records reads account rows from a spreadsheet-like source and
// writes provisioning outputs back to it.
package records

import (
	"context"
	"strings"
)

// Defaults for eligibility filtering.
const (
	DefaultHeaderRows  = 2
	DefaultMaxAccounts = 100
)

// EnabledValues are the (upper-cased) cell values that mark a row enabled.
var EnabledValues = []string{"TRUE", "1", "はい", "YES", "有効"}

// Record is one account row.
type Record struct {
	Row             int // 1-based sheet row
	Name            string
	MediaRef        string
	BasicID         string
	AccessToken     string
	PermissionLink  string
	FriendLink      string
	BusinessAccount string
}

// Mapping assigns a column letter to each field. Unmapped fields use "-".
type Mapping struct {
	Enabled         string
	Name            string
	Icon            string
	BasicID         string
	AccessToken     string
	PermissionLink  string
	FriendLink      string
	BusinessAccount string
}

// Source is the record source boundary.
type Source interface {
	Connect(ctx context.Context, url, sheet string) error
	FetchEligible(ctx context.Context, m Mapping) ([]Record, error)
	WriteCell(ctx context.Context, row int, column, value string) error
}

// IsEnabled reports whether a cell value marks a row enabled.
func IsEnabled(v string) bool {
	v = strings.ToUpper(strings.TrimSpace(v))
	for _, e := range EnabledValues {
		if v == e {
			return true
		}
	}
	return false
}

// FilterEligible selects enabled rows from raw values, skipping headerRows
// and returning at most max records in sheet order.
func FilterEligible(rows [][]string, m Mapping, headerRows, max int) []Record {
	if headerRows < 0 {
		headerRows = 0
	}
	if max <= 0 {
		max = DefaultMaxAccounts
	}
	enabled := ColumnIndex(m.Enabled)
	if enabled < 0 || len(rows) <= headerRows {
		return nil
	}

	var out []Record
	for i := headerRows; i < len(rows) && len(out) < max; i++ {
		row := rows[i]
		if !IsEnabled(cell(row, enabled)) {
			continue
		}
		out = append(out, Record{
			Row:             i + 1,
			Name:            cell(row, ColumnIndex(m.Name)),
			MediaRef:        cell(row, ColumnIndex(m.Icon)),
			BasicID:         cell(row, ColumnIndex(m.BasicID)),
			AccessToken:     cell(row, ColumnIndex(m.AccessToken)),
			PermissionLink:  cell(row, ColumnIndex(m.PermissionLink)),
			FriendLink:      cell(row, ColumnIndex(m.FriendLink)),
			BusinessAccount: cell(row, ColumnIndex(m.BusinessAccount)),
		})
	}
	return out
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
