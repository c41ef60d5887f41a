package records

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lineprov/internal/logging"

	"go.uber.org/zap"
)

// CSVSource serves records from a local CSV export of the sheet. Writes are
// applied in memory and flushed to the file immediately.
type CSVSource struct {
	headerRows int
	max        int
	log        *zap.Logger

	mu   sync.Mutex
	path string
	rows [][]string
}

// NewCSVSource creates an unconnected CSV source.
func NewCSVSource(headerRows, max int, log *zap.Logger) *CSVSource {
	return &CSVSource{
		headerRows: headerRows,
		max:        max,
		log:        logging.Or(log, logging.CategoryRecords),
	}
}

// Connect loads the file. The sheet argument is ignored.
func (c *CSVSource) Connect(_ context.Context, path, _ string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("parse csv: %w", err)
	}

	c.mu.Lock()
	c.path = path
	c.rows = rows
	c.mu.Unlock()

	c.log.Info("loaded csv records", zap.String("path", path), zap.Int("rows", len(rows)))
	return nil
}

// FetchEligible returns the enabled rows.
func (c *CSVSource) FetchEligible(_ context.Context, m Mapping) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return nil, ErrNotConnected
	}
	return FilterEligible(c.rows, m, c.headerRows, c.max), nil
}

// WriteCell sets one cell and rewrites the file.
func (c *CSVSource) WriteCell(_ context.Context, row int, column, value string) error {
	idx := ColumnIndex(column)
	if idx < 0 || row <= 0 {
		return fmt.Errorf("invalid cell %s%d", column, row)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return ErrNotConnected
	}

	for len(c.rows) < row {
		c.rows = append(c.rows, nil)
	}
	r := c.rows[row-1]
	for len(r) <= idx {
		r = append(r, "")
	}
	r[idx] = value
	c.rows[row-1] = r

	return c.flushLocked()
}

func (c *CSVSource) flushLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".records-*.csv")
	if err != nil {
		return fmt.Errorf("create temp csv: %w", err)
	}
	w := csv.NewWriter(tmp)
	if err := w.WriteAll(c.rows); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}
