package core

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/traceability/internal/hierarchy"
	"github.com/JonMunkholm/traceability/internal/identifier"
)

// MaxHeaderSearchRows is how many leading rows are searched for the header.
// Exports often carry a title block above it.
const MaxHeaderSearchRows = 20

// Canonical column names.
const (
	ColIMEI             = "imei"
	ColICCID            = "iccid"
	ColCartonID         = "carton_id"
	ColPalletID         = "pallet_id"
	ColOrderNumber      = "order_number"
	ColProductModel     = "product_model"
	ColProductReference = "product_reference"
)

// columnAliases maps normalised header names to canonical columns.
var columnAliases = map[string]string{
	"imei":              ColIMEI,
	"imei_1":            ColIMEI,
	"imei1":             ColIMEI,
	"iccid":             ColICCID,
	"ccid":              ColICCID,
	"carton_id":         ColCartonID,
	"package_no":        ColCartonID,
	"batch":             ColCartonID,
	"carton":            ColCartonID,
	"pallet_id":         ColPalletID,
	"num_palet":         ColPalletID,
	"pallet":            ColPalletID,
	"order_number":      ColOrderNumber,
	"work_order_id":     ColOrderNumber,
	"order":             ColOrderNumber,
	"product_model":     ColProductModel,
	"model":             ColProductModel,
	"product_reference": ColProductReference,
	"reference":         ColProductReference,
	"sku":               ColProductReference,
}

var (
	// ErrEmptyFile is returned for a file without data rows.
	ErrEmptyFile = errors.New("file has no data rows")

	// ErrMissingColumn is returned when no header row with an imei column
	// is found.
	ErrMissingColumn = errors.New("required column missing")

	// ErrUnreadable wraps parse failures of the file itself.
	ErrUnreadable = errors.New("file could not be parsed")
)

// Table is a parsed import file.
type Table struct {
	Name string

	// Columns maps canonical column names to their position. Unknown
	// columns are ignored.
	Columns map[string]int

	// HeaderLine is the 1-based line of the header in the file.
	HeaderLine int

	// Rows are the records below the header, blank rows included, so that
	// row numbers match the file.
	Rows [][]string
}

// Get returns the cleaned value of a canonical column in record, or "".
// Identifier columns are normalised as well.
func (t *Table) Get(record []string, col string) string {
	i, ok := t.Columns[col]
	if !ok || i >= len(record) {
		return ""
	}
	if col == ColIMEI || col == ColICCID {
		return identifier.Normalize(record[i])
	}
	return CleanCell(record[i])
}

// HierarchyRows converts the records into engine rows. Row numbers are
// 1-based data row positions. Blank records are left out; the second
// return value is their count.
func (t *Table) HierarchyRows() ([]hierarchy.Row, int) {
	rows := make([]hierarchy.Row, 0, len(t.Rows))
	blank := 0
	for i, rec := range t.Rows {
		if isEmptyRow(rec) {
			blank++
			continue
		}
		rows = append(rows, hierarchy.Row{
			Number:           i + 1,
			OrderNumber:      t.Get(rec, ColOrderNumber),
			IMEI:             t.Get(rec, ColIMEI),
			ICCID:            t.Get(rec, ColICCID),
			CartonID:         t.Get(rec, ColCartonID),
			PalletID:         t.Get(rec, ColPalletID),
			ProductModel:     t.Get(rec, ColProductModel),
			ProductReference: t.Get(rec, ColProductReference),
		})
	}
	return rows, blank
}

// ReadTable parses a CSV or XLSX import file. The format is chosen by the
// extension of name; anything but .xlsx and .xlsm is read as CSV.
func ReadTable(name string, r io.Reader) (*Table, error) {
	return readTable(name, r, 0)
}

// readTable stops after limit data rows when limit is positive, keeping one
// extra row so callers can tell the file was larger.
func readTable(name string, r io.Reader, limit int) (*Table, error) {
	var (
		records [][]string
		err     error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		records, err = readXLSX(r, limit)
	default:
		records, err = readCSV(r, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrUnreadable, err)
	}
	return buildTable(name, records)
}

func buildTable(name string, records [][]string) (*Table, error) {
	headerIdx, columns := findHeader(records)
	if headerIdx < 0 {
		return nil, fmt.Errorf("%s: %w: no header with an imei column in the first %d rows",
			name, ErrMissingColumn, MaxHeaderSearchRows)
	}

	t := &Table{
		Name:       name,
		Columns:    columns,
		HeaderLine: headerIdx + 1,
		Rows:       records[headerIdx+1:],
	}
	for _, rec := range t.Rows {
		if !isEmptyRow(rec) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrEmptyFile)
}

// findHeader returns the index of the first row that names an imei column,
// with its canonical column index.
func findHeader(records [][]string) (int, map[string]int) {
	n := min(len(records), MaxHeaderSearchRows)
	for i := 0; i < n; i++ {
		cols := headerColumns(records[i])
		if _, ok := cols[ColIMEI]; ok {
			return i, cols
		}
	}
	return -1, nil
}

func headerColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		canon, ok := columnAliases[normalizeHeader(h)]
		if !ok {
			continue
		}
		// The first matching column wins.
		if _, seen := cols[canon]; !seen {
			cols[canon] = i
		}
	}
	return cols
}

// normalizeHeader lower-cases a header cell and turns spaces and dashes
// into underscores.
func normalizeHeader(h string) string {
	h = strings.ToLower(CleanCell(h))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, h)
}

// CleanCell trims whitespace, the Excel text-formula wrapper ="..." and
// surrounding quotes from a cell.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(strings.Trim(s, `"'`))
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func readCSV(r io.Reader, limit int) ([][]string, error) {
	text, err := newTextReader(r)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(text)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var records [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		if over(records, limit) {
			return records, nil
		}
	}
}

// readXLSX reads the first sheet row by row.
func readXLSX(r io.Reader, limit int) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records [][]string
	for rows.Next() {
		rec, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		if over(records, limit) {
			break
		}
	}
	return records, rows.Error()
}

// over reports whether enough records were read to exceed limit data rows
// under any header position.
func over(records [][]string, limit int) bool {
	return limit > 0 && len(records) > limit+MaxHeaderSearchRows
}
