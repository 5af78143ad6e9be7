package tool

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"toolgate/internal/domain"
)

const datasetTable = "data"

// maxDatasetColumns is SQLite's default SQLITE_MAX_COLUMN.
const maxDatasetColumns = 2000

// nullMarkers are cell values loaded as NULL.
var nullMarkers = map[string]bool{
	"": true, "NA": true, "N/A": true, "n/a": true, "NaN": true, "nan": true,
	"null": true, "NULL": true, "missing": true,
}

type column struct {
	Name string
	Type string // INTEGER, REAL or TEXT
}

func (c column) numeric() bool { return c.Type == "INTEGER" || c.Type == "REAL" }

// dataset is parsed CSV content with inferred column types.
type dataset struct {
	columns []column
	rows    [][]any
}

// parseCSV parses content into a dataset. It requires a header row, at
// least one data row, a consistent column count, unique non-empty column
// names and no more columns than SQLite accepts. Failures are validation errors.
func parseCSV(content string) (*dataset, error) {
	r := csv.NewReader(strings.NewReader(content))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.Validationf("field data_content: CSV is empty")
	}
	if err != nil {
		return nil, domain.Validationf("field data_content: %s", csvProblem(err))
	}

	if len(header) > maxDatasetColumns {
		return nil, domain.Validationf("field data_content: CSV has %d columns, at most %d are supported", len(header), maxDatasetColumns)
	}

	ds := &dataset{}
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			return nil, domain.Validationf("field data_content: column %d has an empty name", i+1)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, domain.Validationf("field data_content: duplicate column name %q", name)
		}
		seen[key] = true
		ds.columns = append(ds.columns, column{Name: name})
	}

	var raw [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Validationf("field data_content: %s", csvProblem(err))
		}
		raw = append(raw, rec)
	}
	if len(raw) == 0 {
		return nil, domain.Validationf("field data_content: CSV needs at least one data row")
	}

	for i := range ds.columns {
		ds.columns[i].Type = inferType(raw, i)
	}
	ds.rows = make([][]any, len(raw))
	for r, rec := range raw {
		row := make([]any, len(rec))
		for i, cell := range rec {
			row[i] = convertCell(strings.TrimSpace(cell), ds.columns[i].Type)
		}
		ds.rows[r] = row
	}
	return ds, nil
}

func csvProblem(err error) string {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		if errors.Is(pe.Err, csv.ErrFieldCount) {
			return fmt.Sprintf("row on line %d has a different number of columns than the header", pe.Line)
		}
		return fmt.Sprintf("line %d: %s", pe.Line, pe.Err)
	}
	return err.Error()
}

func inferType(rows [][]string, col int) string {
	typ := "INTEGER"
	values := 0
	for _, rec := range rows {
		cell := strings.TrimSpace(rec[col])
		if nullMarkers[cell] {
			continue
		}
		values++
		if typ == "INTEGER" {
			if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
				continue
			}
			typ = "REAL"
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return "TEXT"
		}
	}
	if values == 0 {
		return "TEXT"
	}
	return typ
}

func convertCell(cell, typ string) any {
	if nullMarkers[cell] {
		return nil
	}
	switch typ {
	case "INTEGER":
		v, _ := strconv.ParseInt(cell, 10, 64)
		return v
	case "REAL":
		v, _ := strconv.ParseFloat(cell, 64)
		return v
	default:
		return cell
	}
}

func (ds *dataset) column(name string) (column, bool) {
	for _, c := range ds.columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return column{}, false
}

func (ds *dataset) numericColumns() []column {
	var out []column
	for _, c := range ds.columns {
		if c.numeric() {
			out = append(out, c)
		}
	}
	return out
}

func (ds *dataset) names() []string {
	out := make([]string, len(ds.columns))
	for i, c := range ds.columns {
		out[i] = c.Name
	}
	return out
}

// load opens a private in-memory SQLite database holding ds as table
// "data". The database is read-only once loaded.
func (ds *dataset) load(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A second connection would see a different, empty :memory: database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := ds.fill(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("lock dataset: %w", err)
	}
	return db, nil
}

func (ds *dataset) fill(ctx context.Context, db *sql.DB) error {
	defs := make([]string, len(ds.columns))
	marks := make([]string, len(ds.columns))
	for i, c := range ds.columns {
		defs[i] = quoteIdent(c.Name) + " " + c.Type
		marks[i] = "?"
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", datasetTable, strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create dataset table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", datasetTable, strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare load: %w", err)
	}
	defer stmt.Close()

	for _, row := range ds.rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("load row: %w", err)
		}
	}
	return tx.Commit()
}

// table is a query result in column order.
type table struct {
	Columns []string
	Rows    [][]any
}

func (t table) fields() map[string]any {
	rows := make([]map[string]any, len(t.Rows))
	for i, r := range t.Rows {
		m := make(map[string]any, len(t.Columns))
		for j, c := range t.Columns {
			m[c] = r[j]
		}
		rows[i] = m
	}
	return map[string]any{"columns": t.Columns, "rows": rows}
}

// query runs q and collects at most limit rows.
func query(ctx context.Context, db *sql.DB, limit int, q string, args ...any) (table, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return table{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return table{}, err
	}
	t := table{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if limit > 0 && len(t.Rows) >= limit {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return table{}, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		t.Rows = append(t.Rows, vals)
	}
	return t, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
