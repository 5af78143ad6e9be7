package tool

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"toolgate/internal/domain"
	"toolgate/internal/llm"
)

const (
	openAICredential = "OPENAI_API_KEY"
	defaultMaxRows   = 100
)

// DataConfig configures the data analysis capability. LLM is optional; it
// is used only when the OpenAI credential is present.
type DataConfig struct {
	LLM     llm.Completer
	MaxRows int
	Timeout time.Duration
}

// DataAnalysis answers questions about caller-supplied CSV data. The data
// is loaded into a private in-memory SQLite table named "data" for the
// duration of one call.
type DataAnalysis struct {
	llm     llm.Completer
	maxRows int
	timeout time.Duration
}

func NewDataAnalysis(cfg DataConfig) *DataAnalysis {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &DataAnalysis{llm: cfg.LLM, maxRows: cfg.MaxRows, timeout: cfg.Timeout}
}

func (d *DataAnalysis) Descriptor() domain.Descriptor {
	return domain.Descriptor{
		ID:                 "data_analyze",
		Path:               "/api/data/analyze",
		Family:             "data",
		Description:        "Analyze CSV data: preview rows, column info, summary statistics, missing values, distinct counts, correlations, group-by, top-N, or a read-only SQL query against table \"data\".",
		EnhancedCredential: openAICredential,
		Input: domain.Schema{Fields: []domain.Field{
			{Name: "data_content", Type: domain.TypeString, Description: "CSV text with a header row", Required: true, MinLength: 1, Pattern: nonBlank},
			{Name: "user_query", Type: domain.TypeString, Description: "Question about the data, or a SELECT statement", Required: true, MinLength: 1, MaxLength: 2000, Pattern: nonBlank},
		}},
		Output:  []string{"result", "analysis", "mode", "query", "shape"},
		Timeout: d.timeout,
	}
}

func (d *DataAnalysis) Validate(req domain.ToolRequest) error {
	if _, err := parseCSV(req.String("data_content")); err != nil {
		return err
	}
	if q := req.String("user_query"); isSQL(q) {
		return checkReadOnlySQL(q)
	}
	return nil
}

func (d *DataAnalysis) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	ds, err := parseCSV(call.Request.String("data_content"))
	if err != nil {
		return nil, err
	}
	userQuery := strings.TrimSpace(call.Request.String("user_query"))

	db, err := ds.load(ctx)
	if err != nil {
		return nil, domain.Internal(err)
	}
	defer db.Close()

	out := map[string]any{
		"query": userQuery,
		"shape": map[string]any{"rows": len(ds.rows), "columns": len(ds.columns)},
		"mode":  "basic",
	}

	var (
		analysis string
		result   any
	)
	switch {
	case isSQL(userQuery):
		analysis = "sql"
		t, err := query(ctx, db, d.maxRows, userQuery)
		if err != nil {
			return nil, domain.Validationf("query failed: %s", err.Error())
		}
		result = t.fields()
	case call.Enhanced && d.llm != nil:
		out["mode"] = "enhanced"
		analysis = "sql"
		stmt, t, err := d.translate(ctx, db, ds, userQuery)
		if err != nil {
			return nil, err
		}
		out["sql"] = stmt
		result = t.fields()
	default:
		p := planner{ds: ds, db: db, maxRows: d.maxRows}
		analysis, result, err = p.run(ctx, userQuery)
		if err != nil {
			return nil, err
		}
	}

	out["analysis"] = analysis
	out["result"] = result
	return out, nil
}

const sqlSystemPrompt = `You translate questions about a table into one SQLite query.
Reply with a single SELECT statement and nothing else. The table is named "data".
Quote column names with double quotes.`

// translate asks the language model for a query answering question and
// runs it. A query the model gets wrong is an upstream error, not the
// caller's fault.
func (d *DataAnalysis) translate(ctx context.Context, db *sql.DB, ds *dataset, question string) (string, table, error) {
	var schema strings.Builder
	for _, c := range ds.columns {
		fmt.Fprintf(&schema, "- %s %s\n", quoteIdent(c.Name), c.Type)
	}
	sample, err := query(ctx, db, 3, "SELECT * FROM "+datasetTable)
	if err != nil {
		return "", table{}, domain.Internal(err)
	}
	var rows strings.Builder
	for _, r := range sample.Rows {
		fmt.Fprintf(&rows, "%v\n", r)
	}
	prompt := fmt.Sprintf("Columns of \"data\" (%d rows):\n%s\nSample rows:\n%s\nQuestion: %s",
		len(ds.rows), schema.String(), rows.String(), question)

	reply, err := d.llm.Complete(ctx, sqlSystemPrompt, prompt)
	if err != nil {
		return "", table{}, err
	}
	stmt := extractSQL(reply)
	if !isSQL(stmt) || checkReadOnlySQL(stmt) != nil {
		return "", table{}, domain.UpstreamError("language model did not produce a usable query", fmt.Errorf("reply: %s", truncate(reply, 200)))
	}
	t, err := query(ctx, db, d.maxRows, stmt)
	if err != nil {
		return "", table{}, domain.UpstreamError("language model produced a query that failed", err)
	}
	return stmt, t, nil
}

var fencePattern = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")

func extractSQL(reply string) string {
	if m := fencePattern.FindStringSubmatch(reply); m != nil {
		reply = m[1]
	}
	return strings.TrimSuffix(strings.TrimSpace(reply), ";")
}

func isSQL(q string) bool {
	f := strings.Fields(strings.ToUpper(q))
	return len(f) > 0 && (f[0] == "SELECT" || f[0] == "WITH")
}

// checkReadOnlySQL rejects multi-statement input. Writes are already
// impossible on the query_only connection.
func checkReadOnlySQL(q string) error {
	q = strings.TrimSuffix(strings.TrimSpace(q), ";")
	if strings.Contains(q, ";") {
		return domain.Validationf("field user_query: only a single SELECT statement is allowed")
	}
	return nil
}

// planner answers common questions without a language model by matching
// keywords in the question.
type planner struct {
	ds      *dataset
	db      *sql.DB
	maxRows int
}

func (p planner) run(ctx context.Context, question string) (string, any, error) {
	words := tokenize(question)
	has := func(ws ...string) bool {
		for _, w := range ws {
			if words[w] {
				return true
			}
		}
		return false
	}

	switch {
	case has("first", "head", "preview") || (has("show") && has("rows")):
		n := p.count(question, 5)
		t, err := query(ctx, p.db, n, "SELECT * FROM "+datasetTable+" LIMIT ?", n)
		return "head", t.fields(), dbErr(err)
	case has("columns", "column", "types", "schema"):
		r, err := p.columnInfo(ctx)
		return "columns", r, err
	case has("top", "highest", "maximum", "largest"):
		r, err := p.top(ctx, question, p.count(question, 10))
		return "top", r, err
	case has("group", "groupby"):
		r, err := p.groupBy(ctx, question, words)
		return "group_by", r, err
	case has("summary", "statistics", "stats", "describe", "mean", "median", "std", "average"):
		r, err := p.summary(ctx)
		return "summary", r, err
	case has("missing", "null", "nulls", "na"):
		r, err := p.missing(ctx)
		return "missing", r, err
	case has("unique", "distinct"):
		r, err := p.unique(ctx)
		return "unique", r, err
	case has("correlation", "correlations", "correlate", "corr"):
		r, err := p.correlation(ctx)
		return "correlation", r, err
	default:
		r, err := p.overview(ctx)
		return "overview", r, err
	}
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		out[w] = true
	}
	return out
}

var numberPattern = regexp.MustCompile(`\d+`)

// count returns the first number in question, bounded by the row limit.
func (p planner) count(question string, def int) int {
	n := def
	if m := numberPattern.FindString(question); m != "" {
		if v, err := strconv.Atoi(m); err == nil && v > 0 {
			n = v
		}
	}
	return min(n, p.maxRows, len(p.ds.rows))
}

func dbErr(err error) error {
	if err != nil {
		return domain.Internal(err)
	}
	return nil
}

func (p planner) columnInfo(ctx context.Context) (any, error) {
	nulls, err := p.nullCounts(ctx)
	if err != nil {
		return nil, err
	}
	cols := make([]map[string]any, len(p.ds.columns))
	for i, c := range p.ds.columns {
		cols[i] = map[string]any{"name": c.Name, "type": c.Type, "null_count": nulls[i]}
	}
	return map[string]any{"columns": cols, "rows": len(p.ds.rows)}, nil
}

func (p planner) nullCounts(ctx context.Context) ([]int64, error) {
	exprs := make([]string, len(p.ds.columns))
	for i, c := range p.ds.columns {
		exprs[i] = fmt.Sprintf("SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END)", quoteIdent(c.Name))
	}
	t, err := query(ctx, p.db, 1, "SELECT "+strings.Join(exprs, ", ")+" FROM "+datasetTable)
	if err != nil {
		return nil, dbErr(err)
	}
	out := make([]int64, len(p.ds.columns))
	for i, v := range t.Rows[0] {
		out[i], _ = v.(int64)
	}
	return out, nil
}

func (p planner) summary(ctx context.Context) (any, error) {
	numeric := p.ds.numericColumns()
	if len(numeric) == 0 {
		return nil, domain.Validationf("no numeric columns found for summary statistics")
	}
	stats := map[string]any{}
	for _, c := range numeric {
		vals, err := p.values(ctx, c)
		if err != nil {
			return nil, err
		}
		stats[c.Name] = describe(vals)
	}
	return stats, nil
}

// values returns the non-null values of c in ascending order.
func (p planner) values(ctx context.Context, c column) ([]float64, error) {
	id := quoteIdent(c.Name)
	t, err := query(ctx, p.db, 0, fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY %s", id, datasetTable, id, id))
	if err != nil {
		return nil, dbErr(err)
	}
	out := make([]float64, 0, len(t.Rows))
	for _, r := range t.Rows {
		out = append(out, toFloat(r[0]))
	}
	return out, nil
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}

// describe computes count, mean, sample standard deviation, min, quartiles
// and max of sorted values.
func describe(sorted []float64) map[string]any {
	n := len(sorted)
	if n == 0 {
		return map[string]any{"count": 0}
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)
	out := map[string]any{
		"count":  n,
		"mean":   mean,
		"min":    sorted[0],
		"25%":    quantile(sorted, 0.25),
		"median": quantile(sorted, 0.5),
		"75%":    quantile(sorted, 0.75),
		"max":    sorted[n-1],
	}
	if n > 1 {
		var ss float64
		for _, v := range sorted {
			ss += (v - mean) * (v - mean)
		}
		out["std"] = math.Sqrt(ss / float64(n-1))
	} else {
		out["std"] = nil
	}
	return out
}

// quantile interpolates linearly between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func (p planner) missing(ctx context.Context) (any, error) {
	nulls, err := p.nullCounts(ctx)
	if err != nil {
		return nil, err
	}
	var (
		cols  []map[string]any
		total int64
	)
	for i, c := range p.ds.columns {
		if nulls[i] == 0 {
			continue
		}
		total += nulls[i]
		cols = append(cols, map[string]any{
			"column":  c.Name,
			"missing": nulls[i],
			"percent": float64(nulls[i]) / float64(len(p.ds.rows)) * 100,
		})
	}
	if cols == nil {
		cols = []map[string]any{}
	}
	return map[string]any{"columns": cols, "total_missing": total}, nil
}

func (p planner) unique(ctx context.Context) (any, error) {
	exprs := make([]string, len(p.ds.columns))
	for i, c := range p.ds.columns {
		exprs[i] = fmt.Sprintf("COUNT(DISTINCT %s)", quoteIdent(c.Name))
	}
	t, err := query(ctx, p.db, 1, "SELECT "+strings.Join(exprs, ", ")+" FROM "+datasetTable)
	if err != nil {
		return nil, dbErr(err)
	}
	out := make(map[string]any, len(p.ds.columns))
	for i, c := range p.ds.columns {
		out[c.Name] = t.Rows[0][i]
	}
	return out, nil
}

// correlation returns the Pearson correlation matrix of the numeric
// columns, computed pairwise over rows where both values are present.
func (p planner) correlation(ctx context.Context) (any, error) {
	numeric := p.ds.numericColumns()
	if len(numeric) < 2 {
		return nil, domain.Validationf("correlation needs at least 2 numeric columns")
	}
	matrix := make(map[string]any, len(numeric))
	for _, a := range numeric {
		row := make(map[string]any, len(numeric))
		for _, b := range numeric {
			if a.Name == b.Name {
				row[b.Name] = 1.0
				continue
			}
			r, err := p.pearson(ctx, a, b)
			if err != nil {
				return nil, err
			}
			row[b.Name] = r
		}
		matrix[a.Name] = row
	}
	return matrix, nil
}

func (p planner) pearson(ctx context.Context, a, b column) (any, error) {
	x, y := quoteIdent(a.Name), quoteIdent(b.Name)
	q := fmt.Sprintf(`SELECT COUNT(*), SUM(%[1]s*1.0), SUM(%[2]s*1.0), SUM(%[1]s*%[1]s*1.0), SUM(%[2]s*%[2]s*1.0), SUM(%[1]s*%[2]s*1.0)
FROM %[3]s WHERE %[1]s IS NOT NULL AND %[2]s IS NOT NULL`, x, y, datasetTable)
	t, err := query(ctx, p.db, 1, q)
	if err != nil {
		return nil, dbErr(err)
	}
	r := t.Rows[0]
	n := toFloat(r[0])
	if n < 2 {
		return nil, nil
	}
	sx, sy, sxx, syy, sxy := toFloat(r[1]), toFloat(r[2]), toFloat(r[3]), toFloat(r[4]), toFloat(r[5])
	den := math.Sqrt(n*sxx-sx*sx) * math.Sqrt(n*syy-sy*sy)
	if den == 0 || math.IsNaN(den) {
		return nil, nil
	}
	return (n*sxy - sx*sy) / den, nil
}

func (p planner) groupBy(ctx context.Context, question string, words map[string]bool) (any, error) {
	fields := strings.Fields(question)
	var key column
	found := false
	for i, w := range fields {
		lw := strings.ToLower(w)
		if (lw == "by" || lw == "group") && i+1 < len(fields) {
			if c, ok := p.ds.column(strings.Trim(fields[i+1], `"'.,?`)); ok {
				key, found = c, true
				break
			}
		}
	}
	if !found {
		return nil, domain.Validationf("could not identify the grouping column; use 'group by <column>'")
	}

	id := quoteIdent(key.Name)
	selects := []string{id, "COUNT(*) AS count"}
	if !words["count"] && !words["sum"] {
		for _, c := range p.ds.numericColumns() {
			if c.Name == key.Name {
				continue
			}
			selects = append(selects, fmt.Sprintf("ROUND(AVG(%s), 2) AS %s", quoteIdent(c.Name), quoteIdent("mean_"+c.Name)))
		}
	}
	q := fmt.Sprintf("SELECT %s FROM %s GROUP BY %s ORDER BY %s", strings.Join(selects, ", "), datasetTable, id, id)
	t, err := query(ctx, p.db, p.maxRows, q)
	if err != nil {
		return nil, dbErr(err)
	}
	res := t.fields()
	res["group_by"] = key.Name
	return res, nil
}

func (p planner) top(ctx context.Context, question string, n int) (any, error) {
	lower := strings.ToLower(question)
	var by *column
	for _, c := range p.ds.numericColumns() {
		if strings.Contains(lower, strings.ToLower(c.Name)) {
			by = &c
			break
		}
	}
	if by == nil {
		if numeric := p.ds.numericColumns(); len(numeric) > 0 {
			by = &numeric[0]
		}
	}

	q := "SELECT * FROM " + datasetTable
	if by != nil {
		q += fmt.Sprintf(" WHERE %[1]s IS NOT NULL ORDER BY %[1]s DESC", quoteIdent(by.Name))
	}
	q += " LIMIT ?"
	t, err := query(ctx, p.db, n, q, n)
	if err != nil {
		return nil, dbErr(err)
	}
	res := t.fields()
	if by != nil {
		res["sorted_by"] = by.Name
	}
	return res, nil
}

func (p planner) overview(ctx context.Context) (any, error) {
	nulls, err := p.nullCounts(ctx)
	if err != nil {
		return nil, err
	}
	var total int64
	types := make(map[string]any, len(p.ds.columns))
	for i, c := range p.ds.columns {
		types[c.Name] = c.Type
		total += nulls[i]
	}
	n := min(5, len(p.ds.rows))
	sample, err := query(ctx, p.db, n, "SELECT * FROM "+datasetTable+" LIMIT ?", n)
	if err != nil {
		return nil, dbErr(err)
	}
	return map[string]any{
		"rows":          len(p.ds.rows),
		"columns":       p.ds.names(),
		"types":         types,
		"total_missing": total,
		"sample":        sample.fields(),
		"suggestions": []string{
			"show the first 10 rows",
			"what are the columns and data types",
			"summary statistics",
			"find missing values",
			"correlation between numeric columns",
			"group by <column>",
			"top 5 by <column>",
		},
	}, nil
}
