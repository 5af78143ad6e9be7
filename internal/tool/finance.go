package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"toolgate/internal/domain"
)

const defaultFinanceBase = "https://query1.finance.yahoo.com"

const (
	stockSymbolPattern  = `^[A-Za-z0-9.\-^=]{1,15}$`
	cryptoSymbolPattern = `^[A-Za-z0-9]{1,12}(-[A-Za-z]{3})?$`

	holdingPattern  = `\s*[A-Za-z0-9.\-^=]{1,15}\s*:\s*[1-9][0-9]{0,8}\s*`
	holdingsPattern = `^` + holdingPattern + `(,` + holdingPattern + `)*$`

	maxHoldings        = 25
	maxAnalystChanges  = 10
	financeConcurrency = 4
)

// economicIndicators are quoted by the economic indicators capability, in
// display order.
var economicIndicators = []struct{ symbol, name string }{
	{"^GSPC", "S&P 500"},
	{"^DJI", "Dow Jones"},
	{"^IXIC", "NASDAQ"},
	{"^VIX", "Volatility Index"},
	{"GC=F", "Gold Futures"},
	{"CL=F", "Crude Oil Futures"},
	{"DX-Y.NYB", "US Dollar Index"},
}

// FinanceConfig configures the quote provider.
type FinanceConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

type financeKind string

const (
	financeStockPrice   financeKind = "stock-price"
	financeFundamentals financeKind = "stock-fundamentals"
	financeCryptoPrice  financeKind = "crypto-price"
	financeAnalysts     financeKind = "analyst-recommendations"
	financePortfolio    financeKind = "portfolio-value"
	financeIndicators   financeKind = "economic-indicators"
)

var financeKinds = []financeKind{
	financeStockPrice, financeFundamentals, financeCryptoPrice,
	financeAnalysts, financePortfolio, financeIndicators,
}

// Finance serves quote lookups from the Yahoo Finance public endpoints.
type Finance struct {
	kind    financeKind
	base    string
	timeout time.Duration
	client  *http.Client
}

// FinanceCapabilities returns every finance capability, sharing one client.
func FinanceCapabilities(cfg FinanceConfig) []Capability {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultFinanceBase
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	var out []Capability
	for _, k := range financeKinds {
		out = append(out, &Finance{kind: k, base: base, timeout: cfg.Timeout, client: cfg.Client})
	}
	return out
}

func (f *Finance) Descriptor() domain.Descriptor {
	d := domain.Descriptor{
		ID:      strings.ReplaceAll(string(f.kind), "-", "_"),
		Path:    "/api/finance/" + string(f.kind),
		Family:  "finance",
		Output:  []string{"result", "symbol"},
		Timeout: f.timeout,
	}
	symbol := func(desc, pattern string) domain.Field {
		return domain.Field{Name: "symbol", Type: domain.TypeString, Description: desc, Required: true, MinLength: 1, MaxLength: 16, Pattern: pattern}
	}
	switch f.kind {
	case financeStockPrice:
		d.Description = "Current price, previous close, volume and 52-week range for a stock symbol."
		d.Input.Fields = []domain.Field{symbol("Ticker symbol, e.g. AAPL", stockSymbolPattern)}
	case financeFundamentals:
		d.Description = "Valuation, profitability and dividend metrics for a stock symbol."
		d.Input.Fields = []domain.Field{symbol("Ticker symbol, e.g. AAPL", stockSymbolPattern)}
	case financeCryptoPrice:
		d.Description = "Current USD price for a cryptocurrency symbol (e.g. BTC)."
		d.Input.Fields = []domain.Field{symbol("Crypto symbol, e.g. BTC or BTC-USD", cryptoSymbolPattern)}
	case financeAnalysts:
		d.Description = "Analyst rating counts and the latest upgrades and downgrades for a stock symbol."
		d.Input.Fields = []domain.Field{symbol("Ticker symbol, e.g. AAPL", stockSymbolPattern)}
	case financePortfolio:
		d.Description = "Current value of a portfolio of SYMBOL:SHARES holdings, with a per-holding breakdown."
		d.Input.Fields = []domain.Field{{
			Name: "holdings", Type: domain.TypeString, Required: true, MinLength: 1, MaxLength: 1000,
			Description: fmt.Sprintf("Comma separated SYMBOL:SHARES pairs, e.g. AAPL:100,MSFT:75 (at most %d symbols)", maxHoldings),
			Pattern:     holdingsPattern,
		}}
		d.Output = []string{"result", "total_value", "priced", "failed"}
	case financeIndicators:
		d.Description = "Level and daily change of major US indices, gold, crude oil and the dollar index."
		d.Output = []string{"result", "priced", "failed"}
	}
	return d
}

func (f *Finance) Validate(req domain.ToolRequest) error {
	if f.kind != financePortfolio {
		return nil
	}
	holdings := parseHoldings(req.String("holdings"))
	if len(holdings) > maxHoldings {
		return domain.Validationf("field holdings: at most %d distinct symbols are allowed", maxHoldings)
	}
	return nil
}

func (f *Finance) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	switch f.kind {
	case financePortfolio:
		return f.portfolio(ctx, parseHoldings(call.Request.String("holdings")))
	case financeIndicators:
		return f.indicators(ctx)
	}

	symbol := strings.ToUpper(call.Request.String("symbol"))
	var (
		result map[string]any
		err    error
	)
	switch f.kind {
	case financeStockPrice:
		result, err = f.quote(ctx, symbol)
	case financeCryptoPrice:
		if !strings.Contains(symbol, "-") {
			symbol += "-USD"
		}
		result, err = f.quote(ctx, symbol)
	case financeFundamentals:
		result, err = f.fundamentals(ctx, symbol)
	case financeAnalysts:
		result, err = f.analysts(ctx, symbol)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result, "symbol": symbol}, nil
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta chartMeta `json:"meta"`
		} `json:"result"`
		Error *yahooError `json:"error"`
	} `json:"chart"`
}

type chartMeta struct {
	Symbol             string   `json:"symbol"`
	Currency           string   `json:"currency"`
	LongName           string   `json:"longName"`
	ShortName          string   `json:"shortName"`
	ExchangeName       string   `json:"exchangeName"`
	RegularMarketPrice *float64 `json:"regularMarketPrice"`
	PreviousClose      *float64 `json:"previousClose"`
	ChartPreviousClose *float64 `json:"chartPreviousClose"`
	Volume             *float64 `json:"regularMarketVolume"`
	FiftyTwoWeekHigh   *float64 `json:"fiftyTwoWeekHigh"`
	FiftyTwoWeekLow    *float64 `json:"fiftyTwoWeekLow"`
	RegularMarketTime  int64    `json:"regularMarketTime"`
}

type yahooError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (f *Finance) quote(ctx context.Context, symbol string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", f.base, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.Internal(err)
	}

	var resp chartResponse
	if err := fetchJSON(f.client, req, "finance provider", &resp); err != nil {
		return nil, err
	}
	if resp.Chart.Error != nil {
		return nil, domain.UpstreamError("finance provider has no quote for "+symbol,
			fmt.Errorf("%s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description))
	}
	if len(resp.Chart.Result) == 0 || resp.Chart.Result[0].Meta.RegularMarketPrice == nil {
		return nil, domain.UpstreamError("finance provider has no quote for "+symbol, nil)
	}

	m := resp.Chart.Result[0].Meta
	name := m.LongName
	if name == "" {
		name = m.ShortName
	}
	if name == "" {
		name = symbol
	}
	prev := m.PreviousClose
	if prev == nil {
		prev = m.ChartPreviousClose
	}
	out := map[string]any{
		"symbol":              symbol,
		"name":                name,
		"price":               *m.RegularMarketPrice,
		"currency":            orDefault(m.Currency, "USD"),
		"exchange":            m.ExchangeName,
		"previous_close":      prev,
		"volume":              m.Volume,
		"fifty_two_week_high": m.FiftyTwoWeekHigh,
		"fifty_two_week_low":  m.FiftyTwoWeekLow,
	}
	if prev != nil && *prev != 0 {
		out["change_percent"] = (*m.RegularMarketPrice - *prev) / *prev * 100
	}
	if m.RegularMarketTime > 0 {
		out["market_time"] = time.Unix(m.RegularMarketTime, 0).UTC().Format(time.RFC3339)
	}
	return out, nil
}

type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []map[string]map[string]json.RawMessage `json:"result"`
		Error  *yahooError                             `json:"error"`
	} `json:"quoteSummary"`
}

// fundamentalFields maps output keys to (module, field) in quoteSummary.
var fundamentalFields = []struct {
	key, module, field string
}{
	{"trailing_pe", "summaryDetail", "trailingPE"},
	{"forward_pe", "summaryDetail", "forwardPE"},
	{"market_cap", "summaryDetail", "marketCap"},
	{"dividend_yield", "summaryDetail", "dividendYield"},
	{"dividend_rate", "summaryDetail", "dividendRate"},
	{"payout_ratio", "summaryDetail", "payoutRatio"},
	{"peg_ratio", "defaultKeyStatistics", "pegRatio"},
	{"price_to_book", "defaultKeyStatistics", "priceToBook"},
	{"enterprise_value", "defaultKeyStatistics", "enterpriseValue"},
	{"total_revenue", "financialData", "totalRevenue"},
	{"profit_margin", "financialData", "profitMargins"},
	{"operating_margin", "financialData", "operatingMargins"},
	{"return_on_equity", "financialData", "returnOnEquity"},
	{"return_on_assets", "financialData", "returnOnAssets"},
}

// summary fetches quoteSummary modules for symbol. It returns nil modules
// when the provider reports no data for the symbol.
func (f *Finance) summary(ctx context.Context, symbol, modules string) (map[string]map[string]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=%s", f.base, url.PathEscape(symbol), modules)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.Internal(err)
	}

	var resp quoteSummaryResponse
	if err := fetchJSON(f.client, req, "finance provider", &resp); err != nil {
		return nil, err
	}
	if resp.QuoteSummary.Error != nil || len(resp.QuoteSummary.Result) == 0 {
		return nil, nil
	}
	return resp.QuoteSummary.Result[0], nil
}

func (f *Finance) fundamentals(ctx context.Context, symbol string) (map[string]any, error) {
	modules, err := f.summary(ctx, symbol, "summaryDetail,defaultKeyStatistics,financialData")
	if err != nil {
		return nil, err
	}
	if modules == nil {
		return nil, domain.UpstreamError("finance provider has no fundamentals for "+symbol, nil)
	}

	out := map[string]any{"symbol": symbol}
	found := 0
	for _, ff := range fundamentalFields {
		var v struct {
			Raw *float64 `json:"raw"`
		}
		raw, ok := modules[ff.module][ff.field]
		if !ok || json.Unmarshal(raw, &v) != nil || v.Raw == nil {
			out[ff.key] = nil
			continue
		}
		out[ff.key] = *v.Raw
		found++
	}
	if found == 0 {
		return nil, domain.UpstreamError("finance provider has no fundamentals for "+symbol, nil)
	}
	return out, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

type recommendationTrend []struct {
	Period     string `json:"period"`
	StrongBuy  int    `json:"strongBuy"`
	Buy        int    `json:"buy"`
	Hold       int    `json:"hold"`
	Sell       int    `json:"sell"`
	StrongSell int    `json:"strongSell"`
}

type gradeHistory []struct {
	EpochGradeDate int64  `json:"epochGradeDate"`
	Firm           string `json:"firm"`
	ToGrade        string `json:"toGrade"`
	FromGrade      string `json:"fromGrade"`
	Action         string `json:"action"`
}

// analysts reports the current month's rating counts and the most recent
// grade changes. A symbol no analyst covers yields empty lists.
func (f *Finance) analysts(ctx context.Context, symbol string) (map[string]any, error) {
	modules, err := f.summary(ctx, symbol, "recommendationTrend,upgradeDowngradeHistory")
	if err != nil {
		return nil, err
	}
	if modules == nil {
		return nil, domain.UpstreamError("finance provider has no analyst coverage data for "+symbol, nil)
	}

	var trend recommendationTrend
	if raw, ok := modules["recommendationTrend"]["trend"]; ok {
		if err := json.Unmarshal(raw, &trend); err != nil {
			return nil, domain.UpstreamError("finance provider returned malformed recommendations", err)
		}
	}
	var history gradeHistory
	if raw, ok := modules["upgradeDowngradeHistory"]["history"]; ok {
		if err := json.Unmarshal(raw, &history); err != nil {
			return nil, domain.UpstreamError("finance provider returned malformed grade history", err)
		}
	}

	out := map[string]any{"symbol": symbol, "ratings": nil}
	for _, t := range trend {
		if t.Period == "0m" {
			out["ratings"] = map[string]int{
				"strong_buy":  t.StrongBuy,
				"buy":         t.Buy,
				"hold":        t.Hold,
				"sell":        t.Sell,
				"strong_sell": t.StrongSell,
			}
			break
		}
	}

	sort.SliceStable(history, func(i, j int) bool { return history[i].EpochGradeDate > history[j].EpochGradeDate })
	changes := make([]map[string]any, 0, maxAnalystChanges)
	for _, h := range history {
		if len(changes) == maxAnalystChanges {
			break
		}
		changes = append(changes, map[string]any{
			"firm":       h.Firm,
			"to_grade":   h.ToGrade,
			"from_grade": h.FromGrade,
			"action":     h.Action,
			"date":       time.Unix(h.EpochGradeDate, 0).UTC().Format("2006-01-02"),
		})
	}
	out["changes"] = changes
	return out, nil
}

type holding struct {
	Symbol string
	Shares int64
}

var holdingRe = regexp.MustCompile(`^` + holdingPattern + `$`)

// parseHoldings reads SYMBOL:SHARES pairs that already match
// holdingsPattern. Repeated symbols are merged.
func parseHoldings(s string) []holding {
	var out []holding
	index := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		if !holdingRe.MatchString(part) {
			continue
		}
		sym, shares, _ := strings.Cut(part, ":")
		sym = strings.ToUpper(strings.TrimSpace(sym))
		n, err := strconv.ParseInt(strings.TrimSpace(shares), 10, 64)
		if err != nil {
			continue
		}
		if i, ok := index[sym]; ok {
			out[i].Shares += n
			continue
		}
		index[sym] = len(out)
		out = append(out, holding{Symbol: sym, Shares: n})
	}
	return out
}

type quoteOutcome struct {
	symbol string
	quote  map[string]any
	err    error
}

// quoteAll quotes every symbol with bounded concurrency. Each outcome
// carries its own error; one failing symbol never fails the others.
func (f *Finance) quoteAll(ctx context.Context, symbols []string) []quoteOutcome {
	out := make([]quoteOutcome, len(symbols))
	var g errgroup.Group
	g.SetLimit(financeConcurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := f.quote(ctx, sym)
			out[i] = quoteOutcome{symbol: sym, quote: q, err: err}
			return nil
		})
	}
	g.Wait()
	return out
}

// firstFailure returns the first error when every outcome failed.
func firstFailure(outcomes []quoteOutcome) error {
	for _, o := range outcomes {
		if o.err == nil {
			return nil
		}
	}
	if len(outcomes) == 0 {
		return nil
	}
	return outcomes[0].err
}

func failureDetail(err error) string {
	return domain.AsToolError(err).Message()
}

func (f *Finance) portfolio(ctx context.Context, holdings []holding) (map[string]any, error) {
	symbols := make([]string, len(holdings))
	for i, h := range holdings {
		symbols[i] = h.Symbol
	}
	outcomes := f.quoteAll(ctx, symbols)
	if err := firstFailure(outcomes); err != nil {
		return nil, err
	}

	var total float64
	priced, failed := 0, 0
	rows := make([]map[string]any, 0, len(holdings))
	for i, h := range holdings {
		row := map[string]any{"symbol": h.Symbol, "shares": h.Shares}
		if o := outcomes[i]; o.err != nil {
			row["error"] = failureDetail(o.err)
			failed++
		} else {
			price := o.quote["price"].(float64)
			value := price * float64(h.Shares)
			row["price"] = price
			row["currency"] = o.quote["currency"]
			row["value"] = value
			total += value
			priced++
		}
		rows = append(rows, row)
	}
	return map[string]any{
		"result":      rows,
		"total_value": total,
		"priced":      priced,
		"failed":      failed,
	}, nil
}

func (f *Finance) indicators(ctx context.Context) (map[string]any, error) {
	symbols := make([]string, len(economicIndicators))
	for i, ind := range economicIndicators {
		symbols[i] = ind.symbol
	}
	outcomes := f.quoteAll(ctx, symbols)
	if err := firstFailure(outcomes); err != nil {
		return nil, err
	}

	priced, failed := 0, 0
	rows := make([]map[string]any, 0, len(outcomes))
	for i, o := range outcomes {
		row := map[string]any{"symbol": o.symbol, "name": economicIndicators[i].name}
		if o.err != nil {
			row["error"] = failureDetail(o.err)
			failed++
		} else {
			row["price"] = o.quote["price"]
			row["change_percent"] = o.quote["change_percent"]
			priced++
		}
		rows = append(rows, row)
	}
	return map[string]any{"result": rows, "priced": priced, "failed": failed}, nil
}
