package tool

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
	"toolgate/internal/validate"
)

func financeCaps(base string) map[string]Capability {
	out := map[string]Capability{}
	for _, cp := range FinanceCapabilities(FinanceConfig{BaseURL: base}) {
		out[cp.Descriptor().ID] = cp
	}
	return out
}

const chartBody = `{"chart":{"result":[{"meta":{"symbol":"AAPL","currency":"USD","longName":"Apple Inc.",
"exchangeName":"NMS","regularMarketPrice":110,"previousClose":100,"regularMarketVolume":1234,
"fiftyTwoWeekHigh":150,"fiftyTwoWeekLow":90,"regularMarketTime":1700000000}}],"error":null}}`

func TestFinance_StockPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		w.Write([]byte(chartBody))
	}))
	defer srv.Close()

	out, err := invoke(t, financeCaps(srv.URL)["stock_price"], `{"symbol":"aapl"}`)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", out["symbol"])

	quote := out["result"].(map[string]any)
	assert.Equal(t, "Apple Inc.", quote["name"])
	assert.Equal(t, 110.0, quote["price"])
	assert.InDelta(t, 10.0, quote["change_percent"], 1e-9)
	assert.Equal(t, "2023-11-14T22:13:20Z", quote["market_time"])
}

func TestFinance_CryptoAppendsUSD(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Write([]byte(strings.Replace(chartBody, "AAPL", "BTC-USD", 1)))
	}))
	defer srv.Close()

	out, err := invoke(t, financeCaps(srv.URL)["crypto_price"], `{"symbol":"btc"}`)
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", out["symbol"])
	assert.Equal(t, "/v8/finance/chart/BTC-USD", path.Load())
}

func TestFinance_Fundamentals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v10/finance/quoteSummary/MSFT", r.URL.Path)
		w.Write([]byte(`{"quoteSummary":{"result":[{
			"summaryDetail":{"trailingPE":{"raw":35.2,"fmt":"35.20"},"marketCap":{"raw":3000000000000}},
			"financialData":{"profitMargins":{"raw":0.36}}}],"error":null}}`))
	}))
	defer srv.Close()

	out, err := invoke(t, financeCaps(srv.URL)["stock_fundamentals"], `{"symbol":"MSFT"}`)
	require.NoError(t, err)
	f := out["result"].(map[string]any)
	assert.Equal(t, 35.2, f["trailing_pe"])
	assert.Equal(t, 0.36, f["profit_margin"])
	assert.Nil(t, f["peg_ratio"])
}

func TestFinance_EmptySymbolRejectedBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cp := financeCaps(srv.URL)["stock_price"]
	for _, body := range []string{`{"symbol":""}`, `{"symbol":"AA PL"}`, `{"symbol":"$$$"}`, `{}`} {
		_, err := validate.Request(cp.Descriptor(), []byte(body), cp)
		assert.Equal(t, domain.KindValidation, kindOf(t, err), body)
	}
	assert.Zero(t, hits.Load())
}

func TestFinance_ProviderFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, domain.KindUpstreamUnavailable},
		{"server error", http.StatusBadGateway, `oops`, domain.KindUpstreamUnavailable},
		{"unknown symbol", http.StatusNotFound, `{"chart":{"result":null,"error":{"code":"Not Found"}}}`, domain.KindUpstreamError},
		{"malformed", http.StatusOK, `<html>`, domain.KindUpstreamError},
		{"no price", http.StatusOK, `{"chart":{"result":[{"meta":{}}]}}`, domain.KindUpstreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := invoke(t, financeCaps(srv.URL)["stock_price"], `{"symbol":"ZZZZ"}`)
			assert.Equal(t, tt.want, kindOf(t, err))
			te := domain.AsToolError(err)
			assert.NotContains(t, te.Message(), tt.body)
		})
	}
}

func TestFinance_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := invoke(t, financeCaps(base)["stock_price"], `{"symbol":"AAPL"}`)
	assert.Equal(t, domain.KindUpstreamUnavailable, kindOf(t, err))
}

func chartFor(symbol string, price float64) string {
	return fmt.Sprintf(`{"chart":{"result":[{"meta":{"symbol":%q,"currency":"USD","regularMarketPrice":%g,"previousClose":%g}}]}}`,
		symbol, price, price/2)
}

func TestFinance_AnalystRecommendations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v10/finance/quoteSummary/NVDA", r.URL.Path)
		assert.Equal(t, "recommendationTrend,upgradeDowngradeHistory", r.URL.Query().Get("modules"))
		w.Write([]byte(`{"quoteSummary":{"result":[{
			"recommendationTrend":{"trend":[
				{"period":"-1m","strongBuy":1,"buy":1,"hold":1,"sell":0,"strongSell":0},
				{"period":"0m","strongBuy":12,"buy":30,"hold":5,"sell":1,"strongSell":0}]},
			"upgradeDowngradeHistory":{"history":[
				{"epochGradeDate":1700000000,"firm":"Old Firm","toGrade":"Hold","fromGrade":"Buy","action":"down"},
				{"epochGradeDate":1710000000,"firm":"New Firm","toGrade":"Buy","fromGrade":"","action":"init"}]}}]}}`))
	}))
	defer srv.Close()

	out, err := invoke(t, financeCaps(srv.URL)["analyst_recommendations"], `{"symbol":"nvda"}`)
	require.NoError(t, err)
	res := out["result"].(map[string]any)
	assert.Equal(t, map[string]int{"strong_buy": 12, "buy": 30, "hold": 5, "sell": 1, "strong_sell": 0}, res["ratings"])

	changes := res["changes"].([]map[string]any)
	require.Len(t, changes, 2)
	assert.Equal(t, "New Firm", changes[0]["firm"])
	assert.Equal(t, "2024-03-09", changes[0]["date"])
	assert.Equal(t, "down", changes[1]["action"])
}

func TestFinance_AnalystRecommendationsWithoutCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quoteSummary":{"result":[{}]}}`))
	}))
	defer srv.Close()

	out, err := invoke(t, financeCaps(srv.URL)["analyst_recommendations"], `{"symbol":"TINY"}`)
	require.NoError(t, err)
	res := out["result"].(map[string]any)
	assert.Nil(t, res["ratings"])
	assert.Empty(t, res["changes"])
}

func TestFinance_PortfolioValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/v8/finance/chart/") {
		case "AAPL":
			w.Write([]byte(chartFor("AAPL", 200)))
		case "MSFT":
			w.Write([]byte(chartFor("MSFT", 400)))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found"}}}`))
		}
	}))
	defer srv.Close()

	out, err := invoke(t, financeCaps(srv.URL)["portfolio_value"], `{"holdings":"aapl:10, MSFT:1,NOPE:5,AAPL:5"}`)
	require.NoError(t, err)
	assert.Equal(t, 3400.0, out["total_value"])
	assert.Equal(t, 2, out["priced"])
	assert.Equal(t, 1, out["failed"])

	rows := out["result"].([]map[string]any)
	require.Len(t, rows, 3)
	assert.Equal(t, "AAPL", rows[0]["symbol"])
	assert.Equal(t, int64(15), rows[0]["shares"])
	assert.Equal(t, 3000.0, rows[0]["value"])
	assert.Equal(t, "NOPE", rows[2]["symbol"])
	assert.NotEmpty(t, rows[2]["error"])
	assert.NotContains(t, rows[2], "value")
}

func TestFinance_PortfolioAllFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := invoke(t, financeCaps(srv.URL)["portfolio_value"], `{"holdings":"AAPL:1,MSFT:2"}`)
	assert.Equal(t, domain.KindUpstreamUnavailable, kindOf(t, err))
}

func TestFinance_PortfolioHoldingsValidation(t *testing.T) {
	cp := financeCaps("http://127.0.0.1:1")["portfolio_value"]
	for _, body := range []string{
		`{"holdings":""}`,
		`{"holdings":"AAPL"}`,
		`{"holdings":"AAPL:0"}`,
		`{"holdings":"AAPL:-3"}`,
		`{"holdings":"AAPL:1.5"}`,
		`{"holdings":"AAPL:1,,MSFT:2"}`,
	} {
		_, err := validate.Request(cp.Descriptor(), []byte(body), cp)
		assert.Equal(t, domain.KindValidation, kindOf(t, err), body)
	}

	parts := make([]string, maxHoldings+1)
	for i := range parts {
		parts[i] = fmt.Sprintf("S%d:1", i)
	}
	_, err := validate.Request(cp.Descriptor(), []byte(`{"holdings":"`+strings.Join(parts, ",")+`"}`), cp)
	require.Error(t, err)
	assert.Contains(t, domain.AsToolError(err).Message(), "at most 25")
}

func TestFinance_EconomicIndicators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sym := strings.TrimPrefix(r.URL.Path, "/v8/finance/chart/")
		if sym == "^VIX" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(chartFor(sym, 100)))
	}))
	defer srv.Close()

	out, err := invoke(t, financeCaps(srv.URL)["economic_indicators"], `{}`)
	require.NoError(t, err)
	assert.Equal(t, 6, out["priced"])
	assert.Equal(t, 1, out["failed"])

	rows := out["result"].([]map[string]any)
	require.Len(t, rows, len(economicIndicators))
	assert.Equal(t, "S&P 500", rows[0]["name"])
	assert.Equal(t, 100.0, rows[0]["price"])
	assert.InDelta(t, 100.0, rows[0]["change_percent"], 1e-9)
	assert.Equal(t, "Volatility Index", rows[3]["name"])
	assert.NotEmpty(t, rows[3]["error"])
}
