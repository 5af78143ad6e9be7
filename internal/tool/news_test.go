package tool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
	"toolgate/internal/validate"
)

const ddgPage = `<html><body>
<div class="result results_links">
  <h2><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.example.com%2Fstory-1&rut=x">Story <b>One</b></a></h2>
  <a class="result__snippet" href="#">First   snippet</a>
</div>
<div class="result">
  <h2><a class="result__a" href="https://news.example.org/two">Story Two</a></h2>
  <div class="result__snippet">Second snippet</div>
</div>
<div class="result">
  <h2><a class="result__a" href="https://news.example.org/three">Story Three</a></h2>
</div>
</body></html>`

func newsCaps(cfg NewsConfig) map[string]Capability {
	cfg.Now = func() time.Time { return time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC) }
	out := map[string]Capability{}
	for _, cp := range NewsCapabilities(cfg) {
		out[cp.Descriptor().ID] = cp
	}
	return out
}

func TestNews_BasicModeUsesWebSearch(t *testing.T) {
	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query().Get("q"))
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	cp := newsCaps(NewsConfig{DuckDuckGoURL: srv.URL})["news_search"]
	out, err := invoke(t, cp, `{"topic":"golang","max_results":2}`)
	require.NoError(t, err)

	assert.Equal(t, "golang news 2025-03", query.Load())
	assert.Equal(t, "basic", out["mode"])
	assert.Equal(t, 2, out["count"])
	articles := out["result"].([]map[string]any)
	assert.Equal(t, "Story One", articles[0]["title"])
	assert.Equal(t, "https://www.example.com/story-1", articles[0]["url"])
	assert.Equal(t, "example.com", articles[0]["source"])
	assert.Equal(t, "First snippet", articles[0]["summary"])
}

func TestNews_EnhancedModeUsesNewsAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/everything", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "5", r.URL.Query().Get("pageSize"))
		w.Write([]byte(`{"status":"ok","totalResults":1,"articles":[
			{"source":{"name":"Wire"},"title":"Go 2","description":"d","url":"https://w/1","publishedAt":"2025-03-01T00:00:00Z"},
			{"source":{"name":"Wire"},"title":"","url":""}]}`))
	}))
	defer srv.Close()

	cp := newsCaps(NewsConfig{NewsAPIURL: srv.URL})["news_search"]
	out, err := cp.Invoke(context.Background(), Call{
		Request:  mustRequest(t, cp, `{"topic":"go"}`),
		Enhanced: true,
		Secrets:  staticSecrets{"NEWSAPI_API_KEY": "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "enhanced", out["mode"])
	assert.Equal(t, 1, out["count"])
}

func TestNews_MalformedProviderResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok", "articles": [tr`))
	}))
	defer srv.Close()

	cp := newsCaps(NewsConfig{NewsAPIURL: srv.URL})["news_search"]
	_, err := cp.Invoke(context.Background(), Call{
		Request:  mustRequest(t, cp, `{"topic":"go"}`),
		Enhanced: true,
		Secrets:  staticSecrets{"NEWSAPI_API_KEY": "k"},
	})
	assert.Equal(t, domain.KindUpstreamError, kindOf(t, err))
	assert.Equal(t, "news provider returned a malformed response", domain.AsToolError(err).Message())
}

func TestNews_ProviderDeclaredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","code":"rateLimited","message":"slow down"}`))
	}))
	defer srv.Close()

	cp := newsCaps(NewsConfig{NewsAPIURL: srv.URL})["news_breaking"]
	_, err := cp.Invoke(context.Background(), Call{
		Request:  mustRequest(t, cp, `{}`),
		Enhanced: true,
	})
	assert.Equal(t, domain.KindUpstreamUnavailable, kindOf(t, err))
}

func TestNews_MaxResultsBound(t *testing.T) {
	cp := newsCaps(NewsConfig{MaxResults: 10})["news_search"]
	for _, n := range []int{0, -1, 11, 500} {
		_, err := validate.Request(cp.Descriptor(), []byte(fmt.Sprintf(`{"topic":"x","max_results":%d}`, n)), cp)
		assert.Equal(t, domain.KindValidation, kindOf(t, err), n)
	}
	_, err := validate.Request(cp.Descriptor(), []byte(`{"topic":"x","max_results":10}`), cp)
	assert.NoError(t, err)

	_, err = validate.Request(cp.Descriptor(), []byte(`{"topic":"   "}`), cp)
	assert.Equal(t, domain.KindValidation, kindOf(t, err))
}

func TestNews_BreakingAndCompanyQueries(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query().Get("q"))
		mu.Unlock()
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	caps := newsCaps(NewsConfig{DuckDuckGoURL: srv.URL})
	_, err := invoke(t, caps["news_breaking"], `{}`)
	require.NoError(t, err)
	out, err := invoke(t, caps["news_breaking"], `{"category":"sports"}`)
	require.NoError(t, err)
	assert.Equal(t, "sports", out["category"])
	_, err = invoke(t, caps["news_company"], `{"company":"Acme"}`)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"breaking news today", "sports news today", "Acme company news 2025-03"}, queries)

	_, err = validate.Request(caps["news_breaking"].Descriptor(), []byte(`{"category":"gossip"}`), caps["news_breaking"])
	assert.Equal(t, domain.KindValidation, kindOf(t, err))
}

func TestWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/html/", r.URL.Path)
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	out, err := invoke(t, NewWebSearch(SearchConfig{DuckDuckGoURL: srv.URL}), `{"query":"stories"}`)
	require.NoError(t, err)
	assert.Equal(t, 3, out["count"])
	hits := out["result"].([]map[string]any)
	assert.Equal(t, "Second snippet", hits[1]["snippet"])
	assert.Equal(t, "", hits[2]["snippet"])
}

func TestResolveDuckDuckGoLink(t *testing.T) {
	assert.Equal(t, "https://a.example/x?y=1", resolveDuckDuckGoLink("//duckduckgo.com/l/?uddg=https%3A%2F%2Fa.example%2Fx%3Fy%3D1"))
	assert.Equal(t, "https://b.example/", resolveDuckDuckGoLink("https://b.example/"))
	assert.Equal(t, "", resolveDuckDuckGoLink("javascript:alert(1)"))
	assert.Equal(t, "", resolveDuckDuckGoLink(""))
}

func TestNews_MarketNews(t *testing.T) {
	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query().Get("q"))
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	cp := newsCaps(NewsConfig{DuckDuckGoURL: srv.URL})["news_market"]
	out, err := invoke(t, cp, `{}`)
	require.NoError(t, err)
	assert.Equal(t, "stock market", out["query"])
	assert.Equal(t, "stock market financial news 2025-03", query.Load())

	out, err = invoke(t, cp, `{"query":"bond yields","max_results":1}`)
	require.NoError(t, err)
	assert.Equal(t, "bond yields", out["query"])
	assert.Equal(t, 1, out["count"])
}

func TestNews_Summary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	cp := newsCaps(NewsConfig{DuckDuckGoURL: srv.URL})["news_summary"]
	out, err := invoke(t, cp, `{"topic":"stories"}`)
	require.NoError(t, err)
	assert.Equal(t, "basic", out["mode"])
	assert.Equal(t, "stories", out["topic"])

	digest := out["result"].(map[string]any)
	assert.Equal(t, 3, digest["count"])
	assert.Equal(t, "3 recent articles about stories from 2 sources.", digest["overview"])
	assert.Equal(t, []string{"example.com", "news.example.org"}, digest["sources"])
	assert.Equal(t, []string{"story", "snippet"}, digest["key_terms"])
	assert.Len(t, digest["articles"], 3)
}

func TestSummarize_NoCoverage(t *testing.T) {
	digest := summarize("quiet topic", nil)
	assert.Equal(t, 0, digest["count"])
	assert.Equal(t, "No recent coverage of quiet topic was found.", digest["overview"])
	assert.Equal(t, []string{}, digest["key_terms"])
}
