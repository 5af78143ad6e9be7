package tool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"toolgate/internal/domain"
)

const (
	defaultNewsAPIBase = "https://newsapi.org"
	newsAPICredential  = "NEWSAPI_API_KEY"
	defaultNewsResults = 5
)

var newsCategories = []string{"general", "technology", "business", "sports", "science"}

// NewsConfig configures the news capabilities. MaxResults bounds the
// caller-supplied max_results; larger values are rejected, not clamped.
type NewsConfig struct {
	NewsAPIURL    string
	DuckDuckGoURL string
	MaxResults    int
	Timeout       time.Duration
	Client        *http.Client
	// Now is used to scope basic-mode queries to the current month.
	Now func() time.Time
}

type newsKind string

const (
	newsSearch   newsKind = "search"
	newsBreaking newsKind = "breaking"
	newsCompany  newsKind = "company"
	newsMarket   newsKind = "market"
	newsSummary  newsKind = "summary"
)

const defaultMarketQuery = "stock market"

// summaryStopWords are skipped when picking the key terms of a summary.
var summaryStopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "by": true,
	"for": true, "from": true, "has": true, "have": true, "in": true, "is": true, "it": true, "its": true,
	"new": true, "news": true, "of": true, "on": true, "or": true, "says": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "what": true, "will": true, "with": true,
}

// News looks up articles through NewsAPI when a key is configured and falls
// back to keyless web search otherwise.
type News struct {
	kind       newsKind
	newsAPI    string
	ddg        *duckDuckGo
	client     *http.Client
	maxResults int
	timeout    time.Duration
	now        func() time.Time
}

// NewsCapabilities returns news search, breaking, company and market news,
// and the news summary.
func NewsCapabilities(cfg NewsConfig) []Capability {
	if cfg.NewsAPIURL == "" {
		cfg.NewsAPIURL = defaultNewsAPIBase
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ddg := newDuckDuckGo(cfg.DuckDuckGoURL, cfg.Client)
	var out []Capability
	for _, k := range []newsKind{newsSearch, newsBreaking, newsCompany, newsMarket, newsSummary} {
		out = append(out, &News{
			kind:       k,
			newsAPI:    strings.TrimRight(cfg.NewsAPIURL, "/"),
			ddg:        ddg,
			client:     cfg.Client,
			maxResults: cfg.MaxResults,
			timeout:    cfg.Timeout,
			now:        cfg.Now,
		})
	}
	return out
}

func (n *News) Descriptor() domain.Descriptor {
	limit := domain.Field{
		Name: "max_results", Type: domain.TypeInteger,
		Description: fmt.Sprintf("Number of articles (1-%d)", n.maxResults),
		Minimum:     domain.Float64(1), Maximum: domain.Float64(float64(n.maxResults)),
		Default: defaultNewsResults,
	}
	d := domain.Descriptor{
		ID:                 "news_" + string(n.kind),
		Path:               "/api/news/" + string(n.kind),
		Family:             "news",
		EnhancedCredential: newsAPICredential,
		Output:             []string{"result", "count", "mode"},
		Timeout:            n.timeout,
	}
	switch n.kind {
	case newsSearch:
		d.Description = "Search recent news articles about a topic."
		d.Input.Fields = []domain.Field{
			{Name: "topic", Type: domain.TypeString, Description: "News topic", Required: true, MinLength: 1, MaxLength: 200, Pattern: nonBlank},
			limit,
		}
		d.Output = append(d.Output, "topic")
	case newsBreaking:
		d.Description = "Current headlines, optionally for one category."
		d.Input.Fields = []domain.Field{
			{Name: "category", Type: domain.TypeString, Description: "Headline category", Enum: newsCategories, Default: "general"},
			limit,
		}
		d.Output = append(d.Output, "category")
	case newsCompany:
		d.Description = "Recent news about a company."
		d.Input.Fields = []domain.Field{
			{Name: "company", Type: domain.TypeString, Description: "Company name", Required: true, MinLength: 1, MaxLength: 100, Pattern: nonBlank},
			limit,
		}
		d.Output = append(d.Output, "company")
	case newsMarket:
		d.Description = "Recent financial and market news, optionally narrowed by a query."
		d.Input.Fields = []domain.Field{
			{Name: "query", Type: domain.TypeString, Description: "Market topic", MinLength: 1, MaxLength: 200, Pattern: nonBlank, Default: defaultMarketQuery},
			limit,
		}
		d.Output = append(d.Output, "query")
	case newsSummary:
		d.Description = "Digest of recent coverage of a topic: headline count, sources, recurring terms and the articles themselves."
		d.Input.Fields = []domain.Field{
			{Name: "topic", Type: domain.TypeString, Description: "News topic", Required: true, MinLength: 1, MaxLength: 200, Pattern: nonBlank},
			limit,
		}
		d.Output = []string{"result", "mode", "topic"}
	}
	return d
}

func (n *News) Validate(domain.ToolRequest) error { return nil }

func (n *News) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	limit := defaultNewsResults
	if call.Request.Has("max_results") {
		limit = int(call.Request.Int("max_results"))
	}

	out := map[string]any{}
	var (
		q         newsQuery
		basicTerm string
	)
	month := n.now().Format("2006-01")
	switch n.kind {
	case newsSearch:
		topic := strings.TrimSpace(call.Request.String("topic"))
		out["topic"] = topic
		q = newsQuery{path: "/v2/everything", params: url.Values{"q": {topic}, "sortBy": {"publishedAt"}, "language": {"en"}}}
		basicTerm = topic + " news " + month
	case newsBreaking:
		category := call.Request.String("category")
		if category == "" {
			category = "general"
		}
		out["category"] = category
		q = newsQuery{path: "/v2/top-headlines", params: url.Values{"country": {"us"}, "category": {category}}}
		if category == "general" {
			basicTerm = "breaking news today"
		} else {
			basicTerm = category + " news today"
		}
	case newsCompany:
		company := strings.TrimSpace(call.Request.String("company"))
		out["company"] = company
		q = newsQuery{path: "/v2/everything", params: url.Values{"q": {`"` + company + `"`}, "sortBy": {"publishedAt"}, "language": {"en"}}}
		basicTerm = company + " company news " + month
	case newsMarket:
		query := defaultMarketQuery
		if call.Request.Has("query") {
			query = strings.TrimSpace(call.Request.String("query"))
		}
		out["query"] = query
		q = newsQuery{path: "/v2/everything", params: url.Values{"q": {query}, "sortBy": {"publishedAt"}, "language": {"en"}}}
		basicTerm = query + " financial news " + month
	case newsSummary:
		topic := strings.TrimSpace(call.Request.String("topic"))
		out["topic"] = topic
		q = newsQuery{path: "/v2/everything", params: url.Values{"q": {topic}, "sortBy": {"relevancy"}, "language": {"en"}}}
		basicTerm = topic + " news " + month
	}

	var (
		articles []map[string]any
		err      error
	)
	if call.Enhanced {
		out["mode"] = "enhanced"
		articles, err = n.fromNewsAPI(ctx, q, limit, call.Secret(newsAPICredential))
	} else {
		out["mode"] = "basic"
		articles, err = n.fromSearch(ctx, basicTerm, limit)
	}
	if err != nil {
		return nil, err
	}
	if n.kind == newsSummary {
		out["result"] = summarize(out["topic"].(string), articles)
		return out, nil
	}
	out["result"] = articles
	out["count"] = len(articles)
	return out, nil
}

// summarize condenses articles into a digest. Key terms are the words that
// recur across at least two headlines or summaries, most frequent first.
func summarize(topic string, articles []map[string]any) map[string]any {
	var sources []string
	seenSource := map[string]bool{}
	freq := map[string]int{}
	topicWords := map[string]bool{}
	for _, w := range words(topic) {
		topicWords[w] = true
	}

	for _, a := range articles {
		if src, _ := a["source"].(string); src != "" && !seenSource[src] {
			seenSource[src] = true
			sources = append(sources, src)
		}
		title, _ := a["title"].(string)
		summary, _ := a["summary"].(string)
		seen := map[string]bool{}
		for _, w := range words(title + " " + summary) {
			if seen[w] || topicWords[w] || summaryStopWords[w] || len(w) < 3 {
				continue
			}
			seen[w] = true
			freq[w]++
		}
	}

	var terms []string
	for w, c := range freq {
		if c >= 2 {
			terms = append(terms, w)
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > 10 {
		terms = terms[:10]
	}

	overview := fmt.Sprintf("No recent coverage of %s was found.", topic)
	if len(articles) > 0 {
		overview = fmt.Sprintf("%d recent articles about %s from %d sources.", len(articles), topic, len(sources))
	}
	return map[string]any{
		"overview":  overview,
		"count":     len(articles),
		"sources":   nonNil(sources),
		"key_terms": nonNil(terms),
		"articles":  articles,
	}
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type newsQuery struct {
	path   string
	params url.Values
}

type newsAPIResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

func (n *News) fromNewsAPI(ctx context.Context, q newsQuery, limit int, key string) ([]map[string]any, error) {
	params := url.Values{}
	for k, v := range q.params {
		params[k] = v
	}
	params.Set("pageSize", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.newsAPI+q.path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, domain.Internal(err)
	}
	req.Header.Set("X-Api-Key", key)

	var resp newsAPIResponse
	if err := fetchJSON(n.client, req, "news provider", &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		if resp.Code == "rateLimited" {
			return nil, domain.Unavailable("news provider is rate limiting requests", fmt.Errorf("%s: %s", resp.Code, resp.Message))
		}
		return nil, domain.UpstreamError("news provider returned an error", fmt.Errorf("%s: %s", resp.Code, resp.Message))
	}

	articles := make([]map[string]any, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		if a.Title == "" || a.URL == "" {
			continue
		}
		articles = append(articles, map[string]any{
			"title":        a.Title,
			"url":          a.URL,
			"source":       a.Source.Name,
			"summary":      a.Description,
			"published_at": a.PublishedAt,
		})
		if len(articles) == limit {
			break
		}
	}
	return articles, nil
}

func (n *News) fromSearch(ctx context.Context, term string, limit int) ([]map[string]any, error) {
	hits, err := n.ddg.search(ctx, term, limit)
	if err != nil {
		return nil, err
	}
	articles := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		articles = append(articles, map[string]any{
			"title":   h.Title,
			"url":     h.URL,
			"source":  hostOf(h.URL),
			"summary": h.Snippet,
		})
	}
	return articles, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
