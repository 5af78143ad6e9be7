package tool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"toolgate/internal/domain"
)

const defaultDuckDuckGoBase = "https://html.duckduckgo.com"

// SearchHit is one organic web result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (h SearchHit) fields() map[string]any {
	return map[string]any{"title": h.Title, "url": h.URL, "snippet": h.Snippet}
}

// duckDuckGo queries the keyless HTML endpoint of DuckDuckGo.
type duckDuckGo struct {
	base   string
	client *http.Client
}

func newDuckDuckGo(base string, client *http.Client) *duckDuckGo {
	if base == "" {
		base = defaultDuckDuckGoBase
	}
	return &duckDuckGo{base: strings.TrimRight(base, "/"), client: client}
}

func (d *duckDuckGo) search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	endpoint := fmt.Sprintf("%s/html/?q=%s", d.base, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.Internal(err)
	}
	req.Header.Set("Accept", "text/html")

	body, err := fetch(d.client, req, "search provider")
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, domain.UpstreamError("search provider returned a malformed response", err)
	}
	hits := parseDuckDuckGo(doc)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// parseDuckDuckGo extracts results from the HTML endpoint. Each result is an
// anchor with class result__a followed by an element with class
// result__snippet.
func parseDuckDuckGo(doc *html.Node) []SearchHit {
	var hits []SearchHit
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				title := collapseSpace(textOf(n))
				link := resolveDuckDuckGoLink(attr(n, "href"))
				if title != "" && link != "" {
					hits = append(hits, SearchHit{Title: title, URL: link})
				}
				return
			case hasClass(n, "result__snippet"):
				if len(hits) > 0 && hits[len(hits)-1].Snippet == "" {
					hits[len(hits)-1].Snippet = collapseSpace(textOf(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hits
}

// resolveDuckDuckGoLink unwraps the //duckduckgo.com/l/?uddg=<target>
// redirect used for result links.
func resolveDuckDuckGoLink(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// WebSearch answers free-text web queries.
type WebSearch struct {
	ddg        *duckDuckGo
	timeout    time.Duration
	maxResults int
}

// SearchConfig configures web search and the keyless news fallback.
type SearchConfig struct {
	DuckDuckGoURL string
	MaxResults    int
	Timeout       time.Duration
	Client        *http.Client
}

func NewWebSearch(cfg SearchConfig) *WebSearch {
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &WebSearch{
		ddg:        newDuckDuckGo(cfg.DuckDuckGoURL, cfg.Client),
		timeout:    cfg.Timeout,
		maxResults: cfg.MaxResults,
	}
}

func (t *WebSearch) Descriptor() domain.Descriptor {
	return domain.Descriptor{
		ID:          "web_search",
		Path:        "/api/web/search",
		Family:      "web",
		Description: "Search the web and return result titles, links and snippets.",
		Input: domain.Schema{Fields: []domain.Field{
			{Name: "query", Type: domain.TypeString, Description: "Search query", Required: true, MinLength: 1, MaxLength: 500, Pattern: nonBlank},
			{Name: "max_results", Type: domain.TypeInteger, Description: "Number of results",
				Minimum: domain.Float64(1), Maximum: domain.Float64(float64(t.maxResults)), Default: 5},
		}},
		Output:  []string{"result", "query", "count"},
		Timeout: t.timeout,
	}
}

func (t *WebSearch) Validate(domain.ToolRequest) error { return nil }

func (t *WebSearch) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	query := strings.TrimSpace(call.Request.String("query"))
	limit := 5
	if call.Request.Has("max_results") {
		limit = int(call.Request.Int("max_results"))
	}
	hits, err := t.ddg.search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"result": hitFields(hits),
		"query":  query,
		"count":  len(hits),
	}, nil
}

func hitFields(hits []SearchHit) []map[string]any {
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.fields())
	}
	return out
}

// nonBlank is the pattern used for required free-text fields.
const nonBlank = `\S`

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
