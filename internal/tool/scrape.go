package tool

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"toolgate/internal/browser"
	"toolgate/internal/domain"
)

const (
	scrapeMaxHeadings = 5
	scrapeMaxLinks    = 10
	scrapeMaxText     = 500

	// httpURL narrows format "uri" to http(s) URLs with a host.
	httpURL = `^https?://[^\s/?#]+`
)

// ScrapeConfig configures the scrape capability. Renderer is optional; when
// nil, requests asking for rendering are rejected during validation.
type ScrapeConfig struct {
	Timeout  time.Duration
	Client   *http.Client
	Renderer browser.Renderer
}

// Scrape fetches a page and extracts the part the prompt asks for: the
// title, the headings, the links, or a text excerpt.
type Scrape struct {
	client   *http.Client
	renderer browser.Renderer
	timeout  time.Duration
}

func NewScrape(cfg ScrapeConfig) *Scrape {
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	return &Scrape{client: cfg.Client, renderer: cfg.Renderer, timeout: cfg.Timeout}
}

func (s *Scrape) Descriptor() domain.Descriptor {
	return domain.Descriptor{
		ID:          "web_scrape",
		Path:        "/api/web/scrape",
		Family:      "web",
		Description: "Fetch a web page and extract its title, headings, links or a text excerpt, chosen by the prompt.",
		Input: domain.Schema{Fields: []domain.Field{
			{Name: "url", Type: domain.TypeString, Description: "Absolute http or https URL", Required: true, MinLength: 1, MaxLength: 2048, Format: "uri", Pattern: httpURL},
			{Name: "prompt", Type: domain.TypeString, Description: "What to extract: title, headings, links, or anything else for text", Required: true, MinLength: 1, MaxLength: 500, Pattern: nonBlank},
			{Name: "render", Type: domain.TypeBoolean, Description: "Render the page in a headless browser first", Default: false},
		}},
		Output:  []string{"result", "url", "prompt", "extract"},
		Timeout: s.timeout,
	}
}

func (s *Scrape) Validate(req domain.ToolRequest) error {
	if req.Bool("render") && s.renderer == nil {
		return domain.Validationf("page rendering is not enabled on this gateway")
	}
	return nil
}

func (s *Scrape) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	target := call.Request.String("url")
	prompt := call.Request.String("prompt")

	var (
		page string
		err  error
	)
	if call.Request.Bool("render") && s.renderer != nil {
		page, err = s.render(ctx, target)
	} else {
		page, err = s.download(ctx, target)
	}
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, domain.UpstreamError("page could not be parsed", err)
	}
	base, _ := url.Parse(target)

	extract := scrapeExtract(prompt)
	var result any
	switch extract {
	case "title":
		result = pageTitle(doc)
	case "headings":
		result = pageHeadings(doc, scrapeMaxHeadings)
	case "links":
		result = pageLinks(doc, base, scrapeMaxLinks)
	default:
		result = truncate(collapseSpace(textOf(doc)), scrapeMaxText)
	}

	return map[string]any{
		"result":  result,
		"url":     target,
		"prompt":  prompt,
		"extract": extract,
	}, nil
}

func (s *Scrape) download(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", domain.Validationf("field url: %s", err.Error())
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	body, err := fetch(s.client, req, "target site")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (s *Scrape) render(ctx context.Context, target string) (string, error) {
	page, err := s.renderer.Render(ctx, target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", domain.Unavailable("target site did not render in time", err)
		}
		return "", domain.Unavailable("target site could not be rendered", err)
	}
	if strings.TrimSpace(page) == "" {
		return "", domain.UpstreamError("target site rendered an empty page", nil)
	}
	return page, nil
}

// scrapeExtract picks the extraction from keywords in the prompt.
func scrapeExtract(prompt string) string {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "title"):
		return "title"
	case strings.Contains(p, "heading"):
		return "headings"
	case strings.Contains(p, "link"):
		return "links"
	default:
		return "text"
	}
}

func pageTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" {
			title = collapseSpace(textOf(n))
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	if title == "" {
		return "No title found"
	}
	return title
}

func pageHeadings(doc *html.Node, limit int) []string {
	out := []string{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(out) >= limit {
			return
		}
		if n.Type == html.ElementNode && (n.Data == "h1" || n.Data == "h2" || n.Data == "h3") {
			if t := collapseSpace(textOf(n)); t != "" {
				out = append(out, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func pageLinks(doc *html.Node, base *url.URL, limit int) []map[string]any {
	out := []map[string]any{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(out) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			href := strings.TrimSpace(attr(n, "href"))
			if href != "" && !strings.HasPrefix(href, "#") && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
				if ref, err := url.Parse(href); err == nil && base != nil {
					href = base.ResolveReference(ref).String()
				}
				out = append(out, map[string]any{"text": collapseSpace(textOf(n)), "url": href})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}
