package tool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
	"toolgate/internal/validate"
)

const samplePage = `<!doctype html><html><head><title> Sample  Page </title>
<style>body{color:red}</style><script>var hidden = 1;</script></head>
<body>
<h1>Main</h1><h2>Second</h2><h3>Third</h3><h2>Fourth</h2><h3>Fifth</h3><h1>Sixth</h1>
<p>Some   body text.</p>
<a href="/about">About us</a>
<a href="#top">Top</a>
<a href="javascript:void(0)">Nothing</a>
<a href="https://other.example/x">Other</a>
</body></html>`

type fakeRenderer struct {
	page string
	err  error
	urls []string
}

func (f *fakeRenderer) Render(_ context.Context, url string) (string, error) {
	f.urls = append(f.urls, url)
	return f.page, f.err
}

func pageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(samplePage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScrape_Extracts(t *testing.T) {
	srv := pageServer(t)
	cp := NewScrape(ScrapeConfig{})

	out, err := invoke(t, cp, `{"url":"`+srv.URL+`/page","prompt":"Get the TITLE"}`)
	require.NoError(t, err)
	assert.Equal(t, "Sample Page", out["result"])
	assert.Equal(t, "title", out["extract"])

	out, err = invoke(t, cp, `{"url":"`+srv.URL+`/page","prompt":"list headings"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Main", "Second", "Third", "Fourth", "Fifth"}, out["result"])

	out, err = invoke(t, cp, `{"url":"`+srv.URL+`/page","prompt":"all links"}`)
	require.NoError(t, err)
	links := out["result"].([]map[string]any)
	require.Len(t, links, 2)
	assert.Equal(t, srv.URL+"/about", links[0]["url"])
	assert.Equal(t, "About us", links[0]["text"])
	assert.Equal(t, "https://other.example/x", links[1]["url"])

	out, err = invoke(t, cp, `{"url":"`+srv.URL+`/page","prompt":"summarize"}`)
	require.NoError(t, err)
	text := out["result"].(string)
	assert.Contains(t, text, "Some body text.")
	assert.NotContains(t, text, "hidden")
	assert.NotContains(t, text, "color")
}

func TestScrape_RejectsBadURLs(t *testing.T) {
	cp := NewScrape(ScrapeConfig{})
	for _, u := range []string{"", "example.com", "ftp://example.com/x", "/relative"} {
		_, err := validate.Request(cp.Descriptor(), []byte(`{"url":"`+u+`","prompt":"title"}`), cp)
		assert.Equal(t, domain.KindValidation, kindOf(t, err), u)
	}
}

func TestScrape_UpstreamStatus(t *testing.T) {
	srv := pageServer(t)
	_, err := invoke(t, NewScrape(ScrapeConfig{}), `{"url":"`+srv.URL+`/gone","prompt":"title"}`)
	assert.Equal(t, domain.KindUpstreamError, kindOf(t, err))
}

func TestScrape_RenderRequiresRenderer(t *testing.T) {
	cp := NewScrape(ScrapeConfig{})
	_, err := validate.Request(cp.Descriptor(), []byte(`{"url":"https://example.com","prompt":"title","render":true}`), cp)
	assert.Equal(t, domain.KindValidation, kindOf(t, err))
}

func TestScrape_RenderUsesRenderer(t *testing.T) {
	r := &fakeRenderer{page: "<html><head><title>Rendered</title></head></html>"}
	cp := NewScrape(ScrapeConfig{Renderer: r})

	out, err := invoke(t, cp, `{"url":"https://example.com/app","prompt":"title","render":true}`)
	require.NoError(t, err)
	assert.Equal(t, "Rendered", out["result"])
	assert.Equal(t, []string{"https://example.com/app"}, r.urls)

	r.err = errors.New("chrome crashed")
	_, err = invoke(t, cp, `{"url":"https://example.com/app","prompt":"title","render":true}`)
	assert.Equal(t, domain.KindUpstreamUnavailable, kindOf(t, err))
}

func TestScrapeExtract(t *testing.T) {
	assert.Equal(t, "title", scrapeExtract("what is the Title?"))
	assert.Equal(t, "headings", scrapeExtract("Headings please"))
	assert.Equal(t, "links", scrapeExtract("outbound links"))
	assert.Equal(t, "text", scrapeExtract("anything else"))
}
