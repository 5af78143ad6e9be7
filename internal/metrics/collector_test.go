package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CounterIsShared(t *testing.T) {
	c := NewCollector("tg")
	a := c.Counter("x_total", "help", `k="v"`)
	b := c.Counter("x_total", "help", `k="v"`)
	a.Inc()
	b.Add(2)
	assert.Equal(t, int64(3), a.Value())
	assert.NotSame(t, a, c.Counter("x_total", "help", `k="w"`))
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := NewCollector("")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Counter("n", "h", "").Inc()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), c.Counter("n", "h", "").Value())
}

func TestCollector_Render(t *testing.T) {
	c := NewCollector("tg")
	c.Counter("calls_total", "Calls", Labels("capability", "b")).Inc()
	c.Counter("calls_total", "Calls", Labels("capability", "a")).Add(4)
	c.Gauge("busy", "Busy", "").Set(2)
	h := c.Histogram("lat_seconds", "Latency", "", []float64{1, 0.5})
	h.Observe(0.2)
	h.Observe(0.7)
	h.Observe(3)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()

	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, out, "# TYPE tg_calls_total counter")
	assert.Equal(t, 1, strings.Count(out, "# HELP tg_calls_total"))
	assert.Less(t, strings.Index(out, `tg_calls_total{capability="a"} 4`), strings.Index(out, `tg_calls_total{capability="b"} 1`))
	assert.Contains(t, out, "tg_busy 2")
	assert.Contains(t, out, `tg_lat_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, out, `tg_lat_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, `tg_lat_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "tg_lat_seconds_count 3")
	assert.Contains(t, out, "tg_uptime_seconds")
}

func TestLabels_Escapes(t *testing.T) {
	assert.Equal(t, `a="x",b="say \"hi\"\n"`, Labels("a", "x", "b", "say \"hi\"\n"))
	assert.Equal(t, "", Labels())
}

func TestGateway_RecordsCalls(t *testing.T) {
	c := NewCollector("toolgate")
	g := NewGateway(c)
	g.Call("math_add", "ok", 10*time.Millisecond)
	g.Call("math_add", "validation", time.Millisecond)
	g.Retry("news_search")
	g.Batch(2, 1)

	var sb strings.Builder
	_, err := c.WriteTo(&sb)
	require.NoError(t, err)
	out := sb.String()
	assert.Contains(t, out, `toolgate_calls_total{capability="math_add",outcome="ok"} 1`)
	assert.Contains(t, out, `toolgate_calls_total{capability="math_add",outcome="validation"} 1`)
	assert.Contains(t, out, `toolgate_call_duration_seconds_count{capability="math_add"} 2`)
	assert.Contains(t, out, `toolgate_retries_total{capability="news_search"} 1`)
	assert.Contains(t, out, `toolgate_batch_subcalls_total{outcome="error"} 1`)
}

func TestGateway_NilIsNoop(t *testing.T) {
	var g *Gateway
	g.Call("x", "ok", time.Second)
	g.Retry("x")
	g.InFlight("x").Inc()
	assert.Nil(t, g.Collector())
}
