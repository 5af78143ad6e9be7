package metrics

import "time"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Gateway records dispatch metrics. A nil *Gateway records nothing.
type Gateway struct {
	c *Collector
}

// NewGateway returns dispatch metrics backed by c.
func NewGateway(c *Collector) *Gateway {
	return &Gateway{c: c}
}

// Collector returns the underlying collector, or nil.
func (g *Gateway) Collector() *Collector {
	if g == nil {
		return nil
	}
	return g.c
}

// Call records one finished dispatch. outcome is "ok" or an error kind.
func (g *Gateway) Call(capability, outcome string, d time.Duration) {
	if g == nil {
		return
	}
	g.c.Counter("calls_total", "Dispatched capability calls by outcome",
		Labels("capability", capability, "outcome", outcome)).Inc()
	g.c.Histogram("call_duration_seconds", "End-to-end dispatch latency in seconds",
		Labels("capability", capability), latencyBuckets).Observe(d.Seconds())
}

// InFlight tracks adapter invocations currently running, including
// abandoned ones that have not returned yet.
func (g *Gateway) InFlight(capability string) *Gauge {
	if g == nil {
		return &Gauge{}
	}
	return g.c.Gauge("adapter_in_flight", "Adapter invocations currently running",
		Labels("capability", capability))
}

// Retry records a second attempt.
func (g *Gateway) Retry(capability string) {
	if g == nil {
		return
	}
	g.c.Counter("retries_total", "Retried adapter invocations", Labels("capability", capability)).Inc()
}

// Abandoned records an adapter invocation left running after its timeout.
func (g *Gateway) Abandoned(capability string) {
	if g == nil {
		return
	}
	g.c.Counter("abandoned_total", "Adapter invocations abandoned after timeout",
		Labels("capability", capability)).Inc()
}

// Panic records a recovered adapter panic.
func (g *Gateway) Panic(capability string) {
	if g == nil {
		return
	}
	g.c.Counter("panics_total", "Recovered panics by capability, or \"http\" for the HTTP layer", Labels("capability", capability)).Inc()
}

// Batch records one composite call and its sub-call results.
func (g *Gateway) Batch(succeeded, failed int) {
	if g == nil {
		return
	}
	g.c.Counter("batches_total", "Composite calls", "").Inc()
	g.c.Counter("batch_subcalls_total", "Composite sub-calls by outcome", Labels("outcome", "ok")).Add(int64(succeeded))
	g.c.Counter("batch_subcalls_total", "Composite sub-calls by outcome", Labels("outcome", "error")).Add(int64(failed))
}

// HTTPRequest records one served HTTP request.
func (g *Gateway) HTTPRequest(method string, status int, d time.Duration) {
	if g == nil {
		return
	}
	g.c.Counter("http_requests_total", "HTTP requests by method and status class",
		Labels("method", method, "code", statusClass(status))).Inc()
	g.c.Histogram("http_request_duration_seconds", "HTTP request latency in seconds", "", latencyBuckets).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
