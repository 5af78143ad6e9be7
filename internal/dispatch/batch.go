package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"toolgate/internal/domain"
	"toolgate/internal/envelope"
)

// BatchCall is one sub-call of a composite request.
type BatchCall struct {
	ID      string          `json:"id"`
	Tool    string          `json:"tool"`
	Payload json.RawMessage `json:"payload"`
}

// BatchItem is the outcome of one sub-call.
type BatchItem struct {
	ID      string
	Tool    string
	Outcome Outcome
}

// MarshalJSON renders the sub-call as {"id","tool","ok"} plus either the
// success envelope under "response" or the error envelope under "error".
func (it BatchItem) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"id":   it.ID,
		"tool": it.Tool,
		"ok":   it.Outcome.OK(),
	}
	if it.Outcome.OK() {
		out["response"] = it.Outcome.Result
	} else {
		body, status := envelope.FromError(it.Outcome.Err)
		out["error"] = body
		out["status"] = status
	}
	return json.Marshal(out)
}

// BatchResult holds every sub-result in request order.
type BatchResult struct {
	Items     []BatchItem `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// ParseBatch decodes {"calls":[...]} and checks its shape. Calls without an
// id are numbered by position.
func ParseBatch(body []byte, max int) ([]BatchCall, error) {
	var req struct {
		Calls []BatchCall `json:"calls"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, domain.Validationf("request body must be a JSON object with a calls array")
	}
	if len(req.Calls) == 0 {
		return nil, domain.Validationf("field calls: at least one call is required")
	}
	if max > 0 && len(req.Calls) > max {
		return nil, domain.Validationf("field calls: at most %d calls are allowed", max)
	}
	seen := make(map[string]bool, len(req.Calls))
	for i := range req.Calls {
		c := &req.Calls[i]
		c.Tool = strings.TrimSpace(c.Tool)
		if c.Tool == "" {
			return nil, domain.Validationf("calls[%d]: field tool is required", i)
		}
		if bytes.Equal(bytes.TrimSpace(c.Payload), []byte("null")) {
			c.Payload = nil
		}
		if c.ID == "" {
			c.ID = strconv.Itoa(i)
		}
		if seen[c.ID] {
			return nil, domain.Validationf("calls[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
	}
	return req.Calls, nil
}

// Batch runs calls concurrently, at most limit at a time, each through the
// full dispatch sequence. A failing sub-call never affects its siblings.
func (d *Dispatcher) Batch(ctx context.Context, requestID string, calls []BatchCall, limit int) BatchResult {
	res := BatchResult{Items: make([]BatchItem, len(calls))}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, c := range calls {
		g.Go(func() error {
			subID := fmt.Sprintf("%s/%s", requestID, c.ID)
			res.Items[i] = BatchItem{
				ID:      c.ID,
				Tool:    c.Tool,
				Outcome: d.Dispatch(ctx, subID, c.Tool, c.Payload),
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range res.Items {
		if it.Outcome.OK() {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	d.cfg.Metrics.Batch(res.Succeeded, res.Failed)
	d.logger.Info("batch finished", "request_id", requestID, "calls", len(calls),
		"succeeded", res.Succeeded, "failed", res.Failed)
	return res
}
