package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
	"toolgate/internal/tool"
)

func TestParseBatch(t *testing.T) {
	calls, err := ParseBatch([]byte(`{"calls": [
		{"id": "a", "tool": "math_add", "payload": {"a": 1, "b": 2}},
		{"tool": " math_divide ", "payload": null}
	]}`), 8)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].ID)
	assert.Equal(t, "1", calls[1].ID)
	assert.Equal(t, "math_divide", calls[1].Tool)
	assert.Nil(t, calls[1].Payload)

	bad := map[string]string{
		"not json":     `{`,
		"no calls":     `{"calls": []}`,
		"unknown key":  `{"calls": [{"tool": "x"}], "extra": 1}`,
		"missing tool": `{"calls": [{"id": "a"}]}`,
		"duplicate id": `{"calls": [{"id": "a", "tool": "x"}, {"id": "a", "tool": "y"}]}`,
		"too many":     `{"calls": [{"tool": "a"}, {"tool": "b"}, {"tool": "c"}]}`,
	}
	for name, body := range bad {
		_, err := ParseBatch([]byte(body), 2)
		require.Error(t, err, name)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err), name)
	}
}

func TestBatch_PartialSuccess(t *testing.T) {
	d := newDispatcher(t, nil, Config{}, tool.MathCapabilities()...)
	calls := []BatchCall{
		{ID: "sum", Tool: "math_add", Payload: json.RawMessage(`{"a": 2, "b": 3}`)},
		{ID: "zero", Tool: "math_divide", Payload: json.RawMessage(`{"a": 1, "b": 0}`)},
		{ID: "nope", Tool: "math_pow"},
	}

	res := d.Batch(context.Background(), "r", calls, 2)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Items, 3)
	assert.Equal(t, "sum", res.Items[0].ID)
	assert.True(t, res.Items[0].Outcome.OK())
	assert.Equal(t, domain.KindValidation, res.Items[1].Outcome.Err.Kind())

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var decoded struct {
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(5), decoded.Results[0]["response"].(map[string]any)["result"])
	assert.NotNil(t, decoded.Results[0]["response"].(map[string]any)["timestamp"])
	errBody := decoded.Results[1]["error"].(map[string]any)
	assert.Equal(t, "validation", errBody["type"])
	assert.Equal(t, float64(400), decoded.Results[1]["status"])
}

func TestBatch_RespectsConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	p := newFake("p", func(context.Context, tool.Call) (map[string]any, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return map[string]any{"result": true}, nil
	})
	d := newDispatcher(t, nil, Config{}, p)

	calls := make([]BatchCall, 6)
	for i := range calls {
		calls[i] = BatchCall{ID: string(rune('a' + i)), Tool: "p"}
	}
	res := d.Batch(context.Background(), "r", calls, 2)
	assert.Equal(t, 6, res.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBatch_PanickingCallFailsAlone(t *testing.T) {
	p := panickyRule{newFake("rule", okResult)}
	d := newDispatcher(t, nil, Config{}, p, newFake("ok", okResult))

	res := d.Batch(context.Background(), "r", []BatchCall{
		{ID: "a", Tool: "rule", Payload: json.RawMessage(`{"n": 1}`)},
		{ID: "b", Tool: "ok"},
	}, 2)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, 2)
	assert.Equal(t, domain.KindInternal, res.Items[0].Outcome.Err.Kind())
	assert.True(t, res.Items[1].Outcome.OK())
}
