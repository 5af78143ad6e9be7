package domain

import (
	"encoding/json"
	"maps"
	"time"
)

// ToolRequest is a validated request for one capability. Payload values are
// normalized by the validator: strings, float64 for numbers, int64 for
// integers, bool for booleans.
type ToolRequest struct {
	Capability string
	Payload    map[string]any
}

func (r ToolRequest) String(key string) string {
	v, _ := r.Payload[key].(string)
	return v
}

func (r ToolRequest) Float(key string) float64 {
	v, _ := r.Payload[key].(float64)
	return v
}

func (r ToolRequest) Int(key string) int64 {
	v, _ := r.Payload[key].(int64)
	return v
}

func (r ToolRequest) Bool(key string) bool {
	v, _ := r.Payload[key].(bool)
	return v
}

// Has reports whether the caller supplied key (defaults are not applied to
// the payload).
func (r ToolRequest) Has(key string) bool {
	_, ok := r.Payload[key]
	return ok
}

// ToolResult is a successful capability result. Immutable: the constructor
// and accessors copy the field map.
type ToolResult struct {
	fields    map[string]any
	createdAt time.Time
}

// NewToolResult builds a result from the adapter payload. The payload must
// contain a "result" key; callers are expected to have checked that.
func NewToolResult(fields map[string]any, createdAt time.Time) ToolResult {
	return ToolResult{fields: maps.Clone(fields), createdAt: createdAt}
}

// Fields returns a copy of the payload fields.
func (r ToolResult) Fields() map[string]any { return maps.Clone(r.fields) }

// Result returns the primary result value.
func (r ToolResult) Result() any { return r.fields["result"] }

// CreatedAt returns the time the result was built.
func (r ToolResult) CreatedAt() time.Time { return r.createdAt }

// MarshalJSON renders the payload fields plus an RFC 3339 timestamp.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	out := maps.Clone(r.fields)
	if out == nil {
		out = map[string]any{}
	}
	out["timestamp"] = r.createdAt.Format(time.RFC3339Nano)
	return json.Marshal(out)
}
