// Package validate checks raw request bodies against a capability's declared
// input schema before anything is dispatched. The schema is the JSON Schema
// document advertised by /api/info, compiled once per capability.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"toolgate/internal/domain"
)

// Rule is a capability-specific check that runs after the schema checks
// pass, e.g. a parseable CSV document.
type Rule interface {
	Validate(req domain.ToolRequest) error
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(req domain.ToolRequest) error

func (f RuleFunc) Validate(req domain.ToolRequest) error { return f(req) }

// compiled caches schemas by their rendered document.
var compiled sync.Map

// Compile renders and compiles the input schema of desc. Results are cached,
// so calling it for every catalog entry at startup makes later requests
// reuse the compiled form.
func Compile(desc domain.Descriptor) (*jsonschema.Schema, error) {
	doc, err := desc.Input.JSON()
	if err != nil {
		return nil, fmt.Errorf("render input schema of %s: %w", desc.ID, err)
	}
	if s, ok := compiled.Load(string(doc)); ok {
		return s.(*jsonschema.Schema), nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	url := "https://toolgate.local/schemas/" + desc.ID + ".json"
	if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("load input schema of %s: %w", desc.ID, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema of %s: %w", desc.ID, err)
	}
	actual, _ := compiled.LoadOrStore(string(doc), s)
	return actual.(*jsonschema.Schema), nil
}

// Request decodes body and validates it against desc.Input, then applies
// rule (which may be nil). Every failure is a validation ToolError. An empty
// body is treated as an empty object and null members as absent.
func Request(desc domain.Descriptor, body []byte, rule Rule) (domain.ToolRequest, error) {
	raw, err := decodeObject(body)
	if err != nil {
		return domain.ToolRequest{}, err
	}
	for name, v := range raw {
		if v == nil {
			delete(raw, name)
		}
	}

	schema, err := Compile(desc)
	if err != nil {
		return domain.ToolRequest{}, domain.Internal(err)
	}
	if err := schema.Validate(map[string]any(raw)); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return domain.ToolRequest{}, describe(desc.Input, raw, ve)
		}
		return domain.ToolRequest{}, domain.Internal(err)
	}

	payload, err := normalize(desc.Input, raw)
	if err != nil {
		return domain.ToolRequest{}, err
	}
	req := domain.ToolRequest{Capability: desc.ID, Payload: payload}
	if rule != nil {
		if err := rule.Validate(req); err != nil {
			var te *domain.ToolError
			if errors.As(err, &te) {
				return domain.ToolRequest{}, te
			}
			return domain.ToolRequest{}, domain.Validationf("%s", err.Error())
		}
	}
	return req, nil
}

// Payload validates an already-decoded argument map, as received from MCP
// clients or batch calls.
func Payload(desc domain.Descriptor, args map[string]any, rule Rule) (domain.ToolRequest, error) {
	if args == nil {
		return Request(desc, nil, rule)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return domain.ToolRequest{}, domain.Validationf("arguments are not valid JSON: %v", err)
	}
	return Request(desc, body, rule)
}

func decodeObject(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, domain.Validationf("request body is not valid JSON")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, domain.Validationf("request body must contain a single JSON object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, domain.Validationf("request body must be a JSON object")
	}
	return obj, nil
}

// keywordRank orders failures on one field so the most basic one is
// reported: a wrong type before a bad length, a bad length before a bad
// pattern.
var keywordRank = map[string]int{
	"type":      0,
	"minLength": 1,
	"maxLength": 2,
	"pattern":   3,
	"format":    4,
	"enum":      5,
	"minimum":   6,
	"maximum":   7,
	"not":       8,
}

// describe turns a schema failure into one caller-facing message. Unknown
// fields are reported first, then missing required fields, then the first
// failing field in declaration order.
func describe(schema domain.Schema, raw map[string]any, ve *jsonschema.ValidationError) error {
	var unknown []string
	for name := range raw {
		if _, ok := schema.Field(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return domain.Validationf("unknown field: %s", strings.Join(unknown, ", "))
	}
	for _, name := range schema.Required() {
		if _, ok := raw[name]; !ok {
			return domain.Validationf("missing required field: %s", name)
		}
	}

	type failure struct {
		field   domain.Field
		index   int
		keyword string
	}
	var found []failure
	for _, leaf := range leaves(ve) {
		name := strings.TrimPrefix(leaf.InstanceLocation, "/")
		f, ok := schema.Field(name)
		if !ok {
			continue
		}
		keyword := path.Base(leaf.KeywordLocation)
		if _, ranked := keywordRank[keyword]; !ranked {
			continue
		}
		found = append(found, failure{field: f, index: schema.Index(name), keyword: keyword})
	}
	if len(found) == 0 {
		return domain.Validationf("request does not match the input schema")
	}
	first := slices.MinFunc(found, func(a, b failure) int {
		if a.index != b.index {
			return a.index - b.index
		}
		return keywordRank[a.keyword] - keywordRank[b.keyword]
	})
	if first.keyword == "not" && first.field.ZeroDetail != "" {
		return domain.Validationf("%s", first.field.ZeroDetail)
	}
	return domain.Validationf("field %s: %s", first.field.Name, message(first.field, first.keyword, raw[first.field.Name]))
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func message(f domain.Field, keyword string, v any) string {
	switch keyword {
	case "type":
		return fmt.Sprintf("expected %s but got %s", f.Type, jsonType(v))
	case "minLength":
		if f.MinLength == 1 {
			return "must not be empty"
		}
		return fmt.Sprintf("must be at least %d characters", f.MinLength)
	case "maxLength":
		return fmt.Sprintf("must be at most %d characters", f.MaxLength)
	case "pattern", "format":
		if f.Format == "uri" {
			return "must be an absolute http or https URL"
		}
		if s, _ := v.(string); strings.TrimSpace(s) == "" {
			return "must not be blank"
		}
		return fmt.Sprintf("%q is not in the expected format", v)
	case "enum":
		return "must be one of: " + strings.Join(f.Enum, ", ")
	case "minimum":
		return fmt.Sprintf("must be >= %g", *f.Minimum)
	case "maximum":
		return fmt.Sprintf("must be <= %g", *f.Maximum)
	case "not":
		return "must not be zero"
	}
	return "is invalid"
}

// normalize converts schema-valid members to the Go types ToolRequest
// accessors expect: float64 for numbers and int64 for integers.
func normalize(schema domain.Schema, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, f := range schema.Fields {
		v, ok := raw[f.Name]
		if !ok {
			continue
		}
		switch f.Type {
		case domain.TypeNumber:
			n := v.(json.Number)
			x, err := n.Float64()
			if err != nil || math.IsInf(x, 0) || math.IsNaN(x) {
				return nil, domain.Validationf("field %s: number %s is out of range", f.Name, n)
			}
			out[f.Name] = x
		case domain.TypeInteger:
			i, err := toInteger(v.(json.Number))
			if err != nil {
				return nil, domain.Validationf("field %s: %s", f.Name, err.Error())
			}
			out[f.Name] = i
		default:
			out[f.Name] = v
		}
	}
	return out, nil
}

func toInteger(n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	x, err := n.Float64()
	if err != nil || math.Trunc(x) != x || math.Abs(x) > 1<<53 {
		return 0, fmt.Errorf("integer %s is out of range", n)
	}
	return int64(x), nil
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
