package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/invopop/jsonschema"
)

// FieldType is the JSON type of a declared input field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
)

// Field declares one input field of a capability.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
	MinLength   int // strings, in runes
	MaxLength   int // strings, in runes; 0 = unbounded
	Minimum     *float64
	Maximum     *float64
	Nonzero     bool
	// ZeroDetail replaces the default message when a Nonzero field is 0.
	ZeroDetail string
	Pattern     string
	Enum        []string
	Format      string
	Default     any
}

// Schema is the declared input shape of a capability. The same value drives
// request validation and the schema advertised by /api/info.
type Schema struct {
	Fields []Field
}

// Field looks up a declared field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Index returns the declaration position of the named field, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Required returns the names of required fields in declaration order.
func (s Schema) Required() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// Document builds the JSON Schema for the declared fields. Unknown
// properties are not allowed.
func (s Schema) Document() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	for _, f := range s.Fields {
		props.Set(f.Name, f.property())
	}
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             s.Required(),
		AdditionalProperties: jsonschema.FalseSchema,
	}
}

func (f Field) property() *jsonschema.Schema {
	p := &jsonschema.Schema{
		Type:        string(f.Type),
		Description: f.Description,
		Pattern:     f.Pattern,
		Format:      f.Format,
		Default:     f.Default,
	}
	if f.MinLength > 0 {
		p.MinLength = uint64Ptr(f.MinLength)
	}
	if f.MaxLength > 0 {
		p.MaxLength = uint64Ptr(f.MaxLength)
	}
	if f.Minimum != nil {
		p.Minimum = number(*f.Minimum)
	}
	if f.Maximum != nil {
		p.Maximum = number(*f.Maximum)
	}
	if f.Nonzero {
		p.Not = &jsonschema.Schema{Const: 0}
	}
	for _, e := range f.Enum {
		p.Enum = append(p.Enum, e)
	}
	return p
}

// JSON renders the schema document.
func (s Schema) JSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

// JSONSchema renders the schema as a generic JSON object, for embedding in
// /api/info and MCP tool listings.
func (s Schema) JSONSchema() map[string]any {
	data, err := s.JSON()
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func uint64Ptr(n int) *uint64 {
	v := uint64(n)
	return &v
}

func number(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'g', -1, 64))
}

// Descriptor is the static metadata of one capability. Built once at startup
// and shared read-only.
type Descriptor struct {
	ID          string
	Path        string
	Family      string
	Description string

	// Credentials must all be present or the capability is disabled.
	Credentials []string
	// EnhancedCredential switches the capability from its basic mode to its
	// enhanced mode when present. Its absence never disables the capability.
	EnhancedCredential string

	Input   Schema
	Output  []string
	Timeout time.Duration

	// Billed capabilities are never retried.
	Billed bool
}

// Float64 returns a pointer to v, for Field bounds.
func Float64(v float64) *float64 { return &v }
