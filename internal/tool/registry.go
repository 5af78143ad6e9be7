package tool

import (
	"context"
	"fmt"
	"sort"

	"toolgate/internal/domain"
	"toolgate/internal/validate"
)

// Secrets gives adapters read access to the credential snapshot.
// *credential.Snapshot satisfies it.
type Secrets interface {
	Value(name string) string
}

// Call is everything an adapter receives for one invocation.
type Call struct {
	Request domain.ToolRequest
	// Enhanced is true when the capability's enhanced credential is present.
	Enhanced bool
	Secrets  Secrets
}

// Secret returns the named credential, or "" when no secrets are attached.
func (c Call) Secret(name string) string {
	if c.Secrets == nil {
		return ""
	}
	return c.Secrets.Value(name)
}

// Capability is one backing tool. Implementations translate every provider
// failure into a *domain.ToolError and never retry on their own.
type Capability interface {
	Descriptor() domain.Descriptor
	// Validate runs capability-specific checks after the schema checks.
	Validate(req domain.ToolRequest) error
	// Invoke performs the call. The returned map must contain "result".
	Invoke(ctx context.Context, call Call) (map[string]any, error)
}

// Catalog is the immutable table of capabilities. It is built once at
// startup and read concurrently without locking.
type Catalog struct {
	byID   map[string]Capability
	byPath map[string]Capability
	order  []string
}

// NewCatalog indexes caps by ID and path and compiles each input schema.
// Duplicate IDs or paths, descriptors missing an ID or path, and schemas
// that do not compile are rejected.
func NewCatalog(caps ...Capability) (*Catalog, error) {
	c := &Catalog{
		byID:   make(map[string]Capability, len(caps)),
		byPath: make(map[string]Capability, len(caps)),
	}
	for _, cp := range caps {
		d := cp.Descriptor()
		if d.ID == "" || d.Path == "" {
			return nil, fmt.Errorf("capability %q: id and path are required", d.ID)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate capability id: %s", d.ID)
		}
		if _, dup := c.byPath[d.Path]; dup {
			return nil, fmt.Errorf("duplicate capability path: %s", d.Path)
		}
		if _, err := validate.Compile(d); err != nil {
			return nil, err
		}
		c.byID[d.ID] = cp
		c.byPath[d.Path] = cp
		c.order = append(c.order, d.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Get returns the capability with the given ID.
func (c *Catalog) Get(id string) (Capability, bool) {
	cp, ok := c.byID[id]
	return cp, ok
}

// ByPath returns the capability served at path.
func (c *Catalog) ByPath(path string) (Capability, bool) {
	cp, ok := c.byPath[path]
	return cp, ok
}

// IDs returns every capability ID, sorted.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// List returns every capability in ID order.
func (c *Catalog) List() []Capability {
	out := make([]Capability, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Descriptors returns every descriptor in ID order.
func (c *Catalog) Descriptors() []domain.Descriptor {
	out := make([]domain.Descriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].Descriptor())
	}
	return out
}

// Families returns the distinct capability families, sorted.
func (c *Catalog) Families() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range c.order {
		f := c.byID[id].Descriptor().Family
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
