// Package credential gates capabilities on the presence of provider
// credentials. Availability is captured once from the environment and never
// re-read implicitly.
package credential

import (
	"os"
	"sort"
	"strings"

	"toolgate/internal/domain"
)

// LookupFunc reads one credential by name. os.LookupEnv satisfies it.
type LookupFunc func(name string) (string, bool)

// Snapshot records which credentials were present when it was taken, and
// keeps their values for adapters. It is immutable after construction.
type Snapshot struct {
	values map[string]string
}

// Capture reads every name in names through lookup. Empty or whitespace-only
// values count as absent.
func Capture(names []string, lookup LookupFunc) *Snapshot {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	s := &Snapshot{values: make(map[string]string, len(names))}
	for _, n := range names {
		v, ok := lookup(n)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		s.values[n] = strings.TrimSpace(v)
	}
	return s
}

// FromMap builds a snapshot from fixed values, for tests and the CLI.
func FromMap(values map[string]string) *Snapshot {
	return Capture(keys(values), func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	})
}

// Present reports whether name was set when the snapshot was taken.
func (s *Snapshot) Present(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.values[name]
	return ok
}

// Value returns the credential value, or "" if absent.
func (s *Snapshot) Value(name string) string {
	if s == nil {
		return ""
	}
	return s.values[name]
}

// Names returns the present credential names, sorted.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return keys(s.values)
}

// Refresh re-reads the same names and returns a new snapshot; the receiver is
// left unchanged.
func (s *Snapshot) Refresh(names []string, lookup LookupFunc) *Snapshot {
	return Capture(names, lookup)
}

// Status is the availability of a capability.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Availability is the result of checking one capability.
type Availability struct {
	Status  Status `json:"status"`
	Missing string `json:"missing,omitempty"`
	// Enhanced is true when the enhanced credential is present.
	Enhanced bool `json:"enhanced"`
}

// Usable reports whether the dispatcher may invoke the adapter.
func (a Availability) Usable() bool { return a.Status != StatusUnavailable }

// Resolver answers availability questions against one snapshot.
type Resolver struct {
	snap *Snapshot
}

func NewResolver(snap *Snapshot) *Resolver {
	return &Resolver{snap: snap}
}

// Snapshot returns the snapshot the resolver reads.
func (r *Resolver) Snapshot() *Snapshot { return r.snap }

// Check returns the availability of desc. The first missing required
// credential, in declaration order, is reported.
func (r *Resolver) Check(desc domain.Descriptor) Availability {
	for _, name := range desc.Credentials {
		if !r.snap.Present(name) {
			return Availability{Status: StatusUnavailable, Missing: name}
		}
	}
	if desc.EnhancedCredential == "" {
		return Availability{Status: StatusAvailable}
	}
	if r.snap.Present(desc.EnhancedCredential) {
		return Availability{Status: StatusAvailable, Enhanced: true}
	}
	return Availability{Status: StatusDegraded, Missing: desc.EnhancedCredential}
}

// Gate returns a credential_missing ToolError when desc cannot be invoked.
func (r *Resolver) Gate(desc domain.Descriptor) error {
	a := r.Check(desc)
	if a.Usable() {
		return nil
	}
	return domain.CredentialMissing(desc.ID, a.Missing)
}

// Names returns every credential name referenced by descs, deduplicated and
// sorted.
func Names(descs []domain.Descriptor) []string {
	set := make(map[string]string)
	for _, d := range descs {
		for _, n := range d.Credentials {
			set[n] = n
		}
		if d.EnhancedCredential != "" {
			set[d.EnhancedCredential] = d.EnhancedCredential
		}
	}
	return keys(set)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
