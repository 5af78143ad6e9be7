package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const credentialsPrefix = "credentials.values."

// Markers ListPaths reports in place of a credential value.
const (
	credentialFromEnv = "(environment)"
	credentialUnset   = "(unset)"
)

// tree renders cfg as the JSON object the path accessors walk.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath returns the value at a dot path such as "dispatch.maxAttempts"
// or "server.corsOrigins.0". Secrets come back masked.
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(Sanitize(cfg))
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("unknown setting: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid list index %q in %s", key, path)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("%s is a single value, not a section", strings.TrimSuffix(path, "."+key))
		}
	}
	return current, nil
}

// SetByPath assigns a setting that already exists, or a new credential under
// credentials.values. String values are coerced to the setting's current
// type: "2" sets a number, "true" a bool and "a,b" a list.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if name, ok := strings.CutPrefix(path, credentialsPrefix); ok {
		if name == "" || strings.Contains(name, ".") {
			return fmt.Errorf("invalid credential name %q", name)
		}
		if cfg.Credentials.Values == nil {
			cfg.Credentials.Values = map[string]string{}
		}
		cfg.Credentials.Values[name] = fmt.Sprint(value)
		return nil
	}

	m, err := tree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown setting: %s", path)
		}
		parent = child
	}
	last := parts[len(parts)-1]
	current, exists := parent[last]
	if _, section := current.(map[string]any); section {
		return fmt.Errorf("%s is a section; set one of its fields", path)
	}
	coerced, err := coerce(current, value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[last] = coerced

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	// Empty omitempty settings are absent from the tree; a key that still
	// does not show up after the update names no setting at all.
	if !exists {
		after, err := tree(&updated)
		if err != nil {
			return err
		}
		if !hasPath(after, parts) {
			return fmt.Errorf("unknown setting: %s", path)
		}
	}
	*cfg = updated
	return nil
}

func hasPath(m map[string]any, parts []string) bool {
	for i, key := range parts {
		v, ok := m[key]
		if !ok {
			return false
		}
		if i == len(parts)-1 {
			return true
		}
		if m, ok = v.(map[string]any); !ok {
			return false
		}
	}
	return false
}

// coerce converts a CLI string to the JSON type of current. Settings that
// are absent (current is nil) take a bool or number when s parses as one.
func coerce(current, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	switch current.(type) {
	case nil:
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return s, nil
	case bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", s)
		}
		return b, nil
	case float64:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", s)
		}
		return f, nil
	case []any:
		var list []any
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		return list, nil
	}
	return s, nil
}

// Sanitize returns a copy of the config with the alert token and credential
// values masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	if len(cfg.Credentials.Values) > 0 {
		out.Credentials.Values = make(map[string]string, len(cfg.Credentials.Values))
		for name, v := range cfg.Credentials.Values {
			out.Credentials.Values[name] = maskString(v)
		}
	}
	if out.Alerts.Telegram.Token != "" {
		out.Alerts.Telegram.Token = maskString(out.Alerts.Telegram.Token)
	}
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every setting with its current value, secrets masked.
// Each credential in names is listed with its effective source, following
// CredentialLookup: credentialFromEnv when env has it, the masked file value
// otherwise, or credentialUnset. env may be nil.
func ListPaths(cfg *Config, names []string, env func(string) (string, bool)) map[string]any {
	m, err := tree(Sanitize(cfg))
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)

	for _, name := range names {
		path := credentialsPrefix + name
		if env != nil {
			if v, ok := env(name); ok && strings.TrimSpace(v) != "" {
				result[path] = credentialFromEnv
				continue
			}
		}
		if _, ok := result[path]; !ok {
			result[path] = credentialUnset
		}
	}
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenMap(path, val, result)
		default:
			result[path] = val
		}
	}
}

// CredentialLookup reads credentials from the environment first and then
// from credentials.values. It satisfies credential.LookupFunc.
func (c *Config) CredentialLookup(env func(string) (string, bool)) func(string) (string, bool) {
	return func(name string) (string, bool) {
		if v, ok := env(name); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		v, ok := c.Credentials.Values[name]
		return v, ok
	}
}
