package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for toolgate.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Server      ServerConfig      `json:"server"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Tools       ToolsConfig       `json:"tools"`
	LLM         LLMConfig         `json:"llm"`
	Credentials CredentialsConfig `json:"credentials"`
	Metrics     MetricsConfig     `json:"metrics"`
	MCP         MCPConfig         `json:"mcp"`
	Alerts      AlertsConfig      `json:"alerts"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional; JSON lines appended
}

type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	CORSOrigins  []string `json:"corsOrigins"`
	MaxBodyBytes int64    `json:"maxBodyBytes"`
}

type DispatchConfig struct {
	DefaultTimeoutSeconds int `json:"defaultTimeoutSeconds"`
	MaxAttempts           int `json:"maxAttempts"` // 1 or 2
	RetryBackoffMillis    int `json:"retryBackoffMillis"`
	MaxBatch              int `json:"maxBatch"`
	BatchConcurrency      int `json:"batchConcurrency"`
}

type ToolsConfig struct {
	Finance FinanceToolConfig `json:"finance"`
	News    NewsToolConfig    `json:"news"`
	Search  SearchToolConfig  `json:"search"`
	Music   MusicToolConfig   `json:"music"`
	Data    DataToolConfig    `json:"data"`
	Scrape  ScrapeToolConfig  `json:"scrape"`
}

// Every TimeoutSeconds below falls back to dispatch.defaultTimeoutSeconds
// when zero.

type FinanceToolConfig struct {
	BaseURL        string `json:"baseUrl,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type NewsToolConfig struct {
	NewsAPIURL     string `json:"newsApiUrl,omitempty"`
	DuckDuckGoURL  string `json:"duckDuckGoUrl,omitempty"`
	MaxResults     int    `json:"maxResults"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type SearchToolConfig struct {
	DuckDuckGoURL  string `json:"duckDuckGoUrl,omitempty"`
	MaxResults     int    `json:"maxResults"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type MusicToolConfig struct {
	BaseURL             string `json:"baseUrl,omitempty"`
	OutputDir           string `json:"outputDir"`
	MaxPromptLength     int    `json:"maxPromptLength"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
	TimeoutSeconds      int    `json:"timeoutSeconds"`
}

type DataToolConfig struct {
	MaxRows        int `json:"maxRows"`
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

type ScrapeToolConfig struct {
	TimeoutSeconds int           `json:"timeoutSeconds,omitempty"`
	Browser        BrowserConfig `json:"browser"`
}

// BrowserConfig enables headless Chrome rendering for scrape requests that
// set render=true.
type BrowserConfig struct {
	Enabled      bool   `json:"enabled"`
	ExecPath     string `json:"execPath,omitempty"`
	SettleMillis int    `json:"settleMillis,omitempty"`
}

// LLMConfig configures the helper language model (music prompt composition
// and natural-language queries). The API key is the OPENAI_API_KEY
// credential.
type LLMConfig struct {
	Model         string `json:"model"`
	Endpoint      string `json:"endpoint,omitempty"`
	AzureEndpoint string `json:"azureEndpoint,omitempty"`
	MaxTokens     int    `json:"maxTokens"`
}

// CredentialsConfig supplies provider credentials from the config file.
// Environment variables of the same name take precedence.
type CredentialsConfig struct {
	Values map[string]string `json:"values,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix"`
}

// MCPConfig exposes the catalog as Model Context Protocol tools.
type MCPConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled         bool           `json:"enabled"`
	Token           string         `json:"token"`
	ChatIDs         FlexStringList `json:"chatIds"`
	CooldownSeconds int            `json:"cooldownSeconds"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// Int64s parses every entry as a chat ID.
func (f FlexStringList) Int64s() ([]int64, error) {
	out := make([]int64, 0, len(f))
	for _, s := range f {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}

// DefaultConfigDir returns the default config directory (~/.toolgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate"
	}
	return filepath.Join(home, ".toolgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a JSON or YAML config file (chosen by extension) over the
// defaults, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadOrDefaults is Load, except that a missing file yields the defaults.
func LoadOrDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Defaults())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Tools.Music.OutputDir = ExpandPath(cfg.Tools.Music.OutputDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// yamlToJSON re-encodes a YAML document as JSON so one set of struct tags
// (and FlexStringList's decoder) serves both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// ApplyEnv applies TOOLGATE_HOST, TOOLGATE_PORT and TOOLGATE_LOG_LEVEL.
// HOST and PORT are honoured when the prefixed names are unset.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(names ...string) (string, bool) {
		for _, n := range names {
			if v, ok := lookup(n); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}
	if v, ok := get("TOOLGATE_HOST", "HOST"); ok {
		cfg.Server.Host = v
	}
	if v, ok := get("TOOLGATE_PORT", "PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid port %q in environment", v)
		}
		cfg.Server.Port = port
	}
	if v, ok := get("TOOLGATE_LOG_LEVEL"); ok {
		cfg.General.LogLevel = v
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	// Credentials may be stored inline.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1 {
		errs = append(errs, "server.maxBodyBytes must be >= 1")
	}

	if cfg.Dispatch.DefaultTimeoutSeconds < 1 || cfg.Dispatch.DefaultTimeoutSeconds > 600 {
		errs = append(errs, "dispatch.defaultTimeoutSeconds must be between 1 and 600")
	}
	if cfg.Dispatch.MaxAttempts < 1 || cfg.Dispatch.MaxAttempts > 2 {
		errs = append(errs, "dispatch.maxAttempts must be 1 or 2")
	}
	if cfg.Dispatch.RetryBackoffMillis < 0 {
		errs = append(errs, "dispatch.retryBackoffMillis must be >= 0")
	}
	if cfg.Dispatch.MaxBatch < 1 || cfg.Dispatch.MaxBatch > 64 {
		errs = append(errs, "dispatch.maxBatch must be between 1 and 64")
	}
	if cfg.Dispatch.BatchConcurrency < 1 {
		errs = append(errs, "dispatch.batchConcurrency must be >= 1")
	}

	timeouts := map[string]int{
		"tools.finance.timeoutSeconds": cfg.Tools.Finance.TimeoutSeconds,
		"tools.news.timeoutSeconds":    cfg.Tools.News.TimeoutSeconds,
		"tools.search.timeoutSeconds":  cfg.Tools.Search.TimeoutSeconds,
		"tools.music.timeoutSeconds":   cfg.Tools.Music.TimeoutSeconds,
		"tools.data.timeoutSeconds":    cfg.Tools.Data.TimeoutSeconds,
		"tools.scrape.timeoutSeconds":  cfg.Tools.Scrape.TimeoutSeconds,
	}
	for _, name := range slices.Sorted(maps.Keys(timeouts)) {
		if timeouts[name] < 0 {
			errs = append(errs, name+" must be >= 0")
		}
	}

	if cfg.Tools.News.MaxResults < 1 || cfg.Tools.News.MaxResults > 100 {
		errs = append(errs, "tools.news.maxResults must be between 1 and 100")
	}
	if cfg.Tools.Search.MaxResults < 1 || cfg.Tools.Search.MaxResults > 100 {
		errs = append(errs, "tools.search.maxResults must be between 1 and 100")
	}
	if cfg.Tools.Music.MaxPromptLength < 1 {
		errs = append(errs, "tools.music.maxPromptLength must be >= 1")
	}
	if cfg.Tools.Music.OutputDir == "" {
		errs = append(errs, "tools.music.outputDir is required")
	}
	if cfg.Tools.Music.PollIntervalSeconds < 1 {
		errs = append(errs, "tools.music.pollIntervalSeconds must be >= 1")
	}
	if cfg.Tools.Data.MaxRows < 1 {
		errs = append(errs, "tools.data.maxRows must be >= 1")
	}

	if cfg.Alerts.Telegram.Enabled {
		if cfg.Alerts.Telegram.Token == "" {
			errs = append(errs, "alerts.telegram.token is required when telegram alerts are enabled")
		}
		if len(cfg.Alerts.Telegram.ChatIDs) == 0 {
			errs = append(errs, "alerts.telegram.chatIds must list at least one chat")
		} else if _, err := cfg.Alerts.Telegram.ChatIDs.Int64s(); err != nil {
			errs = append(errs, "alerts.telegram.chatIds: "+err.Error())
		}
	}

	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, "mcp.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
