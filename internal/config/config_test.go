package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MaxAttempts(t *testing.T) {
	for _, n := range []int{0, 3} {
		cfg := Defaults()
		cfg.Dispatch.MaxAttempts = n
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for maxAttempts=%d", n)
		}
	}
	for _, n := range []int{1, 2} {
		cfg := Defaults()
		cfg.Dispatch.MaxAttempts = n
		if err := Validate(cfg); err != nil {
			t.Fatalf("maxAttempts=%d should be valid: %v", n, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Tools.News.MaxResults = 0
	cfg.Tools.Data.MaxRows = 0
	cfg.Tools.Music.TimeoutSeconds = -1
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"tools.news.maxResults", "tools.data.maxRows", "tools.music.timeoutSeconds"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_TelegramAlerts(t *testing.T) {
	cfg := Defaults()
	cfg.Alerts.Telegram.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram alerts without token and chats")
	}

	cfg.Alerts.Telegram.Token = "123:abc"
	cfg.Alerts.Telegram.ChatIDs = FlexStringList{"not-a-number"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}

	cfg.Alerts.Telegram.ChatIDs = FlexStringList{"-100123", "42"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid telegram config: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			original := Defaults()
			original.Tools.News.MaxResults = 25
			original.Server.CORSOrigins = []string{"https://a.example", "https://b.example"}

			if err := Save(path, original); err != nil {
				t.Fatalf("save: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Tools.News.MaxResults != 25 {
				t.Fatalf("expected 25, got %d", loaded.Tools.News.MaxResults)
			}
			if len(loaded.Server.CORSOrigins) != 2 {
				t.Fatalf("expected 2 origins, got %v", loaded.Server.CORSOrigins)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaults_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.Dispatch.DefaultTimeoutSeconds != 15 {
		t.Fatalf("expected default timeout 15, got %d", cfg.Dispatch.DefaultTimeoutSeconds)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolgate.yml")
	content := `
server:
  port: 9100
dispatch:
  maxAttempts: 2
alerts:
  telegram:
    enabled: true
    token: "123:abc"
    chatIds: [42, "-1001"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Dispatch.MaxAttempts != 2 {
		t.Fatalf("unexpected values: port=%d attempts=%d", cfg.Server.Port, cfg.Dispatch.MaxAttempts)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("unset keys should keep defaults, got host %q", cfg.Server.Host)
	}
	ids, err := cfg.Alerts.Telegram.ChatIDs.Int64s()
	if err != nil || len(ids) != 2 || ids[0] != 42 || ids[1] != -1001 {
		t.Fatalf("unexpected chat ids %v (%v)", ids, err)
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"dispatch": {
			"maxAttempts": 5
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxAttempts=5")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_TOOLGATE_MUSIC_DIR", "/tmp/test-music")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"tools": {
			"music": {"outputDir": "${TEST_TOOLGATE_MUSIC_DIR}"}
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tools.Music.OutputDir != "/tmp/test-music" {
		t.Fatalf("expected outputDir '/tmp/test-music', got %q", cfg.Tools.Music.OutputDir)
	}
}

// --- Environment overrides ---

func TestApplyEnv(t *testing.T) {
	env := map[string]string{"HOST": "127.0.0.1", "PORT": "8001", "TOOLGATE_PORT": "9000"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Defaults()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected HOST to apply, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("TOOLGATE_PORT should win over PORT, got %d", cfg.Server.Port)
	}

	env["TOOLGATE_PORT"] = "eighty"
	if err := ApplyEnv(Defaults(), lookup); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestCredentialLookup_EnvWins(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials.Values = map[string]string{"NEWSAPI_API_KEY": "from-file", "OPENAI_API_KEY": "file-only"}
	env := func(k string) (string, bool) {
		if k == "NEWSAPI_API_KEY" {
			return "from-env", true
		}
		return "", false
	}
	lookup := cfg.CredentialLookup(env)

	if v, _ := lookup("NEWSAPI_API_KEY"); v != "from-env" {
		t.Fatalf("expected env value, got %q", v)
	}
	if v, _ := lookup("OPENAI_API_KEY"); v != "file-only" {
		t.Fatalf("expected file value, got %q", v)
	}
	if _, ok := lookup("MODELSLAB_API_KEY"); ok {
		t.Fatal("absent credential should not be found")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "llm.model")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "gpt-4o-mini" {
		t.Fatalf("expected 'gpt-4o-mini', got %v", val)
	}

	val, err = GetByPath(cfg, "server.corsOrigins.0")
	if err != nil || val != "*" {
		t.Fatalf("expected '*', got %v (%v)", val, err)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "llm.model", "gpt-4o"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("expected 'gpt-4o', got %q", cfg.LLM.Model)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "mcp.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.MCP.Enabled {
		t.Fatal("expected mcp.enabled=true")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "dispatch.maxBatch", "16"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Dispatch.MaxBatch != 16 {
		t.Fatalf("expected 16, got %d", cfg.Dispatch.MaxBatch)
	}
}

func TestSetByPath_RejectsUnknownSetting(t *testing.T) {
	cfg := Defaults()
	for _, path := range []string{"dispatch.maxBatches", "nope.value", "dispatch"} {
		if err := SetByPath(cfg, path, "1"); err == nil {
			t.Errorf("expected error setting %s", path)
		}
	}
}

func TestSetByPath_KeepsStringsAsStrings(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "llm.model", "1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.LLM.Model != "1234" {
		t.Fatalf("expected '1234', got %q", cfg.LLM.Model)
	}
	if err := SetByPath(cfg, "dispatch.maxAttempts", "two"); err == nil {
		t.Fatal("expected error for non-numeric value")
	}
}

func TestSetByPath_EmptyOptionalSetting(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "tools.finance.baseUrl", "http://127.0.0.1:9000"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Tools.Finance.BaseURL != "http://127.0.0.1:9000" {
		t.Fatalf("expected base URL, got %q", cfg.Tools.Finance.BaseURL)
	}
}

func TestSetByPath_ListAndCredential(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.corsOrigins", "https://a.example, https://b.example"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.Server.CORSOrigins)
	}
	if err := SetByPath(cfg, "credentials.values.NEWSAPI_API_KEY", "news-key-123456"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if cfg.Credentials.Values["NEWSAPI_API_KEY"] != "news-key-123456" {
		t.Fatal("credential not stored")
	}
}

func TestGetByPath_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials.Values = map[string]string{"OPENAI_API_KEY": "sk-1234567890abcdefghijklmnop"}
	val, err := GetByPath(cfg, "credentials.values.OPENAI_API_KEY")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "sk-1****mnop" {
		t.Fatalf("expected masked key, got %v", val)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Alerts.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Credentials.Values = map[string]string{"OPENAI_API_KEY": "sk-1234567890abcdefghijklmnop"}

	sanitized := Sanitize(cfg)

	if sanitized.Alerts.Telegram.Token == cfg.Alerts.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Credentials.Values["OPENAI_API_KEY"] != "sk-1****mnop" {
		t.Fatalf("API key should be masked, got %q", sanitized.Credentials.Values["OPENAI_API_KEY"])
	}
	// Verify original is untouched
	if cfg.Credentials.Values["OPENAI_API_KEY"] != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Alerts.Telegram.Token = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Alerts.Telegram.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Alerts.Telegram.Token)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg, nil, nil)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.logLevel", "server.port", "dispatch.maxAttempts", "tools.music.outputDir"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

func TestListPaths_CredentialSources(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials.Values = map[string]string{
		"OPENAI_API_KEY":  "sk-1234567890abcdefghijklmnop",
		"NEWSAPI_API_KEY": "file-news-key-0001",
	}
	env := func(name string) (string, bool) {
		if name == "NEWSAPI_API_KEY" {
			return "env-key", true
		}
		return "", false
	}

	paths := ListPaths(cfg, []string{"OPENAI_API_KEY", "NEWSAPI_API_KEY", "MODELSLAB_API_KEY"}, env)
	want := map[string]any{
		"credentials.values.OPENAI_API_KEY":    "sk-1****mnop",
		"credentials.values.NEWSAPI_API_KEY":   credentialFromEnv,
		"credentials.values.MODELSLAB_API_KEY": credentialUnset,
	}
	for path, v := range want {
		if paths[path] != v {
			t.Errorf("%s: expected %v, got %v", path, v, paths[path])
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[0] != "hello" || list[2] != "world" {
		t.Fatal("string items mismatch")
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("default port should be 8000, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes != 1<<20 {
		t.Fatalf("default body limit should be 1 MiB, got %d", cfg.Server.MaxBodyBytes)
	}
}
