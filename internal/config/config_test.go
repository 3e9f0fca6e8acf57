package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "PAGEWRIGHT_DATA_DIR",
		"PAGEWRIGHT_LISTEN", "PAGEWRIGHT_MODEL", "PAGEWRIGHT_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults were not written: %v", err)
	}
	if cfg.MaxIterations != 150 {
		t.Errorf("expected max_iterations=150, got %d", cfg.MaxIterations)
	}
	if cfg.Buffer.TTL.Std() != 30*time.Minute {
		t.Errorf("expected buffer.ttl=30m, got %v", cfg.Buffer.TTL)
	}
	if cfg.Buffer.SweepInterval.Std() != time.Minute {
		t.Errorf("expected buffer.sweep_interval=1m, got %v", cfg.Buffer.SweepInterval)
	}
	if cfg.History.Driver != "sqlite" {
		t.Errorf("expected history.driver=sqlite, got %q", cfg.History.Driver)
	}

	v, err := GetValue(path, "buffer.ttl")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "30m0s" {
		t.Errorf("expected buffer.ttl stored as 30m0s, got %v", v)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			original := Default()
			original.DataDir = "/tmp/test-data"
			original.Log.Level = "debug"
			original.Log.Format = "json"
			original.MaxConcurrent = 8
			original.Buffer.TTL = Duration(10 * time.Minute)
			original.LLM.Provider = "openai"
			original.LLM.APIKey = "sk-test-round-trip"
			original.LLM.Model = "gpt-4o"
			original.LLM.Temperature = 0.5
			original.LLM.ThinkingBudget = 2048
			original.History.Driver = "jsonl"
			original.HTTP.PublicURL = "https://pages.example.com/"

			if err := Save(path, original); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if loaded.DataDir != original.DataDir {
				t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
			}
			if loaded.Log != original.Log {
				t.Errorf("Log mismatch: %+v != %+v", loaded.Log, original.Log)
			}
			if loaded.MaxConcurrent != original.MaxConcurrent {
				t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
			}
			if loaded.Buffer != original.Buffer {
				t.Errorf("Buffer mismatch: %+v != %+v", loaded.Buffer, original.Buffer)
			}
			if loaded.LLM != original.LLM {
				t.Errorf("LLM mismatch: %+v != %+v", loaded.LLM, original.LLM)
			}
			if loaded.History.Driver != "jsonl" {
				t.Errorf("History.Driver mismatch: %v", loaded.History.Driver)
			}
			if loaded.PublicURL() != "https://pages.example.com" {
				t.Errorf("unexpected public URL %q", loaded.PublicURL())
			}
		})
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "pagewright.yml")
	data := "data_dir: /srv/pw\nbuffer:\n  ttl: 45m\nllm:\n  provider: openai\n  model: gpt-4o-mini\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/srv/pw" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Buffer.TTL.Std() != 45*time.Minute {
		t.Errorf("expected 45m ttl, got %v", cfg.Buffer.TTL)
	}
	// Unset keys keep their defaults.
	if cfg.Buffer.SweepInterval.Std() != time.Minute {
		t.Errorf("expected default sweep interval, got %v", cfg.Buffer.SweepInterval)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"buffer":{"ttl":"soon"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := Default()
	cfg.LLM.APIKey = "from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "ignored")
	t.Setenv("PAGEWRIGHT_DATA_DIR", "/env/data")
	t.Setenv("PAGEWRIGHT_LISTEN", "127.0.0.1:9000")
	t.Setenv("PAGEWRIGHT_MODEL", "claude-haiku-4-5")
	t.Setenv("PAGEWRIGHT_LOG_LEVEL", "debug")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.LLM.APIKey != "from-env" {
		t.Errorf("expected provider key from env, got %q", loaded.LLM.APIKey)
	}
	if loaded.DataDir != "/env/data" {
		t.Errorf("expected data dir from env, got %q", loaded.DataDir)
	}
	if loaded.HTTP.Listen != "127.0.0.1:9000" {
		t.Errorf("expected listen from env, got %q", loaded.HTTP.Listen)
	}
	if loaded.PublicURL() != "http://127.0.0.1:9000" {
		t.Errorf("expected public URL derived from listen, got %q", loaded.PublicURL())
	}
	if loaded.LLM.Model != "claude-haiku-4-5" || loaded.Log.Level != "debug" {
		t.Errorf("unexpected overrides: model=%q level=%q", loaded.LLM.Model, loaded.Log.Level)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/test", MaxConcurrent: 2}
	cfg.Log.Level = "debug"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.MaxTokens = 2000

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	// JSON numbers are float64
	if m["max_concurrent"] != float64(2) {
		t.Errorf("expected max_concurrent=2, got %v", m["max_concurrent"])
	}
	llm, ok := m["llm"].(map[string]any)
	if !ok {
		t.Fatalf("expected llm to be map, got %T", m["llm"])
	}
	if llm["model"] != "gpt-4o" || llm["max_tokens"] != float64(2000) {
		t.Errorf("unexpected llm section: %v", llm)
	}
	if _, ok := llm["prompt_file"]; ok {
		t.Error("empty prompt_file should be omitted")
	}
}

func TestListValues(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-ant-secret-9876"

	masked, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if masked["llm.api_key"] != "***9876" {
		t.Errorf("expected masked key, got %v", masked["llm.api_key"])
	}
	if masked["log.level"] != "info" {
		t.Errorf("expected log.level=info, got %v", masked["log.level"])
	}

	plain, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if plain["llm.api_key"] != "sk-ant-secret-9876" {
		t.Errorf("expected unmasked key, got %v", plain["llm.api_key"])
	}
}

func TestGetValue_Unknown(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	_, err := GetValue(path, "nonexistent.key")
	if err == nil || err.Error() != "unknown config key: nonexistent.key" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSetValue(t *testing.T) {
	tests := []struct {
		key, value string
		want       any
	}{
		{"log.level", "debug", "debug"},
		{"max_concurrent", "16", float64(16)},
		{"llm.temperature", "0.3", 0.3},
		{"some_flag", "true", true},
		{"custom.setting", "value", "value"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			path := tempConfigPath(t)
			cfg := Default()
			cfg.LLM.Provider = "openai"
			writeTestConfig(t, path, cfg)

			if err := SetValue(path, tt.key, tt.value); err != nil {
				t.Fatalf("SetValue failed: %v", err)
			}
			v, err := GetValue(path, tt.key)
			if err != nil {
				t.Fatalf("GetValue failed: %v", err)
			}
			if v != tt.want {
				t.Errorf("expected %v (%T), got %v (%T)", tt.want, tt.want, v, v)
			}

			// Other values are preserved.
			v, err = GetValue(path, "llm.provider")
			if err != nil || v != "openai" {
				t.Errorf("llm.provider not preserved: %v, %v", v, err)
			}
		})
	}
}

func TestSetValue_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, path, Default())

	if err := SetValue(path, "history.driver", "jsonl"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "driver: jsonl") {
		t.Errorf("expected yaml output, got:\n%s", data)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log.level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}
