package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("expected default max iterations 5, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.Name != "Teleton" {
		t.Errorf("expected default agent name Teleton, got %q", cfg.Agent.Name)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
agent:
  max_agentic_iterations: 12
llm:
  provider: openai
  model: gpt-4o
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.MaxIterations != 12 {
		t.Errorf("max iterations = %d, want 12", cfg.Agent.MaxIterations)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	// Untouched sections keep defaults.
	if cfg.Agent.ContextSoftLimit != 64000 {
		t.Errorf("context soft limit = %d, want 64000", cfg.Agent.ContextSoftLimit)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "agent:\n  no_such_key: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsIterationsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "agent:\n  max_agentic_iterations: 51\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for max_agentic_iterations out of range")
	}
}

func TestLoadRawIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "llm:\n  provider: anthropic\n  model: base-model\n")
	path := writeFile(t, dir, "config.yaml", "$include: base.yaml\nllm:\n  model: override-model\n")

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	llm, ok := raw["llm"].(map[string]any)
	if !ok {
		t.Fatalf("llm section missing: %#v", raw)
	}
	if llm["model"] != "override-model" {
		t.Errorf("model = %v, want override-model", llm["model"])
	}
	if llm["provider"] != "anthropic" {
		t.Errorf("provider = %v, want anthropic (from include)", llm["provider"])
	}
}

func TestLoadRawIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := LoadRaw(filepath.Join(dir, "a.yaml")); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json5", `{
  // comments are allowed
  agent: { max_agentic_iterations: 3 },
}`)
	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	if _, ok := raw["agent"]; !ok {
		t.Errorf("agent section missing: %#v", raw)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvAPIKey:       "sk-test",
		EnvTGAPIID:      "12345",
		EnvTGAPIHash:    "hash",
		EnvTGPhone:      "+15551234",
		EnvWebUIEnabled: "true",
		EnvWebUIPort:    "9999",
		EnvWebUIHost:    "0.0.0.0",
		EnvBaseURL:      "https://example.com",
		EnvTavilyAPIKey: "tv-key",
		EnvTonAPIKey:    "ton-key",
	}
	if err := ApplyEnv(cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.Telegram.APIID != 12345 {
		t.Errorf("tg api id = %d", cfg.Telegram.APIID)
	}
	if !cfg.WebUI.Enabled || cfg.WebUI.Port != 9999 || cfg.WebUI.Host != "0.0.0.0" {
		t.Errorf("webui = %+v", cfg.WebUI)
	}
	if cfg.IsLoopback() {
		t.Error("0.0.0.0 should not be loopback")
	}
	if cfg.Tools.TavilyAPIKey != "tv-key" || cfg.Tools.TonAPIKey != "ton-key" {
		t.Errorf("tools = %+v", cfg.Tools)
	}
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(cfg, func(k string) string {
		if k == EnvWebUIPort {
			return "80"
		}
		return ""
	})
	if err == nil {
		t.Fatal("expected error for privileged port")
	}
}

func TestApplyEnvRejectsBadBool(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(cfg, func(k string) string {
		if k == EnvWebUIEnabled {
			return "maybe"
		}
		return ""
	})
	if err == nil {
		t.Fatal("expected error for bad boolean")
	}
}

func TestValidateWebUIRequiresToken(t *testing.T) {
	cfg := Default()
	cfg.WebUI.Enabled = true
	cfg.WebUI.AuthToken = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing auth token")
	}
}

func TestValidateBadBaseURL(t *testing.T) {
	cfg := Default()
	cfg.WebUI.BaseURL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid base url")
	}
}
