package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("AIGW_CONFIG", "")
	t.Setenv("EXA_API_KEY", "")
	for _, envs := range vendorKeys {
		for _, env := range envs {
			t.Setenv(env, "")
		}
	}
	return dir
}

func newCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "aigw"}
	cmd.Flags().String("provider", "", "")
	cmd.Flags().String("model", DefaultModel, "")
	cmd.Flags().String("system", "", "")
	cmd.Flags().Int("max-depth", DefaultMaxDepth, "")
	cmd.Flags().Int("max-tokens", 0, "")
	cmd.Flags().Float64("temperature", 0, "")
	cmd.Flags().Bool("no-stream", false, "")
	cmd.Flags().String("timeout", DefaultTimeout.String(), "")
	cmd.Flags().Int("retries", DefaultRetries, "")
	cmd.Flags().Bool("quiet", false, "")
	cmd.Flags().Bool("json", false, "")
	cmd.Flags().Bool("verbose", false, "")
	return cmd
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != DefaultModel || cfg.MaxDepth != DefaultMaxDepth || cfg.Retries != DefaultRetries {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Stream || cfg.Timeout != DefaultTimeout || cfg.Temperature != nil {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Search.MaxBytes != DefaultSearchBytes {
		t.Fatalf("expected search limit default, got %d", cfg.Search.MaxBytes)
	}
}

func TestLoadConfigFileAndVendorKeys(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "aigw", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	body := `model: claude-sonnet-4-5
max_depth: 3
temperature: 0.2
providers:
  anthropic:
    base_url: http://localhost:9999
  openai:
    api_key: from-file
pricing:
  gpt-4.1:
    input: 2
    output: 8
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "ignored")
	t.Setenv("GOOGLE_API_KEY", "g-key")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != "claude-sonnet-4-5" || cfg.MaxDepth != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", cfg.Temperature)
	}
	anthropic := cfg.Providers["anthropic"]
	if anthropic.APIKey != "sk-ant" || anthropic.BaseURL != "http://localhost:9999" {
		t.Fatalf("unexpected anthropic config: %+v", anthropic)
	}
	if cfg.Providers["openai"].APIKey != "from-file" {
		t.Fatalf("configured key must win over vendor env, got %q", cfg.Providers["openai"].APIKey)
	}
	if cfg.Providers["google"].APIKey != "g-key" {
		t.Fatalf("expected google fallback key, got %q", cfg.Providers["google"].APIKey)
	}
	cost, ok := cfg.Pricing.Cost("gpt-4.1", 1_000_000, 1_000_000)
	if !ok || cost != 10 {
		t.Fatalf("expected dotted model price 10, got %v %v", cost, ok)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	isolate(t)
	t.Setenv("AIGW_MODEL", "mistral-small-latest")
	t.Setenv("AIGW_TIMEOUT", "5s")
	t.Setenv("AIGW_PROVIDERS_OPENROUTER_API_KEY", "or-key")
	t.Setenv("AIGW_OUTPUT_FORMAT", "json")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != "mistral-small-latest" || cfg.Timeout != 5*time.Second {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Providers["openrouter"].APIKey != "or-key" {
		t.Fatalf("expected nested env key, got %q", cfg.Providers["openrouter"].APIKey)
	}
	if !cfg.JSON {
		t.Fatalf("output_format json should enable JSON")
	}
}

func TestLoadFlags(t *testing.T) {
	isolate(t)
	t.Setenv("AIGW_MODEL", "gpt-4o")
	cmd := newCmd()
	if err := cmd.ParseFlags([]string{"--model", "gemini-2.5-flash", "--no-stream", "--temperature", "0", "--provider", "Google", "--system", "be brief"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != "gemini-2.5-flash" || cfg.Provider != "google" || cfg.Instructions != "be brief" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.Stream {
		t.Fatalf("--no-stream should disable streaming")
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Fatalf("explicit zero temperature must be kept, got %v", cfg.Temperature)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	isolate(t)
	t.Setenv("AIGW_TIMEOUT", "soon")
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected invalid timeout error")
	}
	t.Setenv("AIGW_TIMEOUT", "")
	t.Setenv("AIGW_PROVIDER", "nope")
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
