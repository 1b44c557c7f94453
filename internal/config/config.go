package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aigw/internal/provider"
	"aigw/internal/usage"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	DefaultModel          = "gpt-4o-mini"
	DefaultMaxDepth       = 5
	DefaultTimeout        = 120 * time.Second
	DefaultRetries        = 2
	DefaultSearchBytes    = 30 * 1024
	DefaultObserverBuffer = 256
)

// keyDelimiter separates nested keys. Model names in the price table contain
// dots, so viper's default delimiter cannot be used.
const keyDelimiter = "::"

// vendorKeys are the conventional environment variables each vendor's own
// SDK reads. They fill providers.<name>.api_key when it is not configured.
var vendorKeys = map[string][]string{
	provider.OpenAIName:      {"OPENAI_API_KEY"},
	provider.AnthropicName:   {"ANTHROPIC_API_KEY"},
	provider.GoogleName:      {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	provider.MistralName:     {"MISTRAL_API_KEY"},
	provider.PerplexityName:  {"PERPLEXITY_API_KEY"},
	provider.OpenRouterName:  {"OPENROUTER_API_KEY"},
	provider.HuggingFaceName: {"HF_TOKEN"},
	provider.ReplicateName:   {"REPLICATE_API_TOKEN"},
}

var providerFields = []string{"api_key", "base_url", "organization", "referer", "title", "responses_api", "anthropic_version"}

// Search configures the web_search function.
type Search struct {
	APIKey   string `mapstructure:"api_key"`
	MaxBytes int    `mapstructure:"max_bytes"`
}

// Config holds runtime configuration values.
type Config struct {
	Provider     string
	Model        string
	Instructions string
	MaxDepth     int
	MaxTokens    int
	Temperature  *float64
	Stream       bool
	Timeout      time.Duration
	Retries      int
	Concurrency  int
	Quiet        bool
	JSON         bool
	Verbose      bool
	Providers    map[string]provider.Config
	Pricing      usage.Pricing
	Search       Search
}

type rawConfig struct {
	Provider     string                     `mapstructure:"provider"`
	Model        string                     `mapstructure:"model"`
	Instructions string                     `mapstructure:"instructions"`
	MaxDepth     int                        `mapstructure:"max_depth"`
	MaxTokens    int                        `mapstructure:"max_tokens"`
	Stream       bool                       `mapstructure:"stream"`
	Timeout      string                     `mapstructure:"timeout"`
	Retries      int                        `mapstructure:"retries"`
	Concurrency  int                        `mapstructure:"concurrency"`
	Quiet        bool                       `mapstructure:"quiet"`
	JSON         bool                       `mapstructure:"json"`
	Verbose      bool                       `mapstructure:"verbose"`
	OutputFormat string                     `mapstructure:"output_format"`
	Providers    map[string]provider.Config `mapstructure:"providers"`
	Pricing      map[string]usage.Price     `mapstructure:"pricing"`
	Search       Search                     `mapstructure:"search"`
}

func key(parts ...string) string { return strings.Join(parts, keyDelimiter) }

// Load resolves configuration from defaults, config files, env, and flags.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetEnvPrefix("AIGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	v.SetDefault("provider", "")
	v.SetDefault("model", DefaultModel)
	v.SetDefault("instructions", "")
	v.SetDefault("max_depth", DefaultMaxDepth)
	v.SetDefault("max_tokens", 0)
	v.SetDefault("stream", true)
	v.SetDefault("timeout", DefaultTimeout.String())
	v.SetDefault("retries", DefaultRetries)
	v.SetDefault("concurrency", 0)
	v.SetDefault("quiet", false)
	v.SetDefault("json", false)
	v.SetDefault("verbose", false)
	v.SetDefault("output_format", "text")
	v.SetDefault(key("search", "api_key"), "")
	v.SetDefault(key("search", "max_bytes"), DefaultSearchBytes)
	// Registering every provider key lets AIGW_PROVIDERS_<NAME>_<FIELD> reach it.
	for _, name := range provider.Names() {
		for _, field := range providerFields {
			if field == "responses_api" {
				v.SetDefault(key("providers", name, field), false)
				continue
			}
			v.SetDefault(key("providers", name, field), "")
		}
	}

	if cmd != nil {
		_ = v.BindPFlag("provider", cmd.Flags().Lookup("provider"))
		_ = v.BindPFlag("model", cmd.Flags().Lookup("model"))
		_ = v.BindPFlag("instructions", cmd.Flags().Lookup("system"))
		_ = v.BindPFlag("max_depth", cmd.Flags().Lookup("max-depth"))
		_ = v.BindPFlag("max_tokens", cmd.Flags().Lookup("max-tokens"))
		_ = v.BindPFlag("timeout", cmd.Flags().Lookup("timeout"))
		_ = v.BindPFlag("retries", cmd.Flags().Lookup("retries"))
		_ = v.BindPFlag("quiet", cmd.Flags().Lookup("quiet"))
		_ = v.BindPFlag("json", cmd.Flags().Lookup("json"))
		_ = v.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))
	}

	if err := loadConfigFile(v); err != nil {
		return Config{}, err
	}

	var raw rawConfig
	decoder, _ := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &raw,
		WeaklyTypedInput: true,
	})
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Config{}, err
	}

	timeout := DefaultTimeout
	if raw.Timeout != "" {
		parsed, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("invalid timeout duration: %w", err)
		}
		timeout = parsed
	}

	stream := raw.Stream
	if cmd != nil && cmd.Flags().Changed("no-stream") {
		noStream, _ := cmd.Flags().GetBool("no-stream")
		stream = !noStream
	}

	jsonOutput := raw.JSON
	if cmd != nil && cmd.Flags().Changed("json") {
		jsonOutput = v.GetBool("json")
	} else if strings.EqualFold(raw.OutputFormat, "json") {
		jsonOutput = true
	}

	var temperature *float64
	if cmd != nil && cmd.Flags().Changed("temperature") {
		t, _ := cmd.Flags().GetFloat64("temperature")
		temperature = &t
	} else if v.IsSet("temperature") {
		t := v.GetFloat64("temperature")
		temperature = &t
	}

	cfg := Config{
		Provider:     strings.ToLower(strings.TrimSpace(raw.Provider)),
		Model:        raw.Model,
		Instructions: raw.Instructions,
		MaxDepth:     raw.MaxDepth,
		MaxTokens:    raw.MaxTokens,
		Temperature:  temperature,
		Stream:       stream,
		Timeout:      timeout,
		Retries:      raw.Retries,
		Concurrency:  raw.Concurrency,
		Quiet:        raw.Quiet,
		JSON:         jsonOutput,
		Verbose:      raw.Verbose,
		Providers:    raw.Providers,
		Pricing:      usage.Pricing(raw.Pricing),
		Search:       raw.Search,
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]provider.Config{}
	}
	for name, envs := range vendorKeys {
		pc := cfg.Providers[name]
		if pc.APIKey != "" {
			continue
		}
		for _, env := range envs {
			if value := os.Getenv(env); value != "" {
				pc.APIKey = value
				break
			}
		}
		cfg.Providers[name] = pc
	}
	if cfg.Search.APIKey == "" {
		cfg.Search.APIKey = os.Getenv("EXA_API_KEY")
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Search.MaxBytes <= 0 {
		cfg.Search.MaxBytes = DefaultSearchBytes
	}
	if cfg.Provider != "" {
		if _, ok := vendorKeys[cfg.Provider]; !ok {
			return Config{}, fmt.Errorf("unknown provider %q (known: %s)", cfg.Provider, strings.Join(provider.Names(), ", "))
		}
	}

	return cfg, nil
}

func loadConfigFile(v *viper.Viper) error {
	if path := os.Getenv("AIGW_CONFIG"); path != "" {
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	base := filepath.Join(configDir, "aigw")
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(base, name)
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			return v.ReadInConfig()
		}
	}
	return nil
}
