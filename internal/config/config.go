// Package config handles Sable configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sable/config.yaml, /etc/sable/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sable", "config.yaml"))
	}

	paths = append(paths, "/etc/sable/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Sable configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Provider  ProviderConfig  `yaml:"provider"`
	Models    ModelsConfig    `yaml:"models"`
	Selection SelectionConfig `yaml:"selection"`
	Memory    MemoryConfig    `yaml:"memory"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig defines the OpenAI-compatible completion endpoint.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// RequestTimeoutSec bounds a single completion attempt. Exceeding it
	// is treated as a transient failure and the chain advances.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// RequestTimeout returns the per-attempt deadline as a duration.
func (p ProviderConfig) RequestTimeout() time.Duration {
	if p.RequestTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.RequestTimeoutSec) * time.Second
}

// ModelsConfig defines the capability table and the failover chain policy.
type ModelsConfig struct {
	// Chain is the ordered failover policy: model ids tried in sequence.
	Chain []string `yaml:"chain"`
	// Available is the capability table, loaded once at startup.
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	ID            string `yaml:"id"`
	ProviderGroup string `yaml:"provider_group"`
	Role          string `yaml:"role"` // primary or fallback
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	// ContentFiltered marks models behind a safety filter. A
	// content-policy rejection skips ahead to the first unfiltered
	// model in the chain.
	ContentFiltered bool `yaml:"content_filtered"`
	// UnreliableOutput marks models known to return empty or garbled
	// content. An empty completion from such a model is treated as a
	// transient failure rather than a valid answer.
	UnreliableOutput bool `yaml:"unreliable_output"`
}

// SelectionConfig defines the keyword-to-category tool selection table.
type SelectionConfig struct {
	// MaxTools caps the number of tool definitions sent to a model.
	MaxTools int `yaml:"max_tools"`
	// CoreTools are always included and never dropped by the cap.
	CoreTools []string `yaml:"core_tools"`
	// Categories are evaluated in order: the first whose keywords match
	// wins. Most specific categories belong first.
	Categories []CategoryConfig `yaml:"categories"`
}

// CategoryConfig maps a keyword set to a tool subset.
type CategoryConfig struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Tools    []string `yaml:"tools"`
}

// MemoryConfig defines the durable fact store settings.
type MemoryConfig struct {
	Path string `yaml:"path"`
	// ConfidenceThreshold rejects extracted facts below this score.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	CacheTTLSec         int     `yaml:"cache_ttl_sec"`
	CacheSize           int     `yaml:"cache_size"`
	// RetentionDays ages out stored facts; zero disables the sweep.
	RetentionDays int `yaml:"retention_days"`
	// ExtractionModel runs the post-response fact extraction call.
	ExtractionModel string `yaml:"extraction_model"`
	// MinMessages gates extraction: conversations shorter than this are skipped.
	MinMessages int `yaml:"min_messages"`
}

// CacheTTL returns the search cache TTL as a duration.
func (m MemoryConfig) CacheTTL() time.Duration {
	if m.CacheTTLSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(m.CacheTTLSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures: the chain must be non-empty and reference only
// models present in the capability table.
func (c *Config) Validate() error {
	if len(c.Models.Chain) == 0 {
		return fmt.Errorf("models.chain must list at least one model")
	}

	known := make(map[string]bool, len(c.Models.Available))
	for _, m := range c.Models.Available {
		if m.ID == "" {
			return fmt.Errorf("models.available entry with empty id")
		}
		if known[m.ID] {
			return fmt.Errorf("duplicate model id %q in models.available", m.ID)
		}
		known[m.ID] = true
	}

	for _, id := range c.Models.Chain {
		if !known[id] {
			return fmt.Errorf("models.chain references unknown model %q", id)
		}
	}

	if c.Memory.ConfidenceThreshold < 0 || c.Memory.ConfidenceThreshold > 1 {
		return fmt.Errorf("memory.confidence_threshold must be in [0,1], got %g",
			c.Memory.ConfidenceThreshold)
	}

	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Provider: ProviderConfig{
			BaseURL:           "http://localhost:8317/v1",
			RequestTimeoutSec: 60,
		},
		Models: ModelsConfig{
			Chain: []string{"gpt-oss-120b", "llama-3.3-70b", "deepseek-v3"},
			Available: []ModelConfig{
				{
					ID:              "gpt-oss-120b",
					ProviderGroup:   "openai_compatible",
					Role:            "primary",
					SupportsTools:   true,
					ContextWindow:   131072,
					ContentFiltered: true,
				},
				{
					ID:               "llama-3.3-70b",
					ProviderGroup:    "openai_compatible",
					Role:             "fallback",
					SupportsTools:    true,
					ContextWindow:    131072,
					ContentFiltered:  true,
					UnreliableOutput: true,
				},
				{
					ID:            "deepseek-v3",
					ProviderGroup: "openai_compatible",
					Role:          "fallback",
					SupportsTools: false,
					ContextWindow: 65536,
				},
			},
		},
		Selection: SelectionConfig{
			MaxTools:  8,
			CoreTools: []string{"current_time", "web_search", "calculate"},
			Categories: []CategoryConfig{
				{
					Name:     "admin",
					Keywords: []string{"ban", "kick", "mute", "timeout", "unban", "purge", "moderate"},
					Tools:    []string{"ban_user", "kick_user", "timeout_user", "purge_messages"},
				},
				{
					Name:     "financial",
					Keywords: []string{"price", "tip", "balance", "wallet", "crypto", "stock", "eth", "btc"},
					Tools:    []string{"get_crypto_price", "get_stock_price", "tip_user", "check_balance"},
				},
				{
					Name:     "scheduling",
					Keywords: []string{"remind", "reminder", "alarm", "timer", "schedule"},
					Tools:    []string{"set_reminder", "list_reminders", "cancel_reminder"},
				},
				{
					Name:     "creative",
					Keywords: []string{"draw", "image", "picture", "generate", "art"},
					Tools:    []string{"generate_image", "analyze_image"},
				},
				{
					Name:     "informational",
					Keywords: []string{"search", "research", "lookup", "news", "who", "what"},
					Tools:    []string{"web_search", "company_research", "crawl_page"},
				},
			},
		},
		Memory: MemoryConfig{
			Path:                "data/memory.db",
			ConfidenceThreshold: 0.4,
			CacheTTLSec:         300,
			CacheSize:           256,
			RetentionDays:       365,
			MinMessages:         2,
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}
