// Package config loads the broker's configuration from a TOML file plus
// environment variable overrides. Grounded on the envOr/envDurationOr
// pattern (registry/cmd/registry/main.go) for the env layer, generalized
// into a struct decoded with github.com/BurntSushi/toml for the file
// layer; unknown keys in the file are rejected.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/goadesign/force-broker/internal/apperr"
)

// Config is the broker's full runtime configuration.
type Config struct {
	// DatabasePath is the single SQLite database holding sessions,
	// vector-store entries, jobs, and memory pointers.
	DatabasePath string `toml:"database_path"`

	// CatalogPath points at the model/tool catalog YAML file.
	CatalogPath string `toml:"catalog_path"`

	// Tokenizer selects the token-estimation strategy used by the
	// context assembler. Currently only "char_ratio" exists.
	Tokenizer string `toml:"tokenizer"`

	// InlineBudgetFrac is validated to lie in (0, 1] but is not read by
	// the broker: each tool's inline budget fraction comes from its
	// catalog entry's inline_budget_fraction (0.01 when unset).
	InlineBudgetFrac float64 `toml:"inline_budget_frac"`

	// VectorStoreTTL is how long a provider-side vector store lease
	// lives without renewal before it's swept.
	VectorStoreTTL time.Duration `toml:"vector_store_ttl"`

	// VectorStoreCapacitySafetyThreshold is the provider index count at
	// or above which the manager evicts the least-recently-renewed
	// entry before creating a new one.
	VectorStoreCapacitySafetyThreshold int `toml:"vector_store_capacity_safety_threshold"`

	// JobTTL is how long a completed or stale job row survives before
	// cleanup_expired removes it.
	JobTTL time.Duration `toml:"job_ttl"`

	// ThreadPoolSize is loaded from the file and environment but is not
	// read by the broker; outbound adapter calls are not bounded by it.
	ThreadPoolSize int `toml:"thread_pool_size"`

	// LogDestination names where structured logs are written ("stderr",
	// "stdout", or a file path). stdout is reserved for the JSON-RPC
	// wire, so "stdout" is rejected at startup.
	LogDestination string `toml:"log_destination"`

	// IgnoreFilePaths lists .gitignore-style files consulted by the
	// context assembler's file gather step.
	IgnoreFilePaths []string `toml:"ignore_file_paths"`

	// Providers holds per-provider-family credentials and endpoints.
	Providers map[string]ProviderConfig `toml:"providers"`
}

// ProviderConfig holds one provider family's credentials/endpoint.
type ProviderConfig struct {
	APIKey   string `toml:"api_key"`
	Endpoint string `toml:"endpoint"`
	Region   string `toml:"region"`
}

// Default returns a Config populated with the broker's defaults, before
// any file or environment overrides are applied.
func Default() Config {
	return Config{
		DatabasePath:                        ".force-broker/state.sqlite3",
		CatalogPath:                         "catalog.yaml",
		Tokenizer:                           "char_ratio",
		InlineBudgetFrac:                    0.7,
		VectorStoreTTL:                      24 * time.Hour,
		VectorStoreCapacitySafetyThreshold:  90,
		JobTTL:                              24 * time.Hour,
		ThreadPoolSize:                      8,
		LogDestination:                      "stderr",
	}
}

// Load reads path (if non-empty and it exists) as a TOML document on top
// of Default(), then applies environment variable overrides, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			meta, err := toml.DecodeFile(path, &cfg)
			if err != nil {
				return Config{}, apperr.New(apperr.KindConfiguration, "config", "failed to parse config file", err)
			}
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				return Config{}, apperr.New(apperr.KindConfiguration, "config",
					fmt.Sprintf("unknown configuration keys: %v", undecoded), nil)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabasePath = envOr("FORCE_BROKER_DATABASE_PATH", cfg.DatabasePath)
	cfg.CatalogPath = envOr("FORCE_BROKER_CATALOG_PATH", cfg.CatalogPath)
	cfg.Tokenizer = envOr("FORCE_BROKER_TOKENIZER", cfg.Tokenizer)
	cfg.InlineBudgetFrac = envFloatOr("FORCE_BROKER_INLINE_BUDGET_FRAC", cfg.InlineBudgetFrac)
	cfg.VectorStoreTTL = envDurationOr("FORCE_BROKER_VECTOR_STORE_TTL", cfg.VectorStoreTTL)
	cfg.VectorStoreCapacitySafetyThreshold = envIntOr("FORCE_BROKER_VECTOR_STORE_CAPACITY_THRESHOLD", cfg.VectorStoreCapacitySafetyThreshold)
	cfg.JobTTL = envDurationOr("FORCE_BROKER_JOB_TTL", cfg.JobTTL)
	cfg.ThreadPoolSize = envIntOr("FORCE_BROKER_THREAD_POOL_SIZE", cfg.ThreadPoolSize)
	cfg.LogDestination = envOr("FORCE_BROKER_LOG_DESTINATION", cfg.LogDestination)

	for _, family := range []string{"openai", "anthropic", "gemini", "bedrock"} {
		envPrefix := "FORCE_BROKER_" + upper(family) + "_"
		if key := os.Getenv(envPrefix + "API_KEY"); key != "" {
			if cfg.Providers == nil {
				cfg.Providers = make(map[string]ProviderConfig)
			}
			pc := cfg.Providers[family]
			pc.APIKey = key
			cfg.Providers[family] = pc
		}
	}
}

func (cfg Config) validate() error {
	if cfg.DatabasePath == "" {
		return apperr.New(apperr.KindConfiguration, "config", "database_path is required", nil)
	}
	if cfg.CatalogPath == "" {
		return apperr.New(apperr.KindConfiguration, "config", "catalog_path is required", nil)
	}
	if cfg.InlineBudgetFrac <= 0 || cfg.InlineBudgetFrac > 1 {
		return apperr.New(apperr.KindConfiguration, "config", "inline_budget_frac must be in (0, 1]", nil)
	}
	if cfg.LogDestination == "stdout" {
		return apperr.New(apperr.KindConfiguration, "config", "log_destination cannot be stdout: reserved for the JSON-RPC wire", nil)
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
