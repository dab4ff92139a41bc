package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/force-broker/internal/apperr"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"FORCE_BROKER_DATABASE_PATH", "FORCE_BROKER_CATALOG_PATH", "FORCE_BROKER_TOKENIZER",
		"FORCE_BROKER_INLINE_BUDGET_FRAC", "FORCE_BROKER_VECTOR_STORE_TTL",
		"FORCE_BROKER_VECTOR_STORE_CAPACITY_THRESHOLD", "FORCE_BROKER_JOB_TTL",
		"FORCE_BROKER_THREAD_POOL_SIZE", "FORCE_BROKER_LOG_DESTINATION",
		"FORCE_BROKER_OPENAI_API_KEY", "FORCE_BROKER_ANTHROPIC_API_KEY",
	}
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.validate())
}

func TestLoadWithNoFileUsesDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadParsesTOMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path = "/tmp/custom.sqlite3"
catalog_path = "/tmp/catalog.yaml"
inline_budget_frac = 0.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.sqlite3", cfg.DatabasePath)
	assert.Equal(t, "/tmp/catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, 0.5, cfg.InlineBudgetFrac)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`bogus_key = "x"`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConfiguration, appErr.Kind())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvOverridesWinOverFileAndDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("FORCE_BROKER_DATABASE_PATH", "/env/db.sqlite3")
	os.Setenv("FORCE_BROKER_VECTOR_STORE_TTL", "2h")
	os.Setenv("FORCE_BROKER_THREAD_POOL_SIZE", "4")
	os.Setenv("FORCE_BROKER_OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/db.sqlite3", cfg.DatabasePath)
	assert.Equal(t, 2*time.Hour, cfg.VectorStoreTTL)
	assert.Equal(t, 4, cfg.ThreadPoolSize)
	assert.Equal(t, "sk-test", cfg.Providers["openai"].APIKey)
}

func TestValidateRejectsStdoutLogDestination(t *testing.T) {
	cfg := Default()
	cfg.LogDestination = "stdout"
	err := cfg.validate()
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConfiguration, appErr.Kind())
}

func TestValidateRejectsOutOfRangeInlineBudget(t *testing.T) {
	cfg := Default()
	cfg.InlineBudgetFrac = 0
	assert.Error(t, cfg.validate())
	cfg.InlineBudgetFrac = 1.5
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsEmptyRequiredPaths(t *testing.T) {
	cfg := Default()
	cfg.DatabasePath = ""
	assert.Error(t, cfg.validate())

	cfg = Default()
	cfg.CatalogPath = ""
	assert.Error(t, cfg.validate())
}

func TestEnvIntOrIgnoresUnparseable(t *testing.T) {
	os.Setenv("FORCE_BROKER_TEST_INT", "not-a-number")
	t.Cleanup(func() { os.Unsetenv("FORCE_BROKER_TEST_INT") })
	assert.Equal(t, 42, envIntOr("FORCE_BROKER_TEST_INT", 42))
}
