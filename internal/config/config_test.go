package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TechThermometer/internal/domain"
)

const sampleYAML = `
logging:
  level: debug
  format: json
storage:
  driver: memory
collection:
  workers: 2
  maxRetryDelay: 30s
stats:
  periodTypes: [hour, day, week]
  decayConstant: 48h
scheduler:
  cronExpression: "@every 10m"
  timezone: Europe/Berlin
sites:
  - key: techcrunch
    baseUrl: https://techcrunch.com
    endpoints:
      articles: /wp-json/wp/v2/posts
    params:
      per_page: "50"
    retryCount: 0
    requestTimeout: 10s
  - key: hn
    name: Hacker News
    baseUrl: https://hnrss.org
    format: RSS
    endpoints:
      articles: /frontpage
    active: false
    auth:
      header: Authorization
      scheme: Bearer
      tokenEnv: HN_TOKEN
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Setenv("HN_TOKEN", "secret")
	t.Setenv(logLevelEnv, "warn")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 2, cfg.Collection.Workers)
	assert.Equal(t, 30*time.Second, cfg.Collection.MaxRetryDelay)
	assert.Equal(t, "TechThermometer/1.0", cfg.Collection.UserAgent)
	assert.Equal(t, 48*time.Hour, cfg.Stats.DecayConstant)
	assert.Equal(t, 30*24*time.Hour, cfg.Stats.Lookback)
	assert.Equal(t, []domain.PeriodType{domain.PeriodHour, domain.PeriodDay, domain.PeriodWeek}, cfg.PeriodTypes())
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Location().String())
	require.NoError(t, cfg.Validate())

	sites := cfg.DomainSites()
	require.Len(t, sites, 2)

	tc := sites[0]
	assert.Equal(t, "techcrunch", tc.Name)
	assert.Equal(t, domain.FormatJSON, tc.Format)
	assert.Equal(t, 0, tc.RetryCount)
	assert.Equal(t, 10*time.Second, tc.RequestTimeout)
	assert.Equal(t, DefaultRetryDelay, tc.RetryDelay)
	assert.Equal(t, DefaultRateLimitPerHour, tc.RateLimitPerHour)
	assert.True(t, tc.IsActive)
	assert.False(t, tc.RequiresAuth)

	hn := sites[1]
	assert.Equal(t, domain.FormatRSS, hn.Format)
	assert.Equal(t, DefaultRetryCount, hn.RetryCount)
	assert.False(t, hn.IsActive)
	assert.True(t, hn.RequiresAuth)
	assert.Equal(t, domain.AuthConfig{Header: "Authorization", Scheme: "Bearer", Token: "secret"}, hn.Auth)
}

func TestLoadUsesEnvironmentPath(t *testing.T) {
	t.Setenv(configPathEnv, writeConfig(t, "storage:\n  driver: memory\n"))
	t.Setenv(databaseDSNEnv, "postgres://override")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "postgres://override", cfg.Database.DSN)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "sites: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "scheduler:\n  timezone: Mars/Olympus\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Storage.Driver = "sqlite"
	cfg.Classifier.Provider = ClassifierML
	cfg.Collection.Workers = 0
	cfg.Stats.PeriodTypes = []string{"fortnight"}
	cfg.Sites = []SiteConfig{
		{Key: "a"},
		{Key: "a"},
		{Key: " "},
		{Key: "b", Auth: &AuthConfig{Header: "X-Key", TokenEnv: "TECHTHERMOMETER_TEST_UNSET"}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, fragment := range []string{"storage.driver", "ml.inferenceUrl", "workers", "fortnight", "duplicate key", "missing key", "TECHTHERMOMETER_TEST_UNSET"} {
		assert.ErrorContains(t, err, fragment)
	}

	var cfgErr *domain.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
