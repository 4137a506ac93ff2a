package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Agent.DispatchTimeout)
	assert.Equal(t, 10000, cfg.Pipeline.MaxFiles)
	assert.Equal(t, 30*time.Minute, cfg.Sweeper.StaleAfter)
	assert.Equal(t, 2, cfg.Pipeline.Retry.MaxRetries)
	assert.Equal(t, "https://api.bitbucket.org/2.0", cfg.Bitbucket.APIURL)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "pullsight.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[agent]
pr_post_url = "http://agent.internal/review"
dispatch_timeout = "2s"

[pipeline]
workers = 8
lanes = 4
`), 0644))

	t.Setenv("DATABASE_URL", "postgres://fallback")
	t.Setenv("PULLSIGHT_PIPELINE__LANES", "32")
	t.Setenv("PULLSIGHT_SWEEPER__STALE_AFTER", "45m")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://agent.internal/review", cfg.Agent.PRPostURL)
	assert.Equal(t, 2*time.Second, cfg.Agent.DispatchTimeout)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 32, cfg.Pipeline.Lanes)
	assert.Equal(t, 45*time.Minute, cfg.Sweeper.StaleAfter)
	assert.Equal(t, "postgres://fallback", cfg.Database.URL)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "agent.pr_post_url", envKey("PULLSIGHT_AGENT__PR_POST_URL"))
	assert.Equal(t, "pipeline.retry.max_retries", envKey("PULLSIGHT_PIPELINE__RETRY__MAX_RETRIES"))
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pullsight.toml")
	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path))

	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		var c Config
		c.Database.URL = "postgres://x"
		c.Agent.PRPostURL = "http://agent"
		c.Agent.DispatchTimeout = time.Second
		c.Pipeline.Workers = 1
		c.Pipeline.Lanes = 1
		c.Pipeline.MaxFiles = 10
		return &c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no database", func(c *Config) { c.Database.URL = "" }, "database url"},
		{"no agent", func(c *Config) { c.Agent.PRPostURL = "" }, "pr_post_url"},
		{"app without key", func(c *Config) { c.GitHub.AppID = 7 }, "private_key_path"},
		{"half bitbucket oauth", func(c *Config) { c.Bitbucket.ClientID = "id" }, "client_secret"},
		{"sweeper without interval", func(c *Config) { c.Sweeper.Enabled = true }, "sweeper"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
