package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Missing(t *testing.T) {
	d := t.TempDir()

	res := Load(filepath.Join(d, FileName))
	require.False(t, res.Found)
	require.NoError(t, res.ParseError)

	def := Default()
	assert.Equal(t, def.Runner.MaxRetry, res.Config.Runner.MaxRetry)
	assert.Equal(t, []string{"python3", "-u"}, res.Config.Runner.Interpreter)
}

func TestLoad_ValidOverrides(t *testing.T) {
	d := t.TempDir()
	cfg := filepath.Join(d, FileName)
	content := `
[runner]
max_retry = 4
stall_timeout_s = 600
worker_id = 2

[runner.env]
CUDA_VISIBLE_DEVICES = "1"

[retry]
network_markers = ["Deadline Exceeded"]

[project]
name = "CIFAR10-TensorFlow"
kind = "cifar"
log_suffix_always = false

[sheet]
backend = "sqlite"
`
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0o644))

	res := Load(cfg)
	require.True(t, res.Found)
	require.NoError(t, res.ParseError)

	c := res.Config
	assert.Equal(t, 4, c.Runner.MaxRetry)
	assert.Equal(t, 10*time.Minute, c.Runner.StallTimeout())
	assert.Equal(t, 2, c.Runner.WorkerID)
	assert.Equal(t, "1", c.Runner.Env["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, []string{"Deadline Exceeded"}, c.Retry.NetworkMarkers)
	assert.Equal(t, "cifar", c.Project.Kind)
	require.NotNil(t, c.Project.LogSuffixAlways)
	assert.False(t, *c.Project.LogSuffixAlways)
	assert.Equal(t, BackendSQLite, c.Sheet.Backend)
	// untouched defaults survive the merge
	assert.Equal(t, "train.log", c.Runner.LogFile)
	assert.Equal(t, 30*time.Second, c.Runner.RetryInterval())
	assert.Equal(t, "main", c.GitHub.Branch)
	assert.Equal(t, "CIFAR10-TensorFlow", c.Folder())
}

func TestLoad_ExplicitZeroKeepsZero(t *testing.T) {
	d := t.TempDir()
	cfg := filepath.Join(d, FileName)
	content := `
[runner]
max_retry = 0
retry_interval_s = 0

[github]
push_retries = 0
`
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0o644))

	res := Load(cfg)
	require.NoError(t, res.ParseError)
	c := res.Config
	assert.Equal(t, 0, c.Runner.MaxRetry)
	assert.Equal(t, time.Duration(0), c.Runner.RetryInterval())
	assert.Equal(t, 0, c.GitHub.PushRetries)
	// keys left out still take the defaults
	assert.Equal(t, 10*time.Second, c.GitHub.PushInterval())
	assert.Equal(t, 1000, c.Runner.PollIntervalMS)
}

func TestLoad_InvalidToml(t *testing.T) {
	d := t.TempDir()
	cfg := filepath.Join(d, FileName)
	require.NoError(t, os.WriteFile(cfg, []byte("x = [1,\n"), 0o644))

	res := Load(cfg)
	require.True(t, res.Found)
	require.Error(t, res.ParseError)
	assert.True(t, errors.Is(res.ParseError, ErrInvalid))
}

func validConfig() Config {
	c := Default()
	c.Project = ProjectConfig{Name: "p", Columns: []string{"K", "L"}, Modes: []string{"A", "W"}}
	c.Sheet.Backend = BackendSQLite
	c.GitHub.LocalDir = "/tmp/artifacts"
	return c
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *Config){
		"length mismatch": func(c *Config) { c.Project.Modes = []string{"A"} },
		"bad mode":        func(c *Config) { c.Project.Modes = []string{"A", "X"} },
		"commit no repo":  func(c *Config) { c.Project.CommitColumn = "O" },
		"no name":         func(c *Config) { c.Project.Name = "" },
		"google no id":    func(c *Config) { c.Sheet.Backend = BackendGoogle },
		"unknown backend": func(c *Config) { c.Sheet.Backend = "excel" },
		"no repository":   func(c *Config) { c.GitHub.LocalDir = "" },
		"no interpreter":  func(c *Config) { c.Runner.Interpreter = nil },
		"zero poll":       func(c *Config) { c.Runner.PollIntervalMS = 0 },
		"negative push":   func(c *Config) { c.GitHub.PushRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestLoadEnv(t *testing.T) {
	d := t.TempDir()
	require.NoError(t, LoadEnv(d), "missing .env is fine")

	require.NoError(t, os.WriteFile(filepath.Join(d, ".env"), []byte("TRAINLOOP_TEST_TOKEN=abc\n"), 0o600))
	t.Setenv("TRAINLOOP_TEST_TOKEN", "")
	os.Unsetenv("TRAINLOOP_TEST_TOKEN")

	require.NoError(t, LoadEnv(d))
	g := GitHubConfig{TokenEnv: "TRAINLOOP_TEST_TOKEN"}
	assert.Equal(t, "abc", g.Token())
}
