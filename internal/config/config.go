package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// FileName is the config file looked up in the working directory.
const FileName = "trainloop.toml"

type Config struct {
	Runner    RunnerConfig    `toml:"runner"`
	Retry     RetryConfig     `toml:"retry"`
	Project   ProjectConfig   `toml:"project"`
	GitHub    GitHubConfig    `toml:"github"`
	Sheet     SheetConfig     `toml:"sheet"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

type RunnerConfig struct {
	WorkDir        string            `toml:"work_dir"`
	Interpreter    []string          `toml:"interpreter"`
	LogFile        string            `toml:"log_file"`
	PollIntervalMS int               `toml:"poll_interval_ms"`
	StallTimeoutS  int               `toml:"stall_timeout_s"`
	RetryIntervalS int               `toml:"retry_interval_s"`
	MaxRetry       int               `toml:"max_retry"`
	WorkerID       int               `toml:"worker_id"`
	Env            map[string]string `toml:"env"`
}

type RetryConfig struct {
	NetworkMarkers    []string `toml:"network_markers"`
	FunctionalMarkers []string `toml:"functional_markers"`
}

type ProjectConfig struct {
	Name            string   `toml:"name"`
	Kind            string   `toml:"kind"`
	Columns         []string `toml:"columns"`
	Modes           []string `toml:"modes"`
	CommitColumn    string   `toml:"commit_column"`
	DepRepoPath     string   `toml:"dep_repo_path"`
	LogSuffixAlways *bool    `toml:"log_suffix_always"`
}

type GitHubConfig struct {
	Repo          string `toml:"repo"`
	Branch        string `toml:"branch"`
	Folder        string `toml:"folder"`
	TokenEnv      string `toml:"token_env"`
	PushRetries   int    `toml:"push_retries"`
	PushIntervalS int    `toml:"push_interval_s"`
	// LocalDir switches the artifact repository to a plain directory tree.
	LocalDir string `toml:"local_dir"`
}

type SheetConfig struct {
	Backend         string `toml:"backend"`
	SpreadsheetID   string `toml:"spreadsheet_id"`
	SubSheet        string `toml:"sub_sheet"`
	CredentialsFile string `toml:"credentials_file"`
	TokenFile       string `toml:"token_file"`
	SQLitePath      string `toml:"sqlite_path"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

const (
	BackendGoogle = "google"
	BackendSQLite = "sqlite"
)

func Default() Config {
	return Config{
		Runner: RunnerConfig{
			WorkDir:        ".",
			Interpreter:    []string{"python3", "-u"},
			LogFile:        "train.log",
			PollIntervalMS: 1000,
			RetryIntervalS: 30,
			MaxRetry:       10,
		},
		GitHub: GitHubConfig{Branch: "main", TokenEnv: "GITHUB_TOKEN", PushRetries: 3, PushIntervalS: 10},
		Sheet: SheetConfig{
			Backend:         BackendGoogle,
			SubSheet:        "Sheet1",
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
			SQLitePath:      filepath.ToSlash(filepath.Join(".trainloop", "results.db")),
		},
		Telemetry: TelemetryConfig{ServiceName: "trainloop"},
		Log:       LogConfig{Level: "info"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads the TOML config at path and merges it over Default(). A missing
// file is not an error: the defaults are returned with Found=false.
func Load(path string) LoadResult {
	res := LoadResult{Config: Default(), Path: path}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = errors.Wrap(ErrInvalid, err.Error())
		return res
	}
	var set numbers
	if err := toml.Unmarshal(b, &set); err != nil {
		res.ParseError = errors.Wrap(ErrInvalid, err.Error())
		return res
	}

	res.Config = set.apply(merge(Default(), parsed))
	return res
}

// numbers records which numeric settings the file spells out, so an explicit
// 0 (no retries, no wait) survives the merge over the defaults.
type numbers struct {
	Runner struct {
		PollIntervalMS *int `toml:"poll_interval_ms"`
		StallTimeoutS  *int `toml:"stall_timeout_s"`
		RetryIntervalS *int `toml:"retry_interval_s"`
		MaxRetry       *int `toml:"max_retry"`
	} `toml:"runner"`
	GitHub struct {
		PushRetries   *int `toml:"push_retries"`
		PushIntervalS *int `toml:"push_interval_s"`
	} `toml:"github"`
}

func (n numbers) apply(c Config) Config {
	setInt(&c.Runner.PollIntervalMS, n.Runner.PollIntervalMS)
	setInt(&c.Runner.StallTimeoutS, n.Runner.StallTimeoutS)
	setInt(&c.Runner.RetryIntervalS, n.Runner.RetryIntervalS)
	setInt(&c.Runner.MaxRetry, n.Runner.MaxRetry)
	setInt(&c.GitHub.PushRetries, n.GitHub.PushRetries)
	setInt(&c.GitHub.PushIntervalS, n.GitHub.PushIntervalS)
	return c
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// LoadEnv loads KEY=VALUE pairs from dir/.env into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return errors.Wrap(godotenv.Load(path), "load .env")
}

// merge copies the non-empty settings of cfg over def. Numeric settings are
// applied afterwards by numbers.apply.
func merge(def Config, cfg Config) Config {
	// Runner
	if cfg.Runner.WorkDir != "" {
		def.Runner.WorkDir = cfg.Runner.WorkDir
	}
	if len(cfg.Runner.Interpreter) != 0 {
		def.Runner.Interpreter = cfg.Runner.Interpreter
	}
	if cfg.Runner.LogFile != "" {
		def.Runner.LogFile = cfg.Runner.LogFile
	}
	def.Runner.WorkerID = cfg.Runner.WorkerID
	def.Runner.Env = cfg.Runner.Env
	// Retry
	def.Retry = cfg.Retry
	// Project
	def.Project = cfg.Project
	// GitHub
	if cfg.GitHub.Repo != "" {
		def.GitHub.Repo = cfg.GitHub.Repo
	}
	if cfg.GitHub.Branch != "" {
		def.GitHub.Branch = cfg.GitHub.Branch
	}
	if cfg.GitHub.Folder != "" {
		def.GitHub.Folder = cfg.GitHub.Folder
	}
	if cfg.GitHub.TokenEnv != "" {
		def.GitHub.TokenEnv = cfg.GitHub.TokenEnv
	}
	def.GitHub.LocalDir = cfg.GitHub.LocalDir
	// Sheet
	if cfg.Sheet.Backend != "" {
		def.Sheet.Backend = cfg.Sheet.Backend
	}
	def.Sheet.SpreadsheetID = cfg.Sheet.SpreadsheetID
	if cfg.Sheet.SubSheet != "" {
		def.Sheet.SubSheet = cfg.Sheet.SubSheet
	}
	if cfg.Sheet.CredentialsFile != "" {
		def.Sheet.CredentialsFile = cfg.Sheet.CredentialsFile
	}
	if cfg.Sheet.TokenFile != "" {
		def.Sheet.TokenFile = cfg.Sheet.TokenFile
	}
	if cfg.Sheet.SQLitePath != "" {
		def.Sheet.SQLitePath = cfg.Sheet.SQLitePath
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	// Log
	if cfg.Log.Level != "" {
		def.Log.Level = cfg.Log.Level
	}
	return def
}

// Validate checks settings that would otherwise only fail once a run is
// underway. Project presets are applied before this is called.
func (c Config) Validate() error {
	var problems []string
	if len(c.Runner.Interpreter) == 0 {
		problems = append(problems, "runner.interpreter is empty")
	}
	if c.Runner.PollIntervalMS <= 0 {
		problems = append(problems, "runner.poll_interval_ms must be positive")
	}
	if c.Runner.StallTimeoutS < 0 {
		problems = append(problems, "runner.stall_timeout_s must not be negative")
	}
	if c.Runner.MaxRetry < 0 {
		problems = append(problems, "runner.max_retry must not be negative")
	}
	if c.Runner.RetryIntervalS < 0 {
		problems = append(problems, "runner.retry_interval_s must not be negative")
	}
	if c.GitHub.PushRetries < 0 || c.GitHub.PushIntervalS < 0 {
		problems = append(problems, "github.push_retries and github.push_interval_s must not be negative")
	}
	if c.Project.Name == "" {
		problems = append(problems, "project.name is required")
	}
	if len(c.Project.Columns) == 0 {
		problems = append(problems, "project.columns is empty")
	}
	if len(c.Project.Columns) != len(c.Project.Modes) {
		problems = append(problems, fmt.Sprintf("project.columns (%d) and project.modes (%d) differ in length", len(c.Project.Columns), len(c.Project.Modes)))
	}
	for _, m := range c.Project.Modes {
		if m != "A" && m != "W" {
			problems = append(problems, fmt.Sprintf("project.modes: invalid mode %q (want A or W)", m))
		}
	}
	if c.Project.CommitColumn != "" && c.Project.DepRepoPath == "" {
		problems = append(problems, "project.commit_column requires project.dep_repo_path")
	}
	switch c.Sheet.Backend {
	case BackendGoogle:
		if c.Sheet.SpreadsheetID == "" {
			problems = append(problems, "sheet.spreadsheet_id is required for the google backend")
		}
	case BackendSQLite:
	default:
		problems = append(problems, fmt.Sprintf("sheet.backend: unknown backend %q", c.Sheet.Backend))
	}
	if c.GitHub.LocalDir == "" && c.GitHub.Repo == "" {
		problems = append(problems, "github.repo or github.local_dir is required")
	}
	if len(problems) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (r RunnerConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMS) * time.Millisecond
}

func (r RunnerConfig) StallTimeout() time.Duration {
	return time.Duration(r.StallTimeoutS) * time.Second
}

func (r RunnerConfig) RetryInterval() time.Duration {
	return time.Duration(r.RetryIntervalS) * time.Second
}

func (g GitHubConfig) PushInterval() time.Duration {
	return time.Duration(g.PushIntervalS) * time.Second
}

// Token returns the GitHub access token from the configured variable.
func (g GitHubConfig) Token() string {
	return os.Getenv(g.TokenEnv)
}

// Folder returns the repository folder for the project; it defaults to the
// project name.
func (c Config) Folder() string {
	if c.GitHub.Folder != "" {
		return c.GitHub.Folder
	}
	return c.Project.Name
}
