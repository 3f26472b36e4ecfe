package project

import (
	"context"
	"io"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/throw-if-null/trainloop/internal/artifact"
	"github.com/throw-if-null/trainloop/internal/config"
	"github.com/throw-if-null/trainloop/internal/logging"
	"github.com/throw-if-null/trainloop/internal/logparse"
	"github.com/throw-if-null/trainloop/internal/pipeline"
	"github.com/throw-if-null/trainloop/internal/sheets"
	"github.com/throw-if-null/trainloop/internal/steps"
	"github.com/throw-if-null/trainloop/internal/supervisor"
	"github.com/throw-if-null/trainloop/internal/task"
	"github.com/throw-if-null/trainloop/internal/vcs"
)

// Deps are the process-level collaborators of a project.
type Deps struct {
	Out    io.Writer
	Logger logrus.FieldLogger
	// Store and Repo override the configured backends when set.
	Store sheets.Store
	Repo  artifact.Repository
	// Parser overrides the parser of the project kind.
	Parser logparse.Parser
	Git    vcs.GitRunner
}

// Project is a configured Task plus the resources it holds.
type Project struct {
	Config  config.Config
	Task    *task.Task
	closers []func() error
}

// Close releases the result store.
func (p *Project) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}

// OpenRepository returns the artifact repository configured in cfg.
func OpenRepository(cfg config.Config) (artifact.Repository, error) {
	if cfg.GitHub.LocalDir != "" {
		return &artifact.LocalRepository{Root: cfg.GitHub.LocalDir, Folder: cfg.Folder()}, nil
	}
	return artifact.NewGitHubRepository(cfg.GitHub.Repo, cfg.GitHub.Branch, cfg.Folder(), cfg.GitHub.Token())
}

// OpenStore returns the result store configured in cfg and a close func.
func OpenStore(ctx context.Context, cfg config.Config) (sheets.Store, func() error, error) {
	switch cfg.Sheet.Backend {
	case config.BackendSQLite:
		s, err := sheets.OpenSQLite(cfg.Sheet.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendGoogle:
		s, err := sheets.OpenGoogle(ctx, cfg.Sheet.SpreadsheetID, cfg.Sheet.CredentialsFile, cfg.Sheet.TokenFile)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	default:
		return nil, nil, errors.Wrapf(config.ErrInvalid, "sheet.backend %q", cfg.Sheet.Backend)
	}
}

// Steps returns the standard post-processing chain for cfg.
func Steps(cfg config.Config, store sheets.Store, repo artifact.Repository, parser logparse.Parser, git vcs.GitRunner, logger logrus.FieldLogger) ([]pipeline.Step, error) {
	modes, err := sheets.ParseModes(cfg.Project.Modes)
	if err != nil {
		return nil, err
	}
	suffixAlways := cfg.Project.LogSuffixAlways != nil && *cfg.Project.LogSuffixAlways

	chain := []pipeline.Step{
		&steps.TrimLog{Logger: logger},
		&steps.ParseLog{Parser: parser},
	}
	if cfg.Project.CommitColumn != "" {
		chain = append(chain, &steps.DependencyCommit{RepoPath: cfg.Project.DepRepoPath, Git: git})
	}
	chain = append(chain,
		&steps.UpdateSheet{
			Store:        store,
			Sheet:        cfg.Sheet.SubSheet,
			Columns:      cfg.Project.Columns,
			Modes:        modes,
			CommitColumn: cfg.Project.CommitColumn,
		},
		&steps.RenameLog{SuffixAlways: suffixAlways},
		&steps.PushLog{
			Repo:       repo,
			MaxRetries: cfg.GitHub.PushRetries,
			Interval:   cfg.GitHub.PushInterval(),
			Logger:     logger,
		},
	)
	return chain, nil
}

// NewTask builds a Task from cfg without a pipeline. It is enough for
// FetchCode.
func NewTask(cfg config.Config, repo artifact.Repository, deps Deps) *task.Task {
	env := map[string]string{}
	for k, v := range cfg.Runner.Env {
		env[k] = v
	}
	env["TASK_NAME"] = cfg.Project.Name
	env["WORKER_ID"] = strconv.Itoa(cfg.Runner.WorkerID)

	return &task.Task{
		WorkDir:      cfg.Runner.WorkDir,
		Interpreter:  cfg.Runner.Interpreter,
		Env:          env,
		Classifier:   supervisor.DefaultClassifier(cfg.Retry.NetworkMarkers, cfg.Retry.FunctionalMarkers),
		PollInterval: cfg.Runner.PollInterval(),
		Backoff:      backoff.NewConstantBackOff(cfg.Runner.RetryInterval()),
		Repo:         repo,
		Out:          deps.Out,
		Logger:       deps.Logger,
	}
}

// Build applies the preset of cfg, validates it and wires a Task with the
// full pipeline.
func Build(ctx context.Context, cfg config.Config, deps Deps) (*Project, error) {
	cfg, err := ApplyPreset(cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrDiscard(deps.Logger)
	p := &Project{Config: cfg}

	parser := deps.Parser
	if parser == nil {
		if parser, err = logparse.ForKind(cfg.Project.Kind); err != nil {
			return nil, err
		}
	}
	repo := deps.Repo
	if repo == nil {
		if repo, err = OpenRepository(cfg); err != nil {
			return nil, err
		}
	}
	store := deps.Store
	if store == nil {
		s, closeFn, err := OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = s
		p.closers = append(p.closers, closeFn)
	}

	chain, err := Steps(cfg, store, repo, parser, deps.Git, logger)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	p.Task = NewTask(cfg, repo, deps)
	p.Task.Pipeline = pipeline.New(logger, chain...)
	if err := p.Task.Pipeline.Validate(pipeline.SeedKeys); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// RunOptions derives task run options from cfg.
func RunOptions(cfg config.Config) task.RunOptions {
	return task.RunOptions{
		MaxRetry:     cfg.Runner.MaxRetry,
		StallTimeout: cfg.Runner.StallTimeout(),
		LogFile:      cfg.Runner.LogFile,
	}
}
