package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/throw-if-null/trainloop/internal/config"
	"github.com/throw-if-null/trainloop/internal/logging"
	"github.com/throw-if-null/trainloop/internal/project"
	"github.com/throw-if-null/trainloop/internal/sheets"
	"github.com/throw-if-null/trainloop/internal/supervisor"
	"github.com/throw-if-null/trainloop/internal/telemetry"
	"github.com/throw-if-null/trainloop/internal/version"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
	exitError = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  trainloop fetch [--config FILE] <task-id>...")
	_, _ = fmt.Fprintln(w, "  trainloop run [--config FILE] [--max-retry N] [--stall-timeout SECONDS] [--repeat N] <task-id>...")
	_, _ = fmt.Fprintln(w, "  trainloop sync [--config FILE] --log FILE <task-id>")
	_, _ = fmt.Fprintln(w, "  trainloop auth [--config FILE]")
	_, _ = fmt.Fprintln(w, "  trainloop version")
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return exitUsage
	}
	switch args[0] {
	case "fetch":
		return fetchCmd(ctx, args[1:], stdout, stderr)
	case "run":
		return runCmd(ctx, args[1:], stdout, stderr)
	case "sync":
		return syncCmd(ctx, args[1:], stdout, stderr)
	case "auth":
		return authCmd(ctx, args[1:], stdin, stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "trainloop %s (%s)\n", version.Version, version.Commit)
		return exitOK
	case "-h", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		usage(stderr)
		return exitUsage
	}
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", config.FileName, "config file")
	return fs, cfgPath
}

// loadConfig reads .env next to the config file, then the config itself.
func loadConfig(path string) (config.Config, error) {
	if err := config.LoadEnv(filepath.Dir(path)); err != nil {
		return config.Config{}, err
	}
	res := config.Load(path)
	if res.ParseError != nil {
		return config.Config{}, errors.Wrapf(res.ParseError, "load %s", path)
	}
	return res.Config, nil
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, "error:", err)
	return exitError
}

func fetchCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlagSet("fetch", stderr)
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return fail(stderr, err)
	}
	if cfg, err = project.ApplyPreset(cfg); err != nil {
		return fail(stderr, err)
	}
	logger := logging.New(cfg.Log.Level, stderr)
	repo, err := project.OpenRepository(cfg)
	if err != nil {
		return fail(stderr, err)
	}
	tk := project.NewTask(cfg, repo, project.Deps{Out: stdout, Logger: logger})
	for _, id := range fs.Args() {
		p, err := tk.FetchCode(ctx, id)
		if err != nil {
			return fail(stderr, err)
		}
		_, _ = fmt.Fprintln(stdout, p)
	}
	return exitOK
}

// setup loads config, logging and telemetry and builds the project.
func setup(ctx context.Context, cfgPath string, stdout, stderr io.Writer) (*project.Project, *logrus.Logger, func(), error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.New(cfg.Log.Level, stderr)
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := project.Build(ctx, cfg, project.Deps{Out: stdout, Logger: logger})
	if err != nil {
		_ = shutdown(context.Background())
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := p.Close(); err != nil {
			logger.WithError(err).Warn("close project")
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.WithError(err).Warn("telemetry shutdown")
		}
	}
	return p, logger, cleanup, nil
}

func runCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlagSet("run", stderr)
	maxRetry := fs.Int("max-retry", -1, "retry budget (default from config)")
	stall := fs.Int("stall-timeout", -1, "stall timeout in seconds, 0 disables (default from config)")
	repeat := fs.Int("repeat", 1, "runs per task id")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 || *repeat < 1 {
		fs.Usage()
		return exitUsage
	}

	p, logger, cleanup, err := setup(ctx, *cfgPath, stdout, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer cleanup()

	opts := project.RunOptions(p.Config)
	if *maxRetry >= 0 {
		opts.MaxRetry = *maxRetry
	}
	if *stall >= 0 {
		opts.StallTimeout = time.Duration(*stall) * time.Second
	}

	for _, id := range fs.Args() {
		for i := 0; i < *repeat; i++ {
			res, err := p.Task.Run(ctx, id, opts)
			if err != nil {
				return fail(stderr, err)
			}
			if res.Outcome != supervisor.Success {
				logger.WithFields(logrus.Fields{"task_id": id, "outcome": res.Outcome.String()}).Error("task failed, see log above")
				return exitFatal
			}
		}
	}
	return exitOK
}

func syncCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlagSet("sync", stderr)
	logFile := fs.String("log", "", "existing run log")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 || *logFile == "" {
		fs.Usage()
		return exitUsage
	}
	p, _, cleanup, err := setup(ctx, *cfgPath, stdout, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer cleanup()

	if _, err := p.Task.Sync(ctx, fs.Arg(0), *logFile); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func authCmd(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs, cfgPath := newFlagSet("auth", stderr)
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fs.Usage()
		return exitUsage
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return fail(stderr, err)
	}
	oc, err := sheets.OAuthConfig(cfg.Sheet.CredentialsFile)
	if err != nil {
		return fail(stderr, err)
	}
	if err := sheets.Authorize(ctx, oc, cfg.Sheet.TokenFile, stdin, stdout); err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "token saved to %s\n", cfg.Sheet.TokenFile)
	return exitOK
}
