// Package task binds one task id to a retry-protected training run: launch
// the script, supervise it, classify the outcome, retry transient failures
// and run the post-processing pipeline once on success.
package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/trainloop/internal/artifact"
	"github.com/throw-if-null/trainloop/internal/logging"
	"github.com/throw-if-null/trainloop/internal/logparse"
	"github.com/throw-if-null/trainloop/internal/paths"
	"github.com/throw-if-null/trainloop/internal/pipeline"
	"github.com/throw-if-null/trainloop/internal/supervisor"
)

var (
	// ErrPrecondition is returned when the task script has not been fetched.
	ErrPrecondition     = errors.New("precondition failed")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RetriesExhaustedError is returned when the retry budget is used up.
type RetriesExhaustedError struct {
	TaskID   string
	MaxRetry int
	Last     supervisor.Outcome
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d retries (last outcome %s)", e.TaskID, e.MaxRetry, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return ErrRetriesExhausted }

// Task holds everything a run needs except the task id.
type Task struct {
	WorkDir string
	// Interpreter is prepended to the script path, e.g. ["python3", "-u"].
	Interpreter []string
	// Env is injected into every launch. TASK_ID is added per run.
	Env          map[string]string
	Pipeline     *pipeline.Pipeline
	Classifier   supervisor.Classifier
	PollInterval time.Duration
	// Backoff yields the wait before each relaunch. Nil means no wait.
	Backoff backoff.BackOff
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Repo is used by FetchCode.
	Repo artifact.Repository
	// Out receives operator output: the result line and failed logs.
	Out    io.Writer
	Logger logrus.FieldLogger
}

// RunOptions are the per-invocation settings of Run.
type RunOptions struct {
	MaxRetry int
	// StallTimeout enables hang detection when positive.
	StallTimeout time.Duration
	// LogFile is the run log, relative to WorkDir. Empty means "<task>.log".
	LogFile string
}

// Result describes a finished Run.
type Result struct {
	TaskID  string
	RunID   string
	Outcome supervisor.Outcome
	// Attempts counts launches, Retries the retryable failures among them.
	Attempts int
	Retries  int
	// Seq is the result sequence number on success, 0 otherwise.
	Seq int
	// Log is the content of a failed run's log.
	Log string
}

func (t *Task) out() io.Writer {
	if t.Out == nil {
		return io.Discard
	}
	return t.Out
}

func (t *Task) sleep(ctx context.Context, d time.Duration) error {
	if t.Sleep != nil {
		return t.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Task) launchEnv(taskID string) map[string]string {
	env := make(map[string]string, len(t.Env)+1)
	for k, v := range t.Env {
		env[k] = v
	}
	env["TASK_ID"] = taskID
	return env
}

// Run executes taskID until it succeeds, fails fatally or exhausts
// opts.MaxRetry retries. A FatalError outcome prints the log to Out and
// returns a nil error; callers inspect Result.Outcome.
func (t *Task) Run(ctx context.Context, taskID string, opts RunOptions) (Result, error) {
	res := Result{TaskID: taskID, RunID: uuid.NewString(), Outcome: supervisor.FatalError}
	log := logging.OrDiscard(t.Logger).WithFields(logrus.Fields{"task_id": taskID, "run_id": res.RunID})

	tr := otel.Tracer("trainloop/task")
	ctx, span := tr.Start(ctx, "trainloop.task", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("run.id", res.RunID),
		attribute.Int("task.max_retry", opts.MaxRetry),
	))
	defer span.End()
	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.AddEvent("task.failed")
		return res, err
	}

	script, err := paths.ScriptFile(t.WorkDir, taskID)
	if err != nil {
		return fail(err)
	}
	if script, err = filepath.Abs(script); err != nil {
		return fail(err)
	}
	if _, err := os.Stat(script); err != nil {
		return fail(errors.Wrapf(ErrPrecondition, "script %s: %v (fetch it first)", script, err))
	}
	if t.Pipeline != nil {
		if err := t.Pipeline.Validate(pipeline.SeedKeys); err != nil {
			return fail(err)
		}
	}
	logFile, err := paths.LogFile(t.WorkDir, taskID, opts.LogFile)
	if err != nil {
		return fail(err)
	}
	if t.Backoff != nil {
		t.Backoff.Reset()
	}
	argv := append(append([]string{}, t.Interpreter...), script)

	for {
		res.Attempts++
		alog := log.WithField("attempt", res.Attempts)
		span.AddEvent("attempt.started", trace.WithAttributes(attribute.Int("attempt", res.Attempts)))
		alog.Info("launching task")

		p, err := supervisor.Launch(supervisor.LaunchSpec{
			Dir:     t.WorkDir,
			Argv:    argv,
			Env:     t.launchEnv(taskID),
			LogFile: logFile,
		})
		if err != nil {
			return fail(err)
		}
		sres, err := supervisor.Supervise(ctx, p, supervisor.Options{
			LogFile:      logFile,
			PollInterval: t.PollInterval,
			StallTimeout: opts.StallTimeout,
			Classifier:   t.Classifier,
			Logger:       alog,
		})
		if err != nil {
			if ctx.Err() != nil {
				span.AddEvent("task.cancelled")
				span.SetStatus(codes.Error, err.Error())
				alog.Warn("task cancelled")
				return res, err
			}
			return fail(err)
		}
		res.Outcome = sres.Outcome
		span.AddEvent("attempt.outcome", trace.WithAttributes(
			attribute.Int("attempt", res.Attempts),
			attribute.String("outcome", sres.Outcome.String()),
			attribute.Int("exit_code", sres.ExitCode),
		))
		alog = alog.WithFields(logrus.Fields{"outcome": sres.Outcome.String(), "exit_code": sres.ExitCode})

		switch {
		case sres.Outcome == supervisor.Success:
			alog.Info("task succeeded, running pipeline")
			seq, err := t.finish(ctx, taskID, logFile)
			if err != nil {
				return fail(err)
			}
			res.Seq = seq
			span.SetAttributes(attribute.Int("result.seq", seq))
			span.AddEvent("task.completed")
			span.SetStatus(codes.Ok, "")
			return res, nil

		case sres.Outcome.Retryable():
			res.Retries++
			if res.Retries > opts.MaxRetry {
				alog.Error("retry budget exhausted")
				return fail(&RetriesExhaustedError{TaskID: taskID, MaxRetry: opts.MaxRetry, Last: sres.Outcome})
			}
			wait := time.Duration(0)
			if t.Backoff != nil {
				wait = t.Backoff.NextBackOff()
				if wait == backoff.Stop {
					return fail(&RetriesExhaustedError{TaskID: taskID, MaxRetry: res.Retries - 1, Last: sres.Outcome})
				}
			}
			span.AddEvent("task.retrying", trace.WithAttributes(
				attribute.Int("retry", res.Retries),
				attribute.String("wait", wait.String()),
			))
			alog.WithFields(logrus.Fields{"retry": res.Retries, "wait": wait}).Warn("transient failure, retrying")
			if err := t.sleep(ctx, wait); err != nil {
				span.AddEvent("task.cancelled")
				span.SetStatus(codes.Error, err.Error())
				return res, err
			}

		default:
			// unknown failures are left to the operator
			res.Log = sres.Log
			alog.Error("task failed")
			fmt.Fprintln(t.out(), sres.Log)
			span.AddEvent("task.failed")
			span.SetStatus(codes.Error, sres.Outcome.String())
			return res, nil
		}
	}
}

// Sync runs the pipeline against an existing log without launching the task.
func (t *Task) Sync(ctx context.Context, taskID, logFile string) (int, error) {
	if err := paths.ValidateTaskID(taskID); err != nil {
		return 0, err
	}
	if _, err := os.Stat(logFile); err != nil {
		return 0, errors.Wrapf(ErrPrecondition, "log %s: %v", logFile, err)
	}
	tr := otel.Tracer("trainloop/task")
	ctx, span := tr.Start(ctx, "trainloop.sync", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	seq, err := t.finish(ctx, taskID, logFile)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetStatus(codes.Ok, "")
	return seq, nil
}

// finish runs the pipeline on a fresh context and prints "<task>-<seq>".
// A log the parser rejects is printed in full before the error is returned.
func (t *Task) finish(ctx context.Context, taskID, logFile string) (int, error) {
	pc := pipeline.NewContext(taskID, logFile)
	if t.Pipeline != nil {
		if err := t.Pipeline.Execute(ctx, pc); err != nil {
			var pe *logparse.ParseError
			if errors.As(err, &pe) {
				fmt.Fprintln(t.out(), pe.Log)
			}
			return 0, err
		}
	}
	seq, err := pc.Int(pipeline.KeySheetSeq)
	if err != nil {
		fmt.Fprintln(t.out(), taskID)
		return 0, nil
	}
	fmt.Fprintln(t.out(), taskID+"-"+strconv.Itoa(seq))
	return seq, nil
}

// FetchCode downloads code/<task>.py from the artifact repository into
// WorkDir and returns the local path.
func (t *Task) FetchCode(ctx context.Context, taskID string) (string, error) {
	script, err := paths.ScriptFile(t.WorkDir, taskID)
	if err != nil {
		return "", err
	}
	if t.Repo == nil {
		return "", errors.New("no artifact repository configured")
	}
	content, err := t.Repo.Fetch(ctx, paths.RemoteCodePath(taskID))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(t.WorkDir, 0o755); err != nil {
		return "", errors.Wrap(err, "ensure work dir")
	}
	if err := os.WriteFile(script, []byte(content), 0o644); err != nil {
		return "", errors.Wrap(err, "write script")
	}
	logging.OrDiscard(t.Logger).WithFields(logrus.Fields{"task_id": taskID, "path": script}).Info("fetched task script")
	return script, nil
}
