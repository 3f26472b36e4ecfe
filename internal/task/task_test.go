package task

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/throw-if-null/trainloop/internal/artifact"
	"github.com/throw-if-null/trainloop/internal/logparse"
	"github.com/throw-if-null/trainloop/internal/pipeline"
	"github.com/throw-if-null/trainloop/internal/supervisor"
)

// seqStep records the log it saw and produces a fixed sequence number.
type seqStep struct {
	seq        int
	sawLog     string
	calls      int
	requireKey string
}

func (s *seqStep) Name() string { return "seq" }
func (s *seqStep) Requires() []string {
	if s.requireKey != "" {
		return []string{s.requireKey}
	}
	return []string{pipeline.KeyLogFile}
}
func (s *seqStep) Produces() []string { return []string{pipeline.KeySheetSeq} }
func (s *seqStep) Transform(_ context.Context, pc pipeline.Context) error {
	s.calls++
	p, err := pc.String(pipeline.KeyLogFile)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	s.sawLog = string(b)
	pc[pipeline.KeySheetSeq] = s.seq
	return nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func newTestTask(t *testing.T, script string, steps ...pipeline.Step) (*Task, *bytes.Buffer, *sleepRecorder) {
	t.Helper()
	dir := t.TempDir()
	if script != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "137.py"), []byte(script), 0o644))
	}
	out := &bytes.Buffer{}
	rec := &sleepRecorder{}
	return &Task{
		WorkDir:      dir,
		Interpreter:  []string{"/bin/sh"},
		Env:          map[string]string{"TASK_NAME": "cifar", "WORKER_ID": "3"},
		Pipeline:     pipeline.New(nil, steps...),
		Classifier:   supervisor.DefaultClassifier(nil, nil),
		PollInterval: 20 * time.Millisecond,
		Backoff:      backoff.NewConstantBackOff(30 * time.Second),
		Sleep:        rec.sleep,
		Out:          out,
	}, out, rec
}

func TestRun_MissingScriptIsPrecondition(t *testing.T) {
	tk, _, _ := newTestTask(t, "")
	_, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrecondition))
}

func TestRun_InvalidPipelineFailsBeforeLaunch(t *testing.T) {
	step := &seqStep{requireKey: pipeline.KeyParseResult}
	tk, _, _ := newTestTask(t, "touch launched\n", step)
	res, err := tk.Run(context.Background(), "137", RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrMissingKey))
	assert.Zero(t, res.Attempts)
	assert.NoFileExists(t, filepath.Join(tk.WorkDir, "launched"))
	assert.Zero(t, step.calls)
}

func TestRun_SuccessRunsPipelineAndPrintsSeq(t *testing.T) {
	step := &seqStep{seq: 2}
	tk, out, rec := newTestTask(t, `echo "$TASK_ID $TASK_NAME $WORKER_ID"
echo "Start training"
`, step)

	res, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 3, LogFile: "train.log"})
	require.NoError(t, err)
	assert.Equal(t, supervisor.Success, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 2, res.Seq)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "137-2\n", out.String())
	assert.Equal(t, 1, step.calls)
	assert.Equal(t, "137 cifar 3\nStart training\n", step.sawLog)
	assert.FileExists(t, filepath.Join(tk.WorkDir, "train.log"))
	assert.Empty(t, rec.waits)
}

func TestRun_DefaultLogFileIsTaskLog(t *testing.T) {
	tk, out, _ := newTestTask(t, "echo ok\n", &seqStep{seq: 1})
	_, err := tk.Run(context.Background(), "137", RunOptions{})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(tk.WorkDir, "137.log"))
	assert.Equal(t, "137-1\n", out.String())
}

const flakyScript = `n=$(cat count 2>/dev/null || echo 0)
n=$((n+1))
echo $n > count
if [ "$n" -lt 3 ]; then
  echo "Connection reset by peer"
  exit 1
fi
echo "Start training attempt $n"
`

func TestRun_RetriesTransientFailures(t *testing.T) {
	step := &seqStep{seq: 1}
	tk, out, rec := newTestTask(t, flakyScript, step)

	res, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 3})
	require.NoError(t, err)
	assert.Equal(t, supervisor.Success, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, rec.waits)
	// each attempt truncates the log
	assert.Equal(t, "Start training attempt 3\n", step.sawLog)
	assert.Equal(t, "137-1\n", out.String())
}

func TestRun_RetriesExhausted(t *testing.T) {
	step := &seqStep{seq: 1}
	tk, _, rec := newTestTask(t, "echo 'Stage end'\nexit 1\n", step)

	res, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	var re *RetriesExhaustedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 2, re.MaxRetry)
	assert.Equal(t, supervisor.TransientFunctionalError, re.Last)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, res.Retries)
	assert.Len(t, rec.waits, 2)
	assert.Zero(t, step.calls)
}

func TestRun_ZeroRetryBudget(t *testing.T) {
	tk, _, rec := newTestTask(t, "echo 'Socket closed'\nexit 1\n")
	res, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 0})
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, rec.waits)
}

func TestRun_FatalErrorPrintsLogWithoutError(t *testing.T) {
	step := &seqStep{seq: 1}
	tk, out, rec := newTestTask(t, "echo 'Traceback: ValueError'\nexit 3\n", step)

	res, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 5})
	require.NoError(t, err)
	assert.Equal(t, supervisor.FatalError, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Log, "Traceback: ValueError")
	assert.Contains(t, out.String(), "Traceback: ValueError")
	assert.Empty(t, rec.waits)
	assert.Zero(t, step.calls)
}

func TestRun_HangIsRetried(t *testing.T) {
	tk, _, _ := newTestTask(t, "echo started\nsleep 30\n")
	start := time.Now()
	res, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 0, StallTimeout: 100 * time.Millisecond})
	require.Error(t, err)
	var re *RetriesExhaustedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, supervisor.Hang, re.Last)
	assert.Equal(t, supervisor.Hang, res.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	tk, _, _ := newTestTask(t, "echo 'Socket closed'\nexit 1\n")
	ctx, cancel := context.WithCancel(context.Background())
	tk.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	res, err := tk.Run(ctx, "137", RunOptions{MaxRetry: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, res.Attempts)
}

func TestRun_CancelDuringSupervision(t *testing.T) {
	tk, _, _ := newTestTask(t, "sleep 30\n")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tk.Run(ctx, "137", RunOptions{MaxRetry: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_StopBackoffEndsRetries(t *testing.T) {
	tk, _, _ := newTestTask(t, "echo 'Socket closed'\nexit 1\n")
	tk.Backoff = &backoff.StopBackOff{}
	_, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 5})
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
}

func TestRun_EmitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tk, _, _ := newTestTask(t, flakyScript, &seqStep{seq: 1})
	_, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 3})
	require.NoError(t, err)

	var root tracetest.SpanStub
	var steps []tracetest.SpanStub
	for _, s := range exp.GetSpans() {
		switch s.Name {
		case "trainloop.task":
			root = s
		case "pipeline.step":
			steps = append(steps, s)
		}
	}
	require.Equal(t, "trainloop.task", root.Name)
	require.Len(t, steps, 1)
	assert.Equal(t, root.SpanContext.SpanID(), steps[0].Parent.SpanID())

	var events []string
	for _, e := range root.Events {
		events = append(events, e.Name)
	}
	assert.Equal(t, []string{
		"attempt.started", "attempt.outcome", "task.retrying",
		"attempt.started", "attempt.outcome", "task.retrying",
		"attempt.started", "attempt.outcome", "task.completed",
	}, events)
}

func TestSync_RunsPipelineOnExistingLog(t *testing.T) {
	step := &seqStep{seq: 4}
	tk, out, _ := newTestTask(t, "", step)
	logFile := filepath.Join(t.TempDir(), "old.log")
	require.NoError(t, os.WriteFile(logFile, []byte("Start training\n"), 0o644))

	seq, err := tk.Sync(context.Background(), "137", logFile)
	require.NoError(t, err)
	assert.Equal(t, 4, seq)
	assert.Equal(t, "137-4\n", out.String())
	assert.Equal(t, "Start training\n", step.sawLog)

	_, err = tk.Sync(context.Background(), "137", filepath.Join(t.TempDir(), "missing.log"))
	assert.True(t, errors.Is(err, ErrPrecondition))
}

type rejectStep struct{}

func (rejectStep) Name() string       { return "reject" }
func (rejectStep) Requires() []string { return []string{pipeline.KeyLogFile} }
func (rejectStep) Produces() []string { return nil }
func (rejectStep) Transform(_ context.Context, pc pipeline.Context) error {
	p, err := pc.String(pipeline.KeyLogFile)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	return errors.Wrap(&logparse.ParseError{Reason: "no epochs", Log: string(b)}, "parse log")
}

func TestRun_ParseErrorPrintsLog(t *testing.T) {
	tk, out, _ := newTestTask(t, "echo 'Start training'\necho 'loss went missing'\n", rejectStep{})

	_, err := tk.Run(context.Background(), "137", RunOptions{MaxRetry: 1, LogFile: "train.log"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, logparse.ErrParse))
	assert.Contains(t, out.String(), "loss went missing")
	assert.NotContains(t, out.String(), "137-")
}

func TestSync_ParseErrorPrintsLog(t *testing.T) {
	tk, out, _ := newTestTask(t, "", rejectStep{})
	logFile := filepath.Join(t.TempDir(), "old.log")
	require.NoError(t, os.WriteFile(logFile, []byte("half a log\n"), 0o644))

	_, err := tk.Sync(context.Background(), "137", logFile)
	require.Error(t, err)
	assert.Equal(t, "half a log\n\n", out.String())
}

func TestFetchCode(t *testing.T) {
	repoRoot := t.TempDir()
	repo := &artifact.LocalRepository{Root: repoRoot, Folder: "cifar"}
	require.NoError(t, repo.Push(context.Background(), "code/137.py", "echo hi\n"))

	tk, _, _ := newTestTask(t, "")
	tk.WorkDir = filepath.Join(tk.WorkDir, "fresh")
	tk.Repo = repo

	p, err := tk.FetchCode(context.Background(), "137")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tk.WorkDir, "137.py"), p)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(b))

	_, err = tk.FetchCode(context.Background(), "138")
	assert.True(t, errors.Is(err, artifact.ErrNotFound))

	_, err = tk.FetchCode(context.Background(), "../x")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid task id"))
}
