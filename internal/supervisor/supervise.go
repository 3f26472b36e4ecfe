package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/throw-if-null/trainloop/internal/logging"
)

// Options controls Supervise.
type Options struct {
	// LogFile is the file the child writes to; it is polled for activity and
	// read for classification on nonzero exit.
	LogFile string
	// PollInterval is how often liveness and log activity are checked.
	// Defaults to 1s.
	PollInterval time.Duration
	// StallTimeout enables hang detection when positive: two consecutive
	// windows of this length without log activity kill the child.
	StallTimeout time.Duration
	Classifier   Classifier
	Logger       logrus.FieldLogger
}

// Result is the terminal condition of one supervised run.
type Result struct {
	Outcome  Outcome
	ExitCode int
	// Log holds the log content for nonzero exits; empty otherwise.
	Log string
}

// stallWindows is the number of consecutive idle windows that mark a hang.
const stallWindows = 2

type logMark struct {
	mtime time.Time
	size  int64
}

func statLog(path string) logMark {
	fi, err := os.Stat(path)
	if err != nil {
		return logMark{}
	}
	return logMark{mtime: fi.ModTime(), size: fi.Size()}
}

// Supervise blocks until p exits, hangs, or ctx is done. On ctx cancellation
// the child's process group is killed before ctx.Err() is returned.
func Supervise(ctx context.Context, p *Process, opts Options) (Result, error) {
	log := logging.OrDiscard(opts.Logger)
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last := statLog(opts.LogFile)
	windowStart := p.StartedAt()
	idle := 0

	for {
		select {
		case <-ctx.Done():
			log.WithField("pid", p.Pid()).Warn("interrupted, killing task process")
			if err := p.Kill(); err != nil {
				log.WithError(err).Error("kill task process")
			}
			return Result{Outcome: FatalError, ExitCode: p.ExitCode()}, ctx.Err()
		case <-p.Done():
			return exitResult(p, opts)
		case now := <-ticker.C:
			if opts.StallTimeout <= 0 || now.Sub(windowStart) < opts.StallTimeout {
				continue
			}
			windowStart = now
			cur := statLog(opts.LogFile)
			if cur != last {
				last = cur
				idle = 0
				continue
			}
			idle++
			log.WithFields(logrus.Fields{"idle_windows": idle, "stall_timeout": opts.StallTimeout}).Debug("no log activity")
			if idle < stallWindows {
				continue
			}
			log.WithField("pid", p.Pid()).Warn("log stalled, killing task process")
			if err := p.Kill(); err != nil {
				return Result{Outcome: Hang, ExitCode: -1}, errors.Wrap(err, "kill stalled process")
			}
			return Result{Outcome: Hang, ExitCode: p.ExitCode()}, nil
		}
	}
}

func exitResult(p *Process, opts Options) (Result, error) {
	code := p.ExitCode()
	if code == 0 {
		return Result{Outcome: Success}, nil
	}
	b, err := os.ReadFile(opts.LogFile)
	if err != nil {
		// an unreadable log cannot be classified as retryable
		return Result{Outcome: FatalError, ExitCode: code}, nil
	}
	text := string(b)
	return Result{Outcome: opts.Classifier.Classify(text), ExitCode: code, Log: text}, nil
}
