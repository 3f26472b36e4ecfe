package steps

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/throw-if-null/trainloop/internal/artifact"
	"github.com/throw-if-null/trainloop/internal/logging"
	"github.com/throw-if-null/trainloop/internal/paths"
	"github.com/throw-if-null/trainloop/internal/pipeline"
)

// PushLog uploads the log to log/<name>.log of the artifact repository.
// Remote failures are retried MaxRetries times, Interval apart.
type PushLog struct {
	Repo       artifact.Repository
	MaxRetries int
	Interval   time.Duration
	Logger     logrus.FieldLogger
}

func (s *PushLog) Name() string       { return "push_log" }
func (s *PushLog) Requires() []string { return []string{pipeline.KeyLogFile} }
func (s *PushLog) Produces() []string { return nil }

func (s *PushLog) Transform(ctx context.Context, pc pipeline.Context) error {
	logFile, err := pc.String(pipeline.KeyLogFile)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(logFile)
	if err != nil {
		return errors.Wrap(err, "read log")
	}
	remote := paths.RemoteLogPath(logStem(logFile))
	log := logging.OrDiscard(s.Logger).WithField("path", remote)

	attempt := 0
	op := func() error {
		attempt++
		err := s.Repo.Push(ctx, remote, string(b))
		if err == nil {
			return nil
		}
		var re *artifact.RemoteError
		if !errors.As(err, &re) {
			return backoff.Permanent(err)
		}
		log.WithError(err).WithField("attempt", attempt).Warn("push failed")
		return err
	}

	retries := s.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.Interval), uint64(retries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return errors.Wrapf(err, "push %s after %d attempts", remote, attempt)
	}
	log.WithField("attempt", attempt).Info("log pushed")
	return nil
}
