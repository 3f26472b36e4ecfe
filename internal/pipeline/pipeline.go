// Package pipeline runs an ordered chain of post-processing steps over a
// shared Context. Every step declares the keys it reads and writes; the chain
// is checked before the first step runs so a malformed pipeline fails before
// any side effect happens.
//
// Steps run strictly in order and a failing step aborts the rest. Side effects
// of steps that already ran are not rolled back.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/trainloop/internal/logging"
)

// Step is one unit of post-processing.
type Step interface {
	Name() string
	// Requires lists keys that must be in the context before Transform runs.
	Requires() []string
	// Produces lists keys Transform adds or replaces.
	Produces() []string
	Transform(ctx context.Context, pc Context) error
}

var (
	ErrMissingKey = errors.New("missing context key")
	ErrStepFailed = errors.New("pipeline step failed")
)

// MissingKeyError names the first unmet requirement found by Validate.
// Index is -1 when raised by a context getter outside validation.
type MissingKeyError struct {
	Step  string
	Index int
	Key   string
}

func (e *MissingKeyError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %q", ErrMissingKey, e.Key)
	}
	return fmt.Sprintf("%s: step %d (%s) requires %q", ErrMissingKey, e.Index, e.Step, e.Key)
}

func (e *MissingKeyError) Unwrap() error { return ErrMissingKey }

// StepError wraps the error of the step that aborted an execution.
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStepFailed) match without hiding the cause.
func (e *StepError) Is(target error) bool { return target == ErrStepFailed }

// Validate simulates key availability through steps in order, starting from
// seed. It returns a *MissingKeyError for the first step whose requirement is
// not produced by the seed or an earlier step.
func Validate(steps []Step, seed []string) error {
	avail := make(map[string]struct{}, len(seed))
	for _, k := range seed {
		avail[k] = struct{}{}
	}
	for i, s := range steps {
		if s == nil {
			return errors.Errorf("pipeline: step %d is nil", i)
		}
		for _, k := range s.Requires() {
			if _, ok := avail[k]; !ok {
				return &MissingKeyError{Step: s.Name(), Index: i, Key: k}
			}
		}
		for _, k := range s.Produces() {
			avail[k] = struct{}{}
		}
	}
	return nil
}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	Steps  []Step
	Logger logrus.FieldLogger
}

// New returns a pipeline running steps in the given order.
func New(logger logrus.FieldLogger, steps ...Step) *Pipeline {
	return &Pipeline{Steps: steps, Logger: logger}
}

// Validate checks the pipeline against the given seed keys.
func (p *Pipeline) Validate(seed []string) error {
	return Validate(p.Steps, seed)
}

// Names returns the step names in order.
func (p *Pipeline) Names() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Name())
	}
	return out
}

// Execute validates the pipeline against the keys already in pc and then runs
// every step in order. The first failing step aborts the run with a
// *StepError.
func (p *Pipeline) Execute(ctx context.Context, pc Context) error {
	if err := p.Validate(pc.Keys()); err != nil {
		return err
	}
	log := logging.OrDiscard(p.Logger)
	tr := otel.Tracer("trainloop/pipeline")

	for i, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.Name(), Index: i, Err: err}
		}
		stepCtx, span := tr.Start(ctx, "pipeline.step", trace.WithAttributes(
			attribute.String("step.name", s.Name()),
			attribute.Int("step.index", i),
		))
		start := time.Now()
		err := s.Transform(stepCtx, pc)
		fields := logrus.Fields{"step": s.Name(), "index": i, "duration": time.Since(start).Round(time.Millisecond)}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			log.WithFields(fields).WithError(err).Error("step failed")
			return &StepError{Step: s.Name(), Index: i, Err: err}
		}
		span.SetStatus(codes.Ok, "")
		span.End()
		log.WithFields(fields).Debug("step done")
	}
	return nil
}
