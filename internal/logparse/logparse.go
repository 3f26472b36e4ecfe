// Package logparse turns training logs into the formatted metric strings
// recorded for a run.
package logparse

import (
	"fmt"

	"github.com/pkg/errors"
)

// Parser maps raw log text to an ordered list of formatted metrics.
type Parser interface {
	Parse(text string) ([]string, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(text string) ([]string, error)

func (f ParserFunc) Parse(text string) ([]string, error) { return f(text) }

var ErrParse = errors.New("parse log")

// ParseError reports a log that lacks the expected markers. Log holds the raw
// text so callers can show it to the operator.
type ParseError struct {
	Reason string
	Log    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrParse, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

func parseErrorf(log, format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...), Log: log}
}
