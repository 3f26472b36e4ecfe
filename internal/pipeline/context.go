package pipeline

import (
	"sort"

	"github.com/pkg/errors"
)

// Well-known context keys.
const (
	KeyTaskID      = "task_id"
	KeyLogFile     = "log_file"
	KeyParseResult = "parse_result"
	KeyRepoCommit  = "repo_commit"
	KeySheetSeq    = "sheet_seq"
)

// SeedKeys are present in every context handed to Execute by the task runner.
var SeedKeys = []string{KeyTaskID, KeyLogFile}

// Context is the mutable key/value state shared by the steps of one
// pipeline execution.
type Context map[string]any

// NewContext returns a context seeded with the task id and log file.
func NewContext(taskID, logFile string) Context {
	return Context{KeyTaskID: taskID, KeyLogFile: logFile}
}

// Keys returns the keys currently present, sorted.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ErrWrongType is returned by the typed getters when a key holds a value of
// another type.
var ErrWrongType = errors.New("context value has wrong type")

func (c Context) lookup(key string) (any, error) {
	v, ok := c[key]
	if !ok {
		return nil, &MissingKeyError{Index: -1, Key: key}
	}
	return v, nil
}

func (c Context) String(key string) (string, error) {
	v, err := c.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Wrapf(ErrWrongType, "%s: %T", key, v)
	}
	return s, nil
}

func (c Context) Strings(key string) ([]string, error) {
	v, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	s, ok := v.([]string)
	if !ok {
		return nil, errors.Wrapf(ErrWrongType, "%s: %T", key, v)
	}
	return s, nil
}

func (c Context) Int(key string) (int, error) {
	v, err := c.lookup(key)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int)
	if !ok {
		return 0, errors.Wrapf(ErrWrongType, "%s: %T", key, v)
	}
	return i, nil
}
