// Package steps holds the post-processing steps run after a successful
// training run: trim the log, parse it, look up the dependency commit,
// record the result, archive the log and push it upstream.
package steps

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/throw-if-null/trainloop/internal/logging"
	"github.com/throw-if-null/trainloop/internal/logparse"
	"github.com/throw-if-null/trainloop/internal/paths"
	"github.com/throw-if-null/trainloop/internal/pipeline"
	"github.com/throw-if-null/trainloop/internal/sheets"
	"github.com/throw-if-null/trainloop/internal/vcs"
)

// StartMarker is the log line where training output begins.
const StartMarker = "Start training"

// TrimLog drops everything before the first line containing Marker. A log
// without the marker is left unchanged.
type TrimLog struct {
	Marker string
	Logger logrus.FieldLogger
}

func (s *TrimLog) Name() string       { return "trim_log" }
func (s *TrimLog) Requires() []string { return []string{pipeline.KeyLogFile} }
func (s *TrimLog) Produces() []string { return nil }

func (s *TrimLog) Transform(_ context.Context, pc pipeline.Context) error {
	logFile, err := pc.String(pipeline.KeyLogFile)
	if err != nil {
		return err
	}
	marker := s.Marker
	if marker == "" {
		marker = StartMarker
	}
	b, err := os.ReadFile(logFile)
	if err != nil {
		return errors.Wrap(err, "read log")
	}
	trimmed, ok := TrimBefore(b, marker)
	if !ok {
		logging.OrDiscard(s.Logger).WithField("path", logFile).Warnf("marker %q not found, log kept as is", marker)
		return nil
	}
	if len(trimmed) == len(b) {
		return nil
	}
	return errors.Wrap(os.WriteFile(logFile, trimmed, 0o644), "write trimmed log")
}

// TrimBefore returns b starting at the first line containing marker.
func TrimBefore(b []byte, marker string) ([]byte, bool) {
	m := []byte(marker)
	off := 0
	for off < len(b) {
		end := bytes.IndexByte(b[off:], '\n')
		line := b[off:]
		if end >= 0 {
			line = b[off : off+end]
		}
		if bytes.Contains(line, m) {
			return b[off:], true
		}
		if end < 0 {
			break
		}
		off += end + 1
	}
	return b, false
}

// ParseLog parses the log into the metrics to record.
type ParseLog struct {
	Parser logparse.Parser
}

func (s *ParseLog) Name() string       { return "parse_log" }
func (s *ParseLog) Requires() []string { return []string{pipeline.KeyLogFile} }
func (s *ParseLog) Produces() []string { return []string{pipeline.KeyParseResult} }

func (s *ParseLog) Transform(_ context.Context, pc pipeline.Context) error {
	logFile, err := pc.String(pipeline.KeyLogFile)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(logFile)
	if err != nil {
		return errors.Wrap(err, "read log")
	}
	text := string(b)
	res, err := s.Parser.Parse(text)
	if err != nil {
		var pe *logparse.ParseError
		if errors.As(err, &pe) {
			if pe.Log == "" {
				pe.Log = text
			}
			return err
		}
		return &logparse.ParseError{Reason: err.Error(), Log: text}
	}
	pc[pipeline.KeyParseResult] = res
	return nil
}

// DependencyCommit records the short commit of the dependency checkout.
type DependencyCommit struct {
	RepoPath string
	Git      vcs.GitRunner
}

func (s *DependencyCommit) Name() string       { return "dependency_commit" }
func (s *DependencyCommit) Requires() []string { return nil }
func (s *DependencyCommit) Produces() []string { return []string{pipeline.KeyRepoCommit} }

func (s *DependencyCommit) Transform(ctx context.Context, pc pipeline.Context) error {
	sha, err := vcs.ShortCommit(ctx, s.Git, s.RepoPath)
	if err != nil {
		return err
	}
	pc[pipeline.KeyRepoCommit] = sha
	return nil
}

// UpdateSheet appends the parsed metrics to the task's row. With a
// CommitColumn the dependency commit is appended after the metrics.
type UpdateSheet struct {
	Store        sheets.Store
	Sheet        string
	Columns      []string
	Modes        []sheets.UpdateMode
	CommitColumn string
}

func (s *UpdateSheet) Name() string { return "update_sheet" }

func (s *UpdateSheet) Requires() []string {
	r := []string{pipeline.KeyTaskID, pipeline.KeyParseResult}
	if s.CommitColumn != "" {
		r = append(r, pipeline.KeyRepoCommit)
	}
	return r
}

func (s *UpdateSheet) Produces() []string { return []string{pipeline.KeySheetSeq} }

func (s *UpdateSheet) Transform(ctx context.Context, pc pipeline.Context) error {
	taskID, err := pc.String(pipeline.KeyTaskID)
	if err != nil {
		return err
	}
	row, err := strconv.Atoi(taskID)
	if err != nil || row < 1 {
		return errors.Errorf("task id %q is not a sheet row", taskID)
	}
	result, err := pc.Strings(pipeline.KeyParseResult)
	if err != nil {
		return err
	}
	cols := append([]string{}, s.Columns...)
	values := append([]string{}, result...)
	modes := append([]sheets.UpdateMode{}, s.Modes...)
	if s.CommitColumn != "" {
		commit, err := pc.String(pipeline.KeyRepoCommit)
		if err != nil {
			return err
		}
		cols = append(cols, s.CommitColumn)
		values = append(values, commit)
		modes = append(modes, sheets.Append)
	}
	seq, err := sheets.AppendResult(ctx, s.Store, s.Sheet, row, cols, values, modes)
	if err != nil {
		return err
	}
	pc[pipeline.KeySheetSeq] = seq
	return nil
}

// RenameLog copies the log next to itself as "<task>" or "<task>-<seq>" and
// points the context at the copy.
type RenameLog struct {
	SuffixAlways bool
}

func (s *RenameLog) Name() string { return "rename_log" }
func (s *RenameLog) Requires() []string {
	return []string{pipeline.KeyLogFile, pipeline.KeyTaskID, pipeline.KeySheetSeq}
}
func (s *RenameLog) Produces() []string { return []string{pipeline.KeyLogFile} }

func (s *RenameLog) Transform(_ context.Context, pc pipeline.Context) error {
	logFile, err := pc.String(pipeline.KeyLogFile)
	if err != nil {
		return err
	}
	taskID, err := pc.String(pipeline.KeyTaskID)
	if err != nil {
		return err
	}
	seq, err := pc.Int(pipeline.KeySheetSeq)
	if err != nil {
		return err
	}
	name := paths.ArchiveName(taskID, seq, s.SuffixAlways)
	dst := filepath.Join(filepath.Dir(logFile), name+filepath.Ext(logFile))
	if dst != logFile {
		if err := copyFile(logFile, dst); err != nil {
			return err
		}
	}
	pc[pipeline.KeyLogFile] = dst
	return nil
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrap(err, "read log")
	}
	return errors.Wrapf(os.WriteFile(dst, b, 0o644), "write %s", dst)
}

// logStem is the file name without its extension.
func logStem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
