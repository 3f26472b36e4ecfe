package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidTaskID returned when task id fails validation
	ErrInvalidTaskID = errors.New("invalid task id")
)

const maxTaskIDLen = 64

// MaxTaskIDLen returns the maximum allowed task id length.
func MaxTaskIDLen() int { return maxTaskIDLen }

var taskIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxTaskIDLen) + `}$`)

// ValidateTaskID returns nil for allowed task ids, or ErrInvalidTaskID.
// Task ids name files in the work dir and in the artifact repository, so the
// rules keep them to a single path element:
// - Only ASCII letters, digits, dot, underscore and dash.
// - Max length is 64.
// - No ".." substring.
func ValidateTaskID(id string) error {
	if id == "" {
		return errors.Wrap(ErrInvalidTaskID, "empty task id")
	}
	if len(id) > maxTaskIDLen {
		return errors.Wrap(ErrInvalidTaskID, "task id too long")
	}
	if strings.Contains(id, "..") {
		return errors.Wrap(ErrInvalidTaskID, "task id contains disallowed '..'")
	}
	if !taskIDRe.MatchString(id) {
		return errors.Wrap(ErrInvalidTaskID, "task id contains invalid characters")
	}
	return nil
}

// ScriptFile returns the path of the fetched training script for a task
// (e.g. "<workDir>/137.py").
func ScriptFile(workDir, taskID string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(workDir, taskID+".py"), nil
}

// LogFile resolves the run log path. An empty name means "<taskID>.log";
// relative names are placed inside workDir.
func LogFile(workDir, taskID, name string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	if name == "" {
		name = taskID + ".log"
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name), nil
	}
	return SafeJoin(workDir, name)
}

// ArchiveName returns the archived log name (without extension) for a run.
// The first result of a task keeps the bare task id unless suffixAlways is set.
func ArchiveName(taskID string, seq int, suffixAlways bool) string {
	if seq == 1 && !suffixAlways {
		return taskID
	}
	return fmt.Sprintf("%s-%d", taskID, seq)
}

// RemoteLogPath returns the repository path an archived log is pushed to.
func RemoteLogPath(name string) string {
	return "log/" + name + ".log"
}

// RemoteCodePath returns the repository path of a task's training script.
func RemoteCodePath(taskID string) string {
	return "code/" + taskID + ".py"
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", errors.New("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", errors.Errorf("relative path expected, got absolute: %s", rel)
	}
	cleaned := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", errors.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
