// Package sheets records run results in a spreadsheet-like store addressed by
// A1 cell ranges. Each task owns one row; each metric owns one column.
package sheets

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// UpdateMode selects how a new value is combined with a cell's history.
type UpdateMode string

const (
	// Append joins the new value onto the newline-separated history.
	Append UpdateMode = "A"
	// Overwrite replaces the cell.
	Overwrite UpdateMode = "W"
)

var (
	ErrLengthMismatch = errors.New("columns, values and modes differ in length")
	ErrInvalidMode    = errors.New("invalid update mode")
)

// ParseModes converts mode letters ("A", "W") to UpdateModes.
func ParseModes(letters []string) ([]UpdateMode, error) {
	out := make([]UpdateMode, 0, len(letters))
	for _, l := range letters {
		m := UpdateMode(strings.ToUpper(strings.TrimSpace(l)))
		if m != Append && m != Overwrite {
			return nil, errors.Wrapf(ErrInvalidMode, "%q", l)
		}
		out = append(out, m)
	}
	return out, nil
}

// Store reads and writes cell ranges of one sheet tab. Both calls work on
// parallel slices: values[i] belongs to ranges[i]. A range with no value reads
// back as an empty slice.
type Store interface {
	ReadRanges(ctx context.Context, sheet string, ranges []string) ([][]string, error)
	UpdateRanges(ctx context.Context, sheet string, ranges []string, values [][]string) error
}

// MergeResults combines existing cell values with new values according to
// modes. An empty existing cell has no history, so both modes store the new
// value as is.
func MergeResults(existing [][]string, values []string, modes []UpdateMode) ([][]string, error) {
	if len(existing) != len(values) || len(values) != len(modes) {
		return nil, ErrLengthMismatch
	}
	out := make([][]string, len(values))
	for i, v := range values {
		prev := ""
		if len(existing[i]) > 0 {
			prev = existing[i][0]
		}
		switch modes[i] {
		case Overwrite:
			out[i] = []string{v}
		case Append:
			if prev == "" {
				out[i] = []string{v}
			} else {
				out[i] = []string{prev + "\n" + v}
			}
		default:
			return nil, errors.Wrapf(ErrInvalidMode, "%q", modes[i])
		}
	}
	return out, nil
}

// Sequence returns the number of entries in the first Append-mode cell of
// merged, or 1 when no column appends.
func Sequence(merged [][]string, modes []UpdateMode) int {
	for i, m := range modes {
		if m != Append {
			continue
		}
		if len(merged[i]) == 0 {
			return 1
		}
		return len(strings.Split(merged[i][0], "\n"))
	}
	return 1
}

// CellRanges turns column letters into single-cell A1 ranges on row.
func CellRanges(row int, columns []string) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = fmt.Sprintf("%s%d", strings.ToUpper(c), row)
	}
	return out
}

// AppendResult merges values into row of sheet and returns the sequence
// number of this result: the history length of the first Append column.
func AppendResult(ctx context.Context, s Store, sheet string, row int, columns []string, values []string, modes []UpdateMode) (int, error) {
	if len(columns) != len(values) || len(values) != len(modes) {
		return 0, ErrLengthMismatch
	}
	ranges := CellRanges(row, columns)
	existing, err := s.ReadRanges(ctx, sheet, ranges)
	if err != nil {
		return 0, errors.Wrap(err, "read result row")
	}
	if len(existing) != len(ranges) {
		return 0, errors.Errorf("read result row: got %d ranges, want %d", len(existing), len(ranges))
	}
	merged, err := MergeResults(existing, values, modes)
	if err != nil {
		return 0, err
	}
	if err := s.UpdateRanges(ctx, sheet, ranges, merged); err != nil {
		return 0, errors.Wrap(err, "update result row")
	}
	return Sequence(merged, modes), nil
}
