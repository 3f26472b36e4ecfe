package sheets

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps cells in a local sqlite database. It only understands
// single-cell ranges ("K12"), which is all AppendResult produces.
type SQLiteStore struct {
	db *sql.DB
}

var cellRe = regexp.MustCompile(`^[A-Z]{1,3}[1-9][0-9]*$`)

// ErrUnsupportedRange is returned for multi-cell or malformed ranges.
var ErrUnsupportedRange = errors.New("unsupported cell range")

// OpenSQLite opens (creating if needed) the database at path and runs
// migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "ensure db dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	s := NewSQLiteStore(db)
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Init runs migrations using PRAGMA user_version.
func (s *SQLiteStore) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS cells (
  sheet TEXT NOT NULL,
  cell TEXT NOT NULL,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (sheet, cell)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

func normalizeCell(r string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(r))
	if !cellRe.MatchString(c) {
		return "", errors.Wrapf(ErrUnsupportedRange, "%q", r)
	}
	return c, nil
}

func (s *SQLiteStore) ReadRanges(ctx context.Context, sheet string, ranges []string) ([][]string, error) {
	out := make([][]string, len(ranges))
	for i, r := range ranges {
		cell, err := normalizeCell(r)
		if err != nil {
			return nil, err
		}
		var v string
		err = s.db.QueryRowContext(ctx, `SELECT value FROM cells WHERE sheet = ? AND cell = ?`, sheet, cell).Scan(&v)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out[i] = []string{}
		case err != nil:
			return nil, err
		default:
			out[i] = []string{v}
		}
	}
	return out, nil
}

func (s *SQLiteStore) UpdateRanges(ctx context.Context, sheet string, ranges []string, values [][]string) error {
	if len(ranges) != len(values) {
		return ErrLengthMismatch
	}
	cells := make([]string, len(ranges))
	for i, r := range ranges {
		c, err := normalizeCell(r)
		if err != nil {
			return err
		}
		if len(values[i]) > 1 {
			return errors.Wrapf(ErrUnsupportedRange, "%d values for single cell %s", len(values[i]), c)
		}
		cells[i] = c
	}

	return retryBusy(ctx, busyBackOff(), func() error {
		return s.updateTx(ctx, sheet, cells, values)
	})
}

// busyBackOff allows five attempts, starting 10ms apart.
func busyBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return backoff.WithMaxRetries(b, 4)
}

// retryBusy repeats op while sqlite reports the database as locked. Any other
// error ends the loop at once.
func retryBusy(ctx context.Context, b backoff.BackOff, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isSqliteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (s *SQLiteStore) updateTx(ctx context.Context, sheet string, cells []string, values [][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, c := range cells {
		if len(values[i]) == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cells WHERE sheet = ? AND cell = ?`, sheet, c); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cells (sheet, cell, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(sheet, cell) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			sheet, c, values[i][0], now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
