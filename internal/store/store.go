// internal/store/store.go
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aidenlabs/aiden/internal/protocol"
)

// Store wraps the SQLite database holding detected errors and their AI
// solutions, linked by the error's generated id.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS errors (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		severity TEXT NOT NULL,
		error_line TEXT NOT NULL,
		pattern_id TEXT NOT NULL,
		context TEXT NOT NULL,
		dismissed INTEGER DEFAULT 0,
		created_at TEXT DEFAULT (datetime('now'))
	);
	CREATE TABLE IF NOT EXISTS solutions (
		error_id TEXT PRIMARY KEY REFERENCES errors(id),
		root_cause TEXT NOT NULL,
		impact TEXT NOT NULL,
		solution TEXT NOT NULL,
		prevention TEXT NOT NULL,
		failed INTEGER DEFAULT 0,
		created_at TEXT DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_errors_device ON errors(device_id);
	CREATE INDEX IF NOT EXISTS idx_errors_timestamp ON errors(timestamp);
	CREATE INDEX IF NOT EXISTS idx_errors_severity ON errors(severity);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertError stores a detected error.
func (s *Store) InsertError(ev protocol.ErrorEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO errors (id, device_id, timestamp, severity, error_line, pattern_id, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.DeviceID, ev.Timestamp.Format(time.RFC3339), string(ev.Severity),
		ev.ErrorLine, ev.PatternID, ev.Context)
	return err
}

// InsertSolution stores the AI analysis for an error. A second analysis for
// the same error replaces the first (retry after a failed attempt).
func (s *Store) InsertSolution(sol protocol.Solution) error {
	failed := 0
	if sol.Failed {
		failed = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO solutions (error_id, root_cause, impact, solution, prevention, failed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(error_id) DO UPDATE SET
			root_cause = excluded.root_cause,
			impact = excluded.impact,
			solution = excluded.solution,
			prevention = excluded.prevention,
			failed = excluded.failed
	`, sol.ErrorID, sol.RootCause, sol.Impact, sol.Solution, sol.Prevention, failed)
	return err
}

// Dismiss hides an error from the active dashboard view. It stays queryable
// in history.
func (s *Store) Dismiss(errorID string) error {
	res, err := s.db.Exec(`UPDATE errors SET dismissed = 1 WHERE id = ?`, errorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Filter narrows error listings. Zero values mean "no filter".
type Filter struct {
	DeviceID  string
	Severity  protocol.Severity
	Dismissed *bool // nil: both; false: active only; true: dismissed only
}

// ListErrors returns one page of errors with their solutions, newest first,
// plus the total row count for pagination.
func (s *Store) ListErrors(page, perPage int, f Filter) ([]protocol.ErrorWithSolution, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	var where []string
	var args []any
	if f.DeviceID != "" {
		where = append(where, "e.device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Severity != "" {
		where = append(where, "e.severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Dismissed != nil {
		where = append(where, "e.dismissed = ?")
		if *f.Dismissed {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM errors e %s", whereSQL)
	if err := s.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	querySQL := fmt.Sprintf(`
		SELECT e.id, e.device_id, e.timestamp, e.severity, e.error_line,
		       e.pattern_id, e.context, e.dismissed, e.created_at,
		       s.root_cause, s.impact, s.solution, s.prevention, s.failed, s.created_at
		FROM errors e
		LEFT JOIN solutions s ON s.error_id = e.id
		%s
		ORDER BY e.timestamp DESC, e.created_at DESC
		LIMIT ? OFFSET ?
	`, whereSQL)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.Query(querySQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results, err := scanErrors(rows)
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

// GetError returns one error with its solution, or sql.ErrNoRows.
func (s *Store) GetError(id string) (protocol.ErrorWithSolution, error) {
	rows, err := s.db.Query(`
		SELECT e.id, e.device_id, e.timestamp, e.severity, e.error_line,
		       e.pattern_id, e.context, e.dismissed, e.created_at,
		       s.root_cause, s.impact, s.solution, s.prevention, s.failed, s.created_at
		FROM errors e
		LEFT JOIN solutions s ON s.error_id = e.id
		WHERE e.id = ?
	`, id)
	if err != nil {
		return protocol.ErrorWithSolution{}, err
	}
	defer rows.Close()

	results, err := scanErrors(rows)
	if err != nil {
		return protocol.ErrorWithSolution{}, err
	}
	if len(results) == 0 {
		return protocol.ErrorWithSolution{}, sql.ErrNoRows
	}
	return results[0], nil
}

// Devices returns every device that has produced errors, with counts.
func (s *Store) Devices() ([]protocol.DeviceSummary, error) {
	rows, err := s.db.Query(`
		SELECT device_id, COUNT(*), MAX(timestamp)
		FROM errors
		GROUP BY device_id
		ORDER BY MAX(timestamp) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []protocol.DeviceSummary
	for rows.Next() {
		var d protocol.DeviceSummary
		var tsStr string
		if err := rows.Scan(&d.DeviceID, &d.ErrorCount, &tsStr); err != nil {
			return nil, err
		}
		d.LastError, _ = time.Parse(time.RFC3339, tsStr)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func scanErrors(rows *sql.Rows) ([]protocol.ErrorWithSolution, error) {
	var results []protocol.ErrorWithSolution
	for rows.Next() {
		var e protocol.StoredError
		var tsStr, createdStr string
		var dismissed int
		var rootCause, impact, solution, prevention, solCreated sql.NullString
		var failed sql.NullInt64

		err := rows.Scan(&e.ID, &e.DeviceID, &tsStr, &e.Severity, &e.ErrorLine,
			&e.PatternID, &e.Context, &dismissed, &createdStr,
			&rootCause, &impact, &solution, &prevention, &failed, &solCreated)
		if err != nil {
			return nil, err
		}

		e.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdStr)
		e.Dismissed = dismissed != 0

		item := protocol.ErrorWithSolution{Error: e}
		if rootCause.Valid {
			sol := &protocol.Solution{
				ErrorID:    e.ID,
				RootCause:  rootCause.String,
				Impact:     impact.String,
				Solution:   solution.String,
				Prevention: prevention.String,
				Failed:     failed.Valid && failed.Int64 != 0,
			}
			if solCreated.Valid {
				sol.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", solCreated.String)
			}
			item.Solution = sol
		}
		results = append(results, item)
	}
	return results, rows.Err()
}
