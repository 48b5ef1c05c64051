package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    page_id TEXT NOT NULL DEFAULT '',
    variants TEXT NOT NULL,
    traffic_split TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    start_date INTEGER,
    end_date INTEGER,
    conversion_goal TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);
CREATE INDEX IF NOT EXISTS idx_tests_page ON tests(page_id);

CREATE TABLE IF NOT EXISTS assignments (
    test_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    assigned_at INTEGER NOT NULL,
    PRIMARY KEY (test_id, session_id)
);

CREATE TABLE IF NOT EXISTS variant_metrics (
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    visitors INTEGER NOT NULL DEFAULT 0,
    conversions INTEGER NOT NULL DEFAULT 0,
    conversion_value REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (test_id, variant_id)
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    test_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    value REAL,
    metadata TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_test ON events(test_id, created_at);
`

const (
	eventAssignment = "assignment"
	eventConversion = "conversion"
)

const testColumns = `id, name, description, page_id, variants, traffic_split, status,
	start_date, end_date, conversion_goal, created_at, updated_at`

func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps transactions from
	// failing with SQLITE_BUSY under concurrent assignment.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateTest(ctx context.Context, test *Test) error {
	variantsJSON, splitJSON, err := encodeTest(test)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tests (`+testColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		test.ID, test.Name, test.Description, test.PageID, variantsJSON, splitJSON, string(test.Status),
		nullableTime(test.StartDate), nullableTime(test.EndDate), test.ConversionGoal,
		test.CreatedAt.Unix(), test.UpdatedAt.Unix(),
	)
	if err != nil {
		if isConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert test: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id = ?`, id)

	test, err := scanTest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	return test, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context, opts ListOptions) ([]*Test, error) {
	query := `SELECT ` + testColumns + ` FROM tests`
	var (
		where []string
		args  []any
	)
	if !opts.IncludeArchived {
		where = append(where, "status != ?")
		args = append(args, string(StatusArchived))
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, test)
	}

	return tests, rows.Err()
}

func (s *SQLiteStore) UpdateTest(ctx context.Context, test *Test, expected Status) error {
	variantsJSON, splitJSON, err := encodeTest(test)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tests SET name = ?, description = ?, page_id = ?, variants = ?, traffic_split = ?,
		 status = ?, start_date = ?, end_date = ?, conversion_goal = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		test.Name, test.Description, test.PageID, variantsJSON, splitJSON, string(test.Status),
		nullableTime(test.StartDate), nullableTime(test.EndDate), test.ConversionGoal,
		test.UpdatedAt.Unix(), test.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update test: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tests WHERE id = ?`, test.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check test: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	return nil
}

func (s *SQLiteStore) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// First delete related rows
	for _, table := range []string{"events", "variant_metrics", "assignments"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE test_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, testID, sessionID string) (*Assignment, error) {
	return getAssignment(ctx, s.db, testID, sessionID)
}

func (s *SQLiteStore) AssignIfAbsent(ctx context.Context, testID, sessionID, variantID string) (*Assignment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	// The primary key on (test_id, session_id) makes this the insert-if-absent
	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (test_id, session_id, variant_id, assigned_at)
		 VALUES (?, ?, ?, ?)`,
		testID, sessionID, variantID, now.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert assignment: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if inserted == 0 {
		existing, err := getAssignment(ctx, tx, testID, sessionID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO variant_metrics (test_id, variant_id, visitors) VALUES (?, ?, 1)
		 ON CONFLICT (test_id, variant_id) DO UPDATE SET visitors = visitors + 1`,
		testID, variantID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to increment visitors: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (test_id, variant_id, session_id, event_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		testID, variantID, sessionID, eventAssignment, now.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record assignment event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit assignment: %w", err)
	}

	return &Assignment{
		TestID:     testID,
		SessionID:  sessionID,
		VariantID:  variantID,
		AssignedAt: time.Unix(now.Unix(), 0),
	}, true, nil
}

func (s *SQLiteStore) RecordConversion(ctx context.Context, c Conversion) (string, error) {
	var metadataJSON sql.NullString
	if len(c.Metadata) > 0 {
		b, err := json.Marshal(c.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	assignment, err := getAssignment(ctx, tx, c.TestID, c.SessionID)
	if errors.Is(err, ErrNotFound) {
		return "", ErrAssignmentNotFound
	}
	if err != nil {
		return "", err
	}

	value := 0.0
	var eventValue sql.NullFloat64
	if c.Value != nil {
		value = *c.Value
		eventValue = sql.NullFloat64{Float64: value, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO variant_metrics (test_id, variant_id, conversions, conversion_value) VALUES (?, ?, 1, ?)
		 ON CONFLICT (test_id, variant_id) DO UPDATE SET
		   conversions = conversions + 1,
		   conversion_value = conversion_value + excluded.conversion_value`,
		c.TestID, assignment.VariantID, value,
	)
	if err != nil {
		return "", fmt.Errorf("failed to increment conversions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (test_id, variant_id, session_id, event_type, value, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.TestID, assignment.VariantID, c.SessionID, eventConversion, eventValue, metadataJSON, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record conversion event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit conversion: %w", err)
	}

	return assignment.VariantID, nil
}

func (s *SQLiteStore) GetVariantMetrics(ctx context.Context, testID string) ([]VariantMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, variant_id, visitors, conversions, conversion_value
		 FROM variant_metrics WHERE test_id = ? ORDER BY variant_id`,
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get variant metrics: %w", err)
	}
	defer rows.Close()

	var metrics []VariantMetrics
	for rows.Next() {
		var m VariantMetrics
		if err := rows.Scan(&m.TestID, &m.VariantID, &m.Visitors, &m.Conversions, &m.ConversionValue); err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}
		metrics = append(metrics, m)
	}

	return metrics, rows.Err()
}

func (s *SQLiteStore) GetTimeline(ctx context.Context, testID string) ([]DailyBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			strftime('%Y-%m-%d', created_at, 'unixepoch') AS day,
			variant_id,
			SUM(CASE WHEN event_type = 'assignment' THEN 1 ELSE 0 END) AS visitors,
			SUM(CASE WHEN event_type = 'conversion' THEN 1 ELSE 0 END) AS conversions,
			COALESCE(SUM(CASE WHEN event_type = 'conversion' THEN value END), 0.0) AS conversion_value
		FROM events
		WHERE test_id = ?
		GROUP BY day, variant_id
		ORDER BY day, variant_id
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get timeline: %w", err)
	}
	defer rows.Close()

	var buckets []DailyBucket
	for rows.Next() {
		var b DailyBucket
		if err := rows.Scan(&b.Day, &b.VariantID, &b.Visitors, &b.Conversions, &b.ConversionValue); err != nil {
			return nil, fmt.Errorf("failed to scan timeline: %w", err)
		}
		buckets = append(buckets, b)
	}

	return buckets, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAssignment(ctx context.Context, q queryer, testID, sessionID string) (*Assignment, error) {
	var a Assignment
	var assignedAt int64

	err := q.QueryRowContext(ctx,
		`SELECT test_id, session_id, variant_id, assigned_at
		 FROM assignments WHERE test_id = ? AND session_id = ?`,
		testID, sessionID,
	).Scan(&a.TestID, &a.SessionID, &a.VariantID, &assignedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}

	a.AssignedAt = time.Unix(assignedAt, 0)
	return &a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTest(row scanner) (*Test, error) {
	var test Test
	var variantsJSON, splitJSON, status string
	var startDate, endDate sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&test.ID, &test.Name, &test.Description, &test.PageID, &variantsJSON, &splitJSON,
		&status, &startDate, &endDate, &test.ConversionGoal, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(variantsJSON), &test.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	if err := json.Unmarshal([]byte(splitJSON), &test.TrafficSplit); err != nil {
		return nil, fmt.Errorf("failed to unmarshal traffic split: %w", err)
	}

	test.Status = Status(status)
	test.StartDate = timeFromNull(startDate)
	test.EndDate = timeFromNull(endDate)
	test.CreatedAt = time.Unix(createdAt, 0)
	test.UpdatedAt = time.Unix(updatedAt, 0)

	return &test, nil
}

func encodeTest(test *Test) (string, string, error) {
	variantsJSON, err := json.Marshal(test.Variants)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal variants: %w", err)
	}
	splitJSON, err := json.Marshal(test.TrafficSplit)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal traffic split: %w", err)
	}
	return string(variantsJSON), string(splitJSON), nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
