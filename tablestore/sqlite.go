package tablestore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lucasjlepore/gaitphase/phase"
	"github.com/lucasjlepore/gaitphase/trial"
	"github.com/lucasjlepore/gaitphase/validate"
)

const schema = `
CREATE TABLE IF NOT EXISTS table_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS table_variables (
	position INTEGER PRIMARY KEY,
	name     TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS phase_values (
	subject_id   TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	stride_index INTEGER NOT NULL,
	side         TEXT NOT NULL,
	phase_index  INTEGER NOT NULL,
	phase_pct    REAL NOT NULL,
	variable     TEXT NOT NULL,
	value        REAL,
	PRIMARY KEY (subject_id, task_id, stride_index, phase_index, variable)
);

CREATE INDEX IF NOT EXISTS idx_phase_values_phase ON phase_values(phase_index);

CREATE TABLE IF NOT EXISTS validation_runs (
	run_id            TEXT PRIMARY KEY,
	created_at        TEXT NOT NULL,
	expectations      TEXT,
	strides_checked   INTEGER NOT NULL,
	strides_passed    INTEGER NOT NULL,
	strides_failed    INTEGER NOT NULL,
	strides_skipped   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS validation_failures (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	subject_id    TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	stride_index  INTEGER NOT NULL,
	variable      TEXT NOT NULL,
	phase_index   INTEGER NOT NULL,
	phase_pct     REAL NOT NULL,
	observed      REAL,
	min_value     REAL NOT NULL,
	max_value     REAL NOT NULL,
	category      TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES validation_runs(run_id)
);
`

// SQLiteStore keeps stride tables in long form, one row per
// (stride, phase point, variable), plus persisted validation runs.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a database and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WriteTable replaces the stored stride table with table. NaN cells are stored as NULL.
func (s *SQLiteStore) WriteTable(ctx context.Context, table *phase.Table) error {
	if table == nil {
		return fmt.Errorf("table is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM phase_values", "DELETE FROM table_variables", "DELETE FROM table_meta"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear table: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO table_meta (key, value) VALUES ('points', ?)`, strconv.Itoa(table.Points)); err != nil {
		return fmt.Errorf("insert meta: %w", err)
	}
	for i, name := range table.Variables {
		if _, err := tx.ExecContext(ctx, `INSERT INTO table_variables (position, name) VALUES (?, ?)`, i, name); err != nil {
			return fmt.Errorf("insert variable %s: %w", name, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO phase_values (subject_id, task_id, stride_index, side, phase_index, phase_pct, variable, value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range table.Rows {
		for c, name := range table.Variables {
			var value any
			if c < len(r.Values) && !math.IsNaN(r.Values[c]) {
				value = r.Values[c]
			}
			if _, err := stmt.ExecContext(ctx, r.SubjectID, r.TaskID, r.StrideIndex, string(r.Side), r.PhaseIndex, r.Phase, name, value); err != nil {
				return fmt.Errorf("insert %s/%s/%d %s@%d: %w", r.SubjectID, r.TaskID, r.StrideIndex, name, r.PhaseIndex, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadTable reads the full stored table.
func (s *SQLiteStore) ReadTable(ctx context.Context) (*phase.Table, error) {
	return s.readTable(ctx, nil)
}

// ReadRepresentative reads only the rows at the given phase indices. The
// result is a sparse table: strides carry rows at those phases only.
func (s *SQLiteStore) ReadRepresentative(ctx context.Context, phaseIndices []int) (*phase.Table, error) {
	if len(phaseIndices) == 0 {
		return nil, fmt.Errorf("no phase indices requested")
	}
	return s.readTable(ctx, phaseIndices)
}

func (s *SQLiteStore) readTable(ctx context.Context, phaseIndices []int) (*phase.Table, error) {
	table := &phase.Table{}
	var points string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM table_meta WHERE key = 'points'`).Scan(&points)
	switch {
	case err == sql.ErrNoRows:
		return table, nil
	case err != nil:
		return nil, fmt.Errorf("read meta: %w", err)
	}
	if table.Points, err = strconv.Atoi(points); err != nil {
		return nil, fmt.Errorf("parse points %q: %w", points, err)
	}

	vrows, err := s.db.QueryContext(ctx, `SELECT name FROM table_variables ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query variables: %w", err)
	}
	col := map[string]int{}
	for vrows.Next() {
		var name string
		if err := vrows.Scan(&name); err != nil {
			vrows.Close()
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		col[name] = len(table.Variables)
		table.Variables = append(table.Variables, name)
	}
	vrows.Close()
	if err := vrows.Err(); err != nil {
		return nil, err
	}

	query := `SELECT subject_id, task_id, stride_index, side, phase_index, phase_pct, variable, value FROM phase_values`
	args := make([]any, 0, len(phaseIndices))
	if len(phaseIndices) > 0 {
		placeholders := make([]string, len(phaseIndices))
		for i, idx := range phaseIndices {
			placeholders[i] = "?"
			args = append(args, idx)
		}
		query += ` WHERE phase_index IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY subject_id, task_id, stride_index, phase_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query phase values: %w", err)
	}
	defer rows.Close()

	type rowKey struct {
		id    phase.StrideID
		phase int
	}
	byKey := map[rowKey]int{}
	for rows.Next() {
		var (
			r        phase.Row
			side     string
			variable string
			value    sql.NullFloat64
		)
		if err := rows.Scan(&r.SubjectID, &r.TaskID, &r.StrideIndex, &side, &r.PhaseIndex, &r.Phase, &variable, &value); err != nil {
			return nil, fmt.Errorf("scan phase value: %w", err)
		}
		c, ok := col[variable]
		if !ok {
			return nil, fmt.Errorf("phase value for unregistered variable %s", variable)
		}
		k := rowKey{id: r.ID(), phase: r.PhaseIndex}
		i, ok := byKey[k]
		if !ok {
			r.Side = trial.Side(side)
			r.Values = make([]float64, len(table.Variables))
			for j := range r.Values {
				r.Values[j] = math.NaN()
			}
			i = len(table.Rows)
			byKey[k] = i
			table.Rows = append(table.Rows, r)
		}
		if value.Valid {
			table.Rows[i].Values[c] = value.Float64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phase values: %w", err)
	}
	return table, nil
}

// RunRecord summarizes one persisted validation run.
type RunRecord struct {
	RunID          string
	CreatedAt      time.Time
	Expectations   string
	StridesChecked int
	StridesPassed  int
	StridesFailed  int
	StridesSkipped int
}

// SaveRun stores a dataset report and its failures under a new run id.
func (s *SQLiteStore) SaveRun(ctx context.Context, expectations string, report *validate.DatasetReport) (RunRecord, error) {
	if report == nil {
		return RunRecord{}, fmt.Errorf("report is required")
	}
	rec := RunRecord{
		RunID:          uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		Expectations:   expectations,
		StridesChecked: report.StridesChecked,
		StridesPassed:  report.StridesPassed,
		StridesFailed:  report.StridesFailed,
		StridesSkipped: len(report.Skipped),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RunRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO validation_runs (run_id, created_at, expectations, strides_checked, strides_passed, strides_failed, strides_skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.CreatedAt.Format(time.RFC3339Nano), rec.Expectations,
		rec.StridesChecked, rec.StridesPassed, rec.StridesFailed, rec.StridesSkipped,
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO validation_failures
		 (run_id, subject_id, task_id, stride_index, variable, phase_index, phase_pct, observed, min_value, max_value, category)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return RunRecord{}, fmt.Errorf("prepare failure insert: %w", err)
	}
	defer stmt.Close()
	for _, f := range report.Failures {
		var observed any
		if !math.IsNaN(f.Observed) && !math.IsInf(f.Observed, 0) {
			observed = f.Observed
		}
		if _, err := stmt.ExecContext(ctx, rec.RunID, f.SubjectID, f.TaskID, f.StrideIndex, f.Variable,
			f.PhaseIndex, f.PhasePct, observed, f.Min, f.Max, string(f.Category)); err != nil {
			return RunRecord{}, fmt.Errorf("insert failure: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return RunRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// Runs lists persisted runs, oldest first.
func (s *SQLiteStore) Runs(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, created_at, COALESCE(expectations, ''), strides_checked, strides_passed, strides_failed, strides_skipped
		 FROM validation_runs ORDER BY created_at, run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec     RunRecord
			created string
		)
		if err := rows.Scan(&rec.RunID, &created, &rec.Expectations, &rec.StridesChecked, &rec.StridesPassed, &rec.StridesFailed, &rec.StridesSkipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Failures returns the failures of one run in insertion order.
func (s *SQLiteStore) Failures(ctx context.Context, runID string) ([]validate.Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, task_id, stride_index, variable, phase_index, phase_pct, observed, min_value, max_value, category
		 FROM validation_failures WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []validate.Failure
	for rows.Next() {
		var (
			f        validate.Failure
			observed sql.NullFloat64
			category string
		)
		if err := rows.Scan(&f.SubjectID, &f.TaskID, &f.StrideIndex, &f.Variable, &f.PhaseIndex, &f.PhasePct,
			&observed, &f.Min, &f.Max, &category); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Observed = math.NaN()
		if observed.Valid {
			f.Observed = observed.Float64
		}
		f.Category = validate.Category(category)
		out = append(out, f)
	}
	return out, rows.Err()
}
