package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cadence/internal/routine"
	logx "cadence/pkg/logx"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (creating if needed) the database at cfg.Path and applies
// pending migrations. A path of ":memory:" gives a private in-memory database.
func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	p := strings.TrimSpace(cfg.Path)
	if p == "" {
		return nil, errors.New("sqlite path is required")
	}
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if p != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, q := range pragmas {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", q, err)
		}
	}

	if err := applyMigrations(context.Background(), db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if !log.IsZero() {
		log.Debug("storage opened", logx.String("driver", "sqlite"), logx.String("path", p))
	}
	return &SQLite{db: db, log: log}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const ruleColumns = `id, title, description, frequency, occurrences_per_period, day_offset, active, sort_order, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (routine.Rule, error) {
	var (
		r                routine.Rule
		freq             string
		active           int
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.Title, &r.Description, &freq, &r.OccurrencesPerPeriod,
		&r.DayOffset, &active, &r.SortOrder, &created, &updated); err != nil {
		return routine.Rule{}, err
	}
	r.Frequency = routine.Frequency(freq)
	r.Active = active != 0
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

func (s *SQLite) queryRules(ctx context.Context, where string) ([]routine.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules`+where+` ORDER BY sort_order, title, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]routine.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) FindActiveRules(ctx context.Context) ([]routine.Rule, error) {
	return s.queryRules(ctx, ` WHERE active = 1`)
}

func (s *SQLite) ListRules(ctx context.Context) ([]routine.Rule, error) {
	return s.queryRules(ctx, "")
}

func (s *SQLite) GetRule(ctx context.Context, id string) (routine.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return routine.Rule{}, routine.ErrNotFound
	}
	return r, err
}

func ruleArgs(r routine.Rule) []any {
	return []any{r.ID, r.Title, r.Description, string(r.Frequency), r.OccurrencesPerPeriod,
		r.DayOffset, boolInt(r.Active), r.SortOrder, toMillis(r.CreatedAt), toMillis(r.UpdatedAt)}
}

func (s *SQLite) PutRule(ctx context.Context, r routine.Rule) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("rule id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(`+ruleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, description=excluded.description, frequency=excluded.frequency,
		   occurrences_per_period=excluded.occurrences_per_period, day_offset=excluded.day_offset,
		   active=excluded.active, sort_order=excluded.sort_order, updated_at=excluded.updated_at`,
		ruleArgs(r)...,
	)
	return err
}

func (s *SQLite) InsertRuleIfAbsent(ctx context.Context, r routine.Rule) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(`+ruleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		ruleArgs(r)...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const enrollmentColumns = `id, external_client_id, company_name, responsible_name, status, schedule_variant, start_date, monthly_value, created_at, updated_at`

func scanEnrollment(row interface{ Scan(...any) error }) (routine.Enrollment, error) {
	var (
		e                routine.Enrollment
		status, variant  string
		start            string
		value            sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&e.ID, &e.ExternalClientID, &e.CompanyName, &e.ResponsibleName,
		&status, &variant, &start, &value, &created, &updated); err != nil {
		return routine.Enrollment{}, err
	}
	d, err := routine.ParseDate(start)
	if err != nil {
		return routine.Enrollment{}, fmt.Errorf("enrollment %s: %w", e.ID, err)
	}
	e.Status = routine.EnrollmentStatus(status)
	e.Variant = routine.Variant(variant)
	e.StartDate = d
	if value.Valid {
		v := value.Int64
		e.MonthlyValue = &v
	}
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

func (s *SQLite) FindEnrollment(ctx context.Context, id string) (routine.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return routine.Enrollment{}, routine.ErrNotFound
	}
	return e, err
}

func (s *SQLite) FindActiveEnrollments(ctx context.Context) ([]routine.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE status = ? ORDER BY id`,
		string(routine.EnrollmentActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]routine.Enrollment, 0)
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateEnrollment(ctx context.Context, e routine.Enrollment) error {
	var value any
	if e.MonthlyValue != nil {
		value = *e.MonthlyValue
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments(`+enrollmentColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ExternalClientID, e.CompanyName, e.ResponsibleName, string(e.Status),
		string(e.Variant), e.StartDate.String(), value, toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
	)
	return err
}

func (s *SQLite) UpdateEnrollmentStatus(ctx context.Context, id string, status routine.EnrollmentStatus, updatedAt time.Time) (routine.Enrollment, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(updatedAt), id)
	if err != nil {
		return routine.Enrollment{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return routine.Enrollment{}, err
	} else if n == 0 {
		return routine.Enrollment{}, routine.ErrNotFound
	}
	return s.FindEnrollment(ctx, id)
}

const taskColumns = `id, enrollment_id, rule_id, due_date, status, completed_at, completed_by_name, notes, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (routine.Task, error) {
	var (
		t                routine.Task
		due, status      string
		completed        sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.EnrollmentID, &t.RuleID, &due, &status, &completed,
		&t.CompletedByName, &t.Notes, &created, &updated); err != nil {
		return routine.Task{}, err
	}
	d, err := routine.ParseDate(due)
	if err != nil {
		return routine.Task{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.DueDate = d
	t.Status = routine.TaskStatus(status)
	if completed.Valid {
		at := fromMillis(completed.Int64)
		t.CompletedAt = &at
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func (s *SQLite) UpsertTaskIfAbsent(ctx context.Context, key routine.TaskKey, f routine.TaskFields) (bool, error) {
	if strings.TrimSpace(f.ID) == "" {
		return false, errors.New("task id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, enrollment_id, rule_id, due_date, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(enrollment_id, rule_id, due_date) DO NOTHING`,
		f.ID, key.EnrollmentID, key.RuleID, key.DueDate.String(), string(routine.TaskPending),
		toMillis(f.CreatedAt), toMillis(f.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLite) GetTask(ctx context.Context, id string) (routine.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return routine.Task{}, routine.ErrNotFound
	}
	return t, err
}

func (s *SQLite) UpdateTaskStatus(ctx context.Context, id string, from routine.TaskStatus, upd routine.TaskUpdate) (routine.Task, error) {
	var completed any
	if upd.CompletedAt != nil {
		completed = toMillis(*upd.CompletedAt)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, completed_by_name = ?, notes = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(upd.Status), completed, upd.CompletedByName, upd.Notes, toMillis(upd.UpdatedAt),
		id, string(from),
	)
	if err != nil {
		return routine.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return routine.Task{}, err
	}
	if n == 0 {
		// Either the row is gone or another writer moved it first.
		if _, err := s.GetTask(ctx, id); err != nil {
			return routine.Task{}, err
		}
		return routine.Task{}, routine.ErrStatusChanged
	}
	return s.GetTask(ctx, id)
}

func (s *SQLite) ListTasks(ctx context.Context, f routine.TaskFilter) ([]routine.Task, error) {
	var (
		conds []string
		args  []any
	)
	if f.EnrollmentID != "" {
		conds = append(conds, "enrollment_id = ?")
		args = append(args, f.EnrollmentID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.DueFrom.IsZero() {
		conds = append(conds, "due_date >= ?")
		args = append(args, f.DueFrom.String())
	}
	if !f.DueTo.IsZero() {
		conds = append(conds, "due_date <= ?")
		args = append(args, f.DueTo.String())
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY due_date, enrollment_id, rule_id, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]routine.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendAudit(ctx context.Context, e routine.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		toMillis(e.At), nullStr(e.Actor), e.Action, nullStr(e.Target), boolInt(e.OK),
		nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	return err
}

// RecentAudit returns up to limit audit entries, newest first.
func (s *SQLite) RecentAudit(ctx context.Context, limit int) ([]routine.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor, action, target, ok, err, took_ms, meta FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []routine.AuditEntry
	for rows.Next() {
		var (
			e                        routine.AuditEntry
			at                       int64
			ok                       int
			actor, target, msg, meta sql.NullString
		)
		if err := rows.Scan(&at, &actor, &e.Action, &target, &ok, &msg, &e.TookMS, &meta); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		e.Actor = actor.String
		e.Target = target.String
		e.OK = ok != 0
		e.Error = msg.String
		e.Meta = meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
