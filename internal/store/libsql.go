package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/protoq/protoq/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var schemaSQL string

// schemaVersion is bumped with every change to the embedded schema script.
const schemaVersion = 1

// LibSQLStore implements QueueStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and brings its
// schema up to date. The path should be a file URI, e.g. "file:/path/to/queue.db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LibSQLStore{db: db}, nil
}

// initSchema applies the embedded schema script when the database is behind.
// The applied version is tracked in PRAGMA user_version, so a database that is
// already current is left untouched.
func initSchema(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema init: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements(schemaSQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	// PRAGMA does not take placeholders.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema init: %w", err)
	}
	return nil
}

// schemaStatements splits the schema script into executable statements,
// dropping blanks and comment-only fragments.
func schemaStatements(script string) []string {
	var stmts []string
	for _, frag := range strings.Split(script, ";") {
		var code []string
		for _, line := range strings.Split(frag, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			code = append(code, line)
		}
		if len(code) > 0 {
			stmts = append(stmts, strings.Join(code, "\n"))
		}
	}
	return stmts
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Push(ctx context.Context, entry *schema.QueueEntry) (int64, error) {
	command, err := json.Marshal(entry.Command)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "marshal command").WithCause(err)
	}
	if entry.Status == "" {
		entry.Status = schema.EntryStatusCreated
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin push", err)
	}
	defer tx.Rollback()

	if entry.QueueID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO queue_entries (run_id, command, status, error, created_at, started_at, completed_at, skipped_at, failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.RunID, string(command), string(entry.Status), nullStr(entry.Error),
			entry.CreatedAt, nullTime(entry.StartedAt), nullTime(entry.CompletedAt),
			nullTime(entry.SkippedAt), nullTime(entry.FailedAt),
		)
		if err != nil {
			return 0, storeErr("insert entry", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, storeErr("entry id", err)
		}
		entry.QueueID = id
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_entries (queue_id, run_id, command, status, error, created_at, started_at, completed_at, skipped_at, failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.QueueID, entry.RunID, string(command), string(entry.Status), nullStr(entry.Error),
			entry.CreatedAt, nullTime(entry.StartedAt), nullTime(entry.CompletedAt),
			nullTime(entry.SkippedAt), nullTime(entry.FailedAt),
		); err != nil {
			return 0, storeErr("insert entry", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_order (pos, queue_id)
		 VALUES ((SELECT COALESCE(MAX(pos), 0) + 1 FROM pending_order), ?)`,
		entry.QueueID,
	); err != nil {
		return 0, storeErr("append pending", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit push", err)
	}
	return entry.QueueID, nil
}

func (s *LibSQLStore) PushRun(ctx context.Context, run *schema.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal run params").WithCause(err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, params, commands_count, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, params=excluded.params,
		   commands_count=excluded.commands_count, status=excluded.status`,
		run.ID, nullStr(run.Name), string(params), run.CommandsCount, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return storeErr("upsert run", err)
	}
	return nil
}

func (s *LibSQLStore) StartNext(ctx context.Context) (*schema.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin start_next", err)
	}
	defer tx.Rollback()

	var head int64
	err = tx.QueryRowContext(ctx,
		`SELECT queue_id FROM pending_order ORDER BY pos LIMIT 1`).Scan(&head)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("read pending head", err)
	}

	// started_at is set once; replays after goto keep their reset state
	// because resetEntries cleared it.
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE queue_id = ?`,
		string(schema.EntryStatusStarted), time.Now().UTC(), head,
	); err != nil {
		return nil, storeErr("mark started", err)
	}

	entry, err := scanEntryRow(tx.QueryRowContext(ctx, selectEntry+` WHERE queue_id = ?`, head))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit start_next", err)
	}
	return entry, nil
}

func (s *LibSQLStore) Complete(ctx context.Context, queueID int64) error {
	return s.finish(ctx, queueID, schema.EntryStatusCompleted, "completed_at", true)
}

func (s *LibSQLStore) Skip(ctx context.Context, queueID int64) error {
	return s.finish(ctx, queueID, schema.EntryStatusSkipped, "skipped_at", true)
}

func (s *LibSQLStore) Fail(ctx context.Context, queueID int64, cause string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = ?, error = ?, failed_at = COALESCE(failed_at, ?)
		 WHERE queue_id = ?`,
		string(schema.EntryStatusFailed), cause, time.Now().UTC(), queueID,
	)
	if err != nil {
		return storeErr("mark failed", err)
	}
	return checkRowsAffected(res, queueID)
}

// finish transitions an entry to a terminal status and optionally drops it
// from the pending order.
func (s *LibSQLStore) finish(ctx context.Context, queueID int64, status schema.EntryStatus, tsColumn string, unqueue bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transition", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		`UPDATE queue_entries SET status = ?, %s = COALESCE(%s, ?) WHERE queue_id = ?`,
		tsColumn, tsColumn)
	res, err := tx.ExecContext(ctx, query, string(status), time.Now().UTC(), queueID)
	if err != nil {
		return storeErr("transition entry", err)
	}
	if err := checkRowsAffected(res, queueID); err != nil {
		return err
	}
	if unqueue {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_order WHERE queue_id = ?`, queueID); err != nil {
			return storeErr("remove pending", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit transition", err)
	}
	return nil
}

func (s *LibSQLStore) SkipUntil(ctx context.Context, queueID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin skip_until", err)
	}
	defer tx.Rollback()

	pending, err := pendingIDs(ctx, tx)
	if err != nil {
		return err
	}
	idx := indexOf(pending, queueID)
	if idx < 0 {
		return schema.NewErrorf(schema.ErrCodeQueueConsistency, "entry %d is not pending", queueID)
	}

	now := time.Now().UTC()
	for _, id := range pending[:idx] {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, skipped_at = COALESCE(skipped_at, ?) WHERE queue_id = ?`,
			string(schema.EntryStatusSkipped), now, id,
		); err != nil {
			return storeErr("skip entry", err)
		}
	}
	if err := rewritePending(ctx, tx, pending[idx:]); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit skip_until", err)
	}
	return nil
}

func (s *LibSQLStore) GotoCommand(ctx context.Context, queueID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin goto", err)
	}
	defer tx.Rollback()

	pending, err := pendingIDs(ctx, tx)
	if err != nil {
		return err
	}

	if idx := indexOf(pending, queueID); idx >= 0 {
		rotated := append(append([]int64{}, pending[idx:]...), pending[:idx]...)
		if err := rewritePending(ctx, tx, rotated); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return storeErr("commit goto", err)
		}
		return nil
	}

	var runID string
	err = tx.QueryRowContext(ctx,
		`SELECT run_id FROM queue_entries WHERE queue_id = ?`, queueID).Scan(&runID)
	if err == sql.ErrNoRows {
		return notFound(queueID)
	}
	if err != nil {
		return storeErr("load goto target", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT queue_id FROM queue_entries WHERE run_id = ? AND queue_id <= ? ORDER BY queue_id`,
		runID, queueID)
	if err != nil {
		return storeErr("list run entries", err)
	}
	candidates, err := scanIDs(rows)
	if err != nil {
		return err
	}

	var replay []int64
	for _, id := range candidates {
		if indexOf(pending, id) < 0 {
			replay = append(replay, id)
		}
	}
	if err := resetEntries(ctx, tx, replay); err != nil {
		return err
	}
	if err := rewritePending(ctx, tx, append(replay, pending...)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit goto", err)
	}
	return nil
}

func (s *LibSQLStore) GotoRunIndex(ctx context.Context, runID string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin goto_index", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT queue_id FROM queue_entries WHERE run_id = ? ORDER BY queue_id`, runID)
	if err != nil {
		return storeErr("list run entries", err)
	}
	runEntries, err := scanIDs(rows)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(runEntries) {
		return schema.NewErrorf(schema.ErrCodeQueueConsistency,
			"index %d out of range for run %q with %d commands", index, runID, len(runEntries))
	}

	suffix := runEntries[index:]
	if err := resetEntries(ctx, tx, suffix); err != nil {
		return err
	}

	pending, err := pendingIDs(ctx, tx)
	if err != nil {
		return err
	}
	inSuffix := make(map[int64]struct{}, len(suffix))
	for _, id := range suffix {
		inSuffix[id] = struct{}{}
	}
	order := append([]int64{}, suffix...)
	for _, id := range pending {
		if _, ok := inSuffix[id]; !ok {
			order = append(order, id)
		}
	}
	if err := rewritePending(ctx, tx, order); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit goto_index", err)
	}
	return nil
}

func (s *LibSQLStore) ClearCompleted(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE queue_id NOT IN (SELECT queue_id FROM pending_order)`)
	if err != nil {
		return storeErr("clear completed", err)
	}
	return nil
}

func (s *LibSQLStore) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin clear_all", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_order`); err != nil {
		return storeErr("clear pending", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries`); err != nil {
		return storeErr("clear entries", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit clear_all", err)
	}
	return nil
}

func (s *LibSQLStore) ClearRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin clear_run", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_order WHERE queue_id IN (SELECT queue_id FROM queue_entries WHERE run_id = ?)`,
		runID,
	); err != nil {
		return storeErr("clear run pending", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE run_id = ?`, runID); err != nil {
		return storeErr("clear run entries", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return storeErr("clear run record", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit clear_run", err)
	}
	return nil
}

func (s *LibSQLStore) All(ctx context.Context) ([]*schema.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+` ORDER BY queue_id ASC`)
	if err != nil {
		return nil, storeErr("list entries", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *LibSQLStore) Page(ctx context.Context, offset, limit int) ([]*schema.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		selectEntry+` ORDER BY queue_id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, storeErr("page entries", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *LibSQLStore) PendingIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue_id FROM pending_order ORDER BY pos`)
	if err != nil {
		return nil, storeErr("list pending", err)
	}
	return scanIDs(rows)
}

func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	r := &schema.Run{}
	var name sql.NullString
	var params, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, params, commands_count, status, created_at FROM runs WHERE id = ?`, runID,
	).Scan(&r.ID, &name, &params, &r.CommandsCount, &status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, storeErr("load run", err)
	}
	r.Name = name.String
	r.Status = schema.RunStatus(status)
	if params != "" {
		_ = json.Unmarshal([]byte(params), &r.Params)
	}
	return r, nil
}

func (s *LibSQLStore) Runs(ctx context.Context) ([]*schema.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, params, commands_count, status, created_at FROM runs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*schema.Run
	for rows.Next() {
		r := &schema.Run{}
		var name sql.NullString
		var params, status string
		if err := rows.Scan(&r.ID, &name, &params, &r.CommandsCount, &status, &r.CreatedAt); err != nil {
			return nil, storeErr("scan run", err)
		}
		r.Name = name.String
		r.Status = schema.RunStatus(status)
		if params != "" {
			_ = json.Unmarshal([]byte(params), &r.Params)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) RunCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, storeErr("count runs", err)
	}
	return n, nil
}

// --- Helpers ---

const selectEntry = `SELECT queue_id, run_id, command, status, error, created_at, started_at, completed_at, skipped_at, failed_at FROM queue_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(row rowScanner) (*schema.QueueEntry, error) {
	e := &schema.QueueEntry{}
	var command, status string
	var errMsg sql.NullString
	var startedAt, completedAt, skippedAt, failedAt sql.NullTime
	if err := row.Scan(&e.QueueID, &e.RunID, &command, &status, &errMsg,
		&e.CreatedAt, &startedAt, &completedAt, &skippedAt, &failedAt); err != nil {
		return nil, storeErr("scan entry", err)
	}
	e.Status = schema.EntryStatus(status)
	e.Error = errMsg.String
	if err := json.Unmarshal([]byte(command), &e.Command); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal command").WithCause(err).WithEntry(e.QueueID)
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if skippedAt.Valid {
		e.SkippedAt = &skippedAt.Time
	}
	if failedAt.Valid {
		e.FailedAt = &failedAt.Time
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*schema.QueueEntry, error) {
	var entries []*schema.QueueEntry
	for rows.Next() {
		e, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func pendingIDs(ctx context.Context, tx *sql.Tx) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT queue_id FROM pending_order ORDER BY pos`)
	if err != nil {
		return nil, storeErr("list pending", err)
	}
	return scanIDs(rows)
}

// rewritePending replaces the whole pending order inside the transaction.
// Queues are small enough that a full renumber beats sparse-position juggling.
func rewritePending(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_order`); err != nil {
		return storeErr("rewrite pending", err)
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_order (pos, queue_id) VALUES (?, ?)`, i+1, id); err != nil {
			return storeErr("rewrite pending", err)
		}
	}
	return nil
}

func resetEntries(ctx context.Context, tx *sql.Tx, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, error = NULL,
			 started_at = NULL, completed_at = NULL, skipped_at = NULL, failed_at = NULL
			 WHERE queue_id = ?`,
			string(schema.EntryStatusCreated), id,
		); err != nil {
			return storeErr("reset entry", err)
		}
	}
	return nil
}

func checkRowsAffected(res sql.Result, queueID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return notFound(queueID)
	}
	return nil
}

func storeErr(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ QueueStore = (*LibSQLStore)(nil)
