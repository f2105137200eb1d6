package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TaskStatus is the lifecycle state of a task. Values are stored verbatim in
// the database and on the wire, so they must never change.
type TaskStatus string

// Task lifecycle states. PENDING rows come from the collector; the HTTP
// surface promotes them to CONFIRMED or IGNORED; the scheduler ticks own
// every transition after that.
const (
	TaskPending      TaskStatus = "PENDING"
	TaskConfirmed    TaskStatus = "CONFIRMED"
	TaskTransferring TaskStatus = "TRANSFERRING"
	TaskDownloading  TaskStatus = "DOWNLOADING"
	TaskComplete     TaskStatus = "COMPLETE"
	TaskIgnored      TaskStatus = "IGNORED"
	TaskError        TaskStatus = "ERROR"
)

// activeStatuses are the states in which a task still demands the proxy VM.
var activeStatuses = []TaskStatus{TaskConfirmed, TaskTransferring, TaskDownloading}

// ValidTaskStatus reports whether s is a recognized task status value.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskConfirmed, TaskTransferring, TaskDownloading,
		TaskComplete, TaskIgnored, TaskError:
		return true
	default:
		return false
	}
}

// maxErrorMessageLen caps the stored error_message column.
const maxErrorMessageLen = 500

// Task is one approved resource moving through the pipeline.
type Task struct {
	ID            int64
	ChatID        int64
	MsgID         int64
	SourceURL     string
	Title         string
	Description   string
	FileSize      int64
	PreviewImages []string
	Status        TaskStatus
	DriveFileID   string
	DriveFileName string
	DownloadGIDs  []string
	ErrorMessage  string
	CreatedAt     time.Time
	ConfirmedAt   time.Time // zero when unset
	CompletedAt   time.Time // zero when unset
}

// NewTask carries the collector-supplied fields for task creation.
type NewTask struct {
	ChatID        int64
	MsgID         int64
	SourceURL     string
	Title         string
	Description   string
	FileSize      int64
	PreviewImages []string
}

// CreateTask inserts a PENDING task. Returns ErrDuplicateTask when a row with
// the same (chat_id, msg_id, source_url) already exists. The existence check
// and insert run in one transaction; with the sole-writer connection this is
// race-free within the process, and the unique (chat_id, msg_id) index backs
// it at the schema level.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin create task: %w", err)
	}
	defer tx.Rollback()

	var exists int

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE chat_id = ? AND msg_id = ? AND source_url = ?`,
		nt.ChatID, nt.MsgID, nt.SourceURL).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("store: checking duplicate task: %w", err)
	}

	if exists > 0 {
		return nil, ErrDuplicateTask
	}

	previews, err := encodeStrings(nt.PreviewImages)
	if err != nil {
		return nil, fmt.Errorf("store: encoding preview images: %w", err)
	}

	now := s.now()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO tasks
			(chat_id, msg_id, source_url, title, description, file_size,
			 preview_images, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nt.ChatID, nt.MsgID, nt.SourceURL,
		nullString(nt.Title), nullString(nt.Description), nullInt64(nt.FileSize),
		previews, string(TaskPending), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: inserting task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: task last insert ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit create task: %w", err)
	}

	s.logger.Info("task created",
		slog.Int64("task_id", id),
		slog.Int64("chat_id", nt.ChatID),
		slog.Int64("msg_id", nt.MsgID),
	)

	return s.TaskByID(ctx, id)
}

// TaskByID returns a single task, or ErrNotFound.
func (s *Store) TaskByID(ctx context.Context, id int64) (*Task, error) {
	rows, err := s.queryTasks(ctx, `WHERE id = ?`, "by id", id)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("store: task %d: %w", id, ErrNotFound)
	}

	return &rows[0], nil
}

// TasksByStatus returns tasks in the given status, newest first. limit <= 0
// returns all matching rows.
func (s *Store) TasksByStatus(ctx context.Context, status TaskStatus, limit, offset int) ([]Task, error) {
	if limit <= 0 {
		return s.queryTasks(ctx, `WHERE status = ? ORDER BY id DESC`, "by status", string(status))
	}

	return s.queryTasks(ctx,
		`WHERE status = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		"by status", string(status), limit, offset)
}

// RecentTasks returns the most recently created tasks regardless of status.
func (s *Store) RecentTasks(ctx context.Context, limit, offset int) ([]Task, error) {
	return s.queryTasks(ctx, `ORDER BY id DESC LIMIT ? OFFSET ?`, "recent", limit, offset)
}

// ConfirmTask promotes a PENDING task to CONFIRMED and stamps confirmed_at.
func (s *Store) ConfirmTask(ctx context.Context, id int64) error {
	now := s.now()

	return s.guardedUpdate(ctx, "confirm",
		`UPDATE tasks SET status = ?, confirmed_at = ? WHERE id = ? AND status = ?`,
		string(TaskConfirmed), now.UnixNano(), id, string(TaskPending))
}

// IgnoreTask retires a PENDING task to IGNORED.
func (s *Store) IgnoreTask(ctx context.Context, id int64) error {
	return s.guardedUpdate(ctx, "ignore",
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		string(TaskIgnored), id, string(TaskPending))
}

// MarkTransferring advances a CONFIRMED task to TRANSFERRING, recording the
// drive file id (and name, when the source was a share) in the same guarded
// update.
func (s *Store) MarkTransferring(ctx context.Context, id int64, fileID, fileName string) error {
	return s.guardedUpdate(ctx, "mark transferring",
		`UPDATE tasks SET status = ?, drive_file_id = ?, drive_file_name = ?
		 WHERE id = ? AND status = ?`,
		string(TaskTransferring), fileID, nullString(fileName), id, string(TaskConfirmed))
}

// UpdateDriveFileID rewrites the best-known drive file id of a TRANSFERRING
// task. Share restore changes ids; the readiness probe repairs them by name.
func (s *Store) UpdateDriveFileID(ctx context.Context, id int64, fileID string) error {
	return s.guardedUpdate(ctx, "update drive file id",
		`UPDATE tasks SET drive_file_id = ? WHERE id = ? AND status = ?`,
		fileID, id, string(TaskTransferring))
}

// MarkDownloading advances a TRANSFERRING task to DOWNLOADING with its daemon
// handles. gids must be non-empty.
func (s *Store) MarkDownloading(ctx context.Context, id int64, gids []string) error {
	if len(gids) == 0 {
		return fmt.Errorf("store: mark downloading %d: empty gid list", id)
	}

	encoded, err := encodeStrings(gids)
	if err != nil {
		return fmt.Errorf("store: encoding gids: %w", err)
	}

	return s.guardedUpdate(ctx, "mark downloading",
		`UPDATE tasks SET status = ?, download_gids = ? WHERE id = ? AND status = ?`,
		string(TaskDownloading), encoded, id, string(TaskTransferring))
}

// MarkComplete finishes a DOWNLOADING task and stamps completed_at.
func (s *Store) MarkComplete(ctx context.Context, id int64) error {
	now := s.now()

	return s.guardedUpdate(ctx, "mark complete",
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(TaskComplete), now.UnixNano(), id, string(TaskDownloading))
}

// FailTask moves a task from the expected active status to ERROR, storing the
// first 500 chars of the message.
func (s *Store) FailTask(ctx context.Context, id int64, from TaskStatus, msg string) error {
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}

	return s.guardedUpdate(ctx, "fail",
		`UPDATE tasks SET status = ?, error_message = ? WHERE id = ? AND status = ?`,
		string(TaskError), msg, id, string(from))
}

// ActiveTaskCount returns the number of tasks still demanding the proxy VM
// (CONFIRMED, TRANSFERRING or DOWNLOADING).
func (s *Store) ActiveTaskCount(ctx context.Context) (int, error) {
	var count int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status IN (?, ?, ?)`,
		string(activeStatuses[0]), string(activeStatuses[1]), string(activeStatuses[2])).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: counting active tasks: %w", err)
	}

	return count, nil
}

// LatestCompletedAt returns the newest completed_at across COMPLETE tasks.
// ok is false when no task has completed yet.
func (s *Store) LatestCompletedAt(ctx context.Context) (t time.Time, ok bool, err error) {
	var ns sql.NullInt64

	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(completed_at) FROM tasks WHERE status = ?`,
		string(TaskComplete)).Scan(&ns)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: latest completed_at: %w", err)
	}

	if !ns.Valid {
		return time.Time{}, false, nil
	}

	return time.Unix(0, ns.Int64), true, nil
}

// StatusCounts returns the number of tasks per status. Statuses with zero
// tasks are absent from the map.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: counting tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scanning status count: %w", err)
		}

		counts[TaskStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating status counts: %w", err)
	}

	return counts, nil
}

// guardedUpdate executes a compare-and-set UPDATE and translates "zero rows
// affected" into ErrConflict. desc names the operation in error messages.
func (s *Store) guardedUpdate(ctx context.Context, desc, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: %s: %w", desc, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s rows affected: %w", desc, err)
	}

	if rows == 0 {
		return fmt.Errorf("store: %s: %w", desc, ErrConflict)
	}

	return nil
}

// taskSelectCols is the column list shared by all task row queries.
const taskSelectCols = `SELECT id, chat_id, msg_id, source_url, title, description,
	file_size, preview_images, status, drive_file_id, drive_file_name,
	download_gids, error_message, created_at, confirmed_at, completed_at
 FROM tasks `

// queryTasks executes a parameterized query against the tasks table and
// returns the scanned rows. The whereClause is appended after the base
// SELECT; desc is used in error messages.
func (s *Store) queryTasks(ctx context.Context, whereClause, desc string, args ...any) ([]Task, error) {
	query := taskSelectCols + whereClause

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: tasks %s: %w", desc, err)
	}
	defer rows.Close()

	var result []Task

	for rows.Next() {
		t, scanErr := scanTaskRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating tasks %s: %w", desc, err)
	}

	return result, nil
}

// scanTaskRow scans a single row into a Task, decoding the JSON list columns.
func scanTaskRow(rows *sql.Rows) (*Task, error) {
	var (
		t           Task
		status      string
		title       sql.NullString
		description sql.NullString
		fileSize    sql.NullInt64
		previews    sql.NullString
		fileID      sql.NullString
		fileName    sql.NullString
		gids        sql.NullString
		errMsg      sql.NullString
		createdAt   int64
		confirmedAt sql.NullInt64
		completedAt sql.NullInt64
	)

	err := rows.Scan(
		&t.ID, &t.ChatID, &t.MsgID, &t.SourceURL, &title, &description,
		&fileSize, &previews, &status, &fileID, &fileName,
		&gids, &errMsg, &createdAt, &confirmedAt, &completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: scanning task row: %w", err)
	}

	t.Status = TaskStatus(status)
	t.Title = title.String
	t.Description = description.String
	t.DriveFileID = fileID.String
	t.DriveFileName = fileName.String
	t.ErrorMessage = errMsg.String
	t.CreatedAt = time.Unix(0, createdAt)
	t.ConfirmedAt = nsToTime(confirmedAt)
	t.CompletedAt = nsToTime(completedAt)

	if fileSize.Valid {
		t.FileSize = fileSize.Int64
	}

	if t.PreviewImages, err = decodeStrings(previews); err != nil {
		return nil, fmt.Errorf("store: parsing preview_images for task %d: %w", t.ID, err)
	}

	if t.DownloadGIDs, err = decodeStrings(gids); err != nil {
		return nil, fmt.Errorf("store: parsing download_gids for task %d: %w", t.ID, err)
	}

	return &t, nil
}

// encodeStrings marshals a string slice into a JSON TEXT column value.
// Empty slices store NULL.
func encodeStrings(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeStrings parses a JSON TEXT column value into a string slice.
func decodeStrings(column sql.NullString) ([]string, error) {
	if !column.Valid || column.String == "" {
		return nil, nil
	}

	var values []string
	if err := json.Unmarshal([]byte(column.String), &values); err != nil {
		return nil, err
	}

	return values, nil
}

// IsConflict reports whether err is a lost compare-and-set race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
