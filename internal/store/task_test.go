package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// createPendingTask inserts a task with distinct identity fields.
func createPendingTask(t *testing.T, st *Store, chatID, msgID int64) *Task {
	t.Helper()

	task, err := st.CreateTask(context.Background(), NewTask{
		ChatID:        chatID,
		MsgID:         msgID,
		SourceURL:     "https://mypikpak.com/s/VOabcdef",
		Title:         "test title",
		Description:   "test description",
		FileSize:      1 << 30,
		PreviewImages: []string{"a.jpg", "b.jpg"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	return task
}

func TestCreateTask_RoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	created := createPendingTask(t, st, 100, 1)

	if created.Status != TaskPending {
		t.Errorf("status = %q, want %q", created.Status, TaskPending)
	}

	got, err := st.TaskByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}

	if got.Title != "test title" {
		t.Errorf("title = %q, want %q", got.Title, "test title")
	}

	if got.FileSize != 1<<30 {
		t.Errorf("file_size = %d, want %d", got.FileSize, 1<<30)
	}

	if len(got.PreviewImages) != 2 || got.PreviewImages[1] != "b.jpg" {
		t.Errorf("preview_images = %v, want [a.jpg b.jpg]", got.PreviewImages)
	}

	if got.CreatedAt.IsZero() {
		t.Error("created_at is zero")
	}

	if !got.ConfirmedAt.IsZero() || !got.CompletedAt.IsZero() {
		t.Error("confirmed_at/completed_at should be zero on a fresh task")
	}
}

func TestCreateTask_Duplicate(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	createPendingTask(t, st, 100, 1)

	// Same (chat, msg, url) triple.
	_, err := st.CreateTask(ctx, NewTask{
		ChatID:    100,
		MsgID:     1,
		SourceURL: "https://mypikpak.com/s/VOabcdef",
	})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("err = %v, want ErrDuplicateTask", err)
	}

	// Same (chat, msg) with a different URL is still rejected, by the
	// unique index rather than the pre-check.
	_, err = st.CreateTask(ctx, NewTask{
		ChatID:    100,
		MsgID:     1,
		SourceURL: "magnet:?xt=urn:btih:other",
	})
	if err == nil {
		t.Error("expected error for duplicate (chat_id, msg_id)")
	}

	// A different message is fine.
	if _, err := st.CreateTask(ctx, NewTask{
		ChatID:    100,
		MsgID:     2,
		SourceURL: "https://mypikpak.com/s/VOabcdef",
	}); err != nil {
		t.Errorf("CreateTask distinct msg: %v", err)
	}
}

func TestTaskByID_NotFound(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	_, err := st.TaskByID(context.Background(), 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTask_Lifecycle(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := createPendingTask(t, st, 200, 1)

	// Confirm.
	if err := st.ConfirmTask(ctx, task.ID); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	got, err := st.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}

	if got.Status != TaskConfirmed {
		t.Errorf("status = %q, want %q", got.Status, TaskConfirmed)
	}

	if got.ConfirmedAt.IsZero() {
		t.Error("confirmed_at not stamped")
	}

	// Double confirm loses the compare-and-set.
	if err := st.ConfirmTask(ctx, task.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("double confirm err = %v, want ErrConflict", err)
	}

	// Transferring with the drive handle.
	if err := st.MarkTransferring(ctx, task.ID, "file-1", "Movie.2024.mkv"); err != nil {
		t.Fatalf("MarkTransferring: %v", err)
	}

	got, err = st.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}

	if got.Status != TaskTransferring || got.DriveFileID != "file-1" || got.DriveFileName != "Movie.2024.mkv" {
		t.Errorf("after MarkTransferring: status=%q id=%q name=%q", got.Status, got.DriveFileID, got.DriveFileName)
	}

	// Readiness probe repaired the id.
	if err := st.UpdateDriveFileID(ctx, task.ID, "file-2"); err != nil {
		t.Fatalf("UpdateDriveFileID: %v", err)
	}

	// Downloading with daemon handles.
	if err := st.MarkDownloading(ctx, task.ID, []string{"gid-a", "gid-b"}); err != nil {
		t.Fatalf("MarkDownloading: %v", err)
	}

	got, err = st.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}

	if got.DriveFileID != "file-2" {
		t.Errorf("drive_file_id = %q, want %q", got.DriveFileID, "file-2")
	}

	if len(got.DownloadGIDs) != 2 || got.DownloadGIDs[0] != "gid-a" {
		t.Errorf("download_gids = %v, want [gid-a gid-b]", got.DownloadGIDs)
	}

	// Complete.
	if err := st.MarkComplete(ctx, task.ID); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	got, err = st.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}

	if got.Status != TaskComplete {
		t.Errorf("status = %q, want %q", got.Status, TaskComplete)
	}

	if got.CompletedAt.IsZero() {
		t.Error("completed_at not stamped")
	}
}

func TestTask_TransitionsGuardStatus(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := createPendingTask(t, st, 300, 1)

	// Skipping straight to later states must lose the compare-and-set.
	if err := st.MarkTransferring(ctx, task.ID, "f", ""); !errors.Is(err, ErrConflict) {
		t.Errorf("MarkTransferring from PENDING: err = %v, want ErrConflict", err)
	}

	if err := st.MarkDownloading(ctx, task.ID, []string{"g"}); !errors.Is(err, ErrConflict) {
		t.Errorf("MarkDownloading from PENDING: err = %v, want ErrConflict", err)
	}

	if err := st.MarkComplete(ctx, task.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("MarkComplete from PENDING: err = %v, want ErrConflict", err)
	}

	if !IsConflict(st.MarkComplete(ctx, task.ID)) {
		t.Error("IsConflict should report the lost race")
	}
}

func TestIgnoreTask(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := createPendingTask(t, st, 400, 1)

	if err := st.IgnoreTask(ctx, task.ID); err != nil {
		t.Fatalf("IgnoreTask: %v", err)
	}

	got, err := st.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}

	if got.Status != TaskIgnored {
		t.Errorf("status = %q, want %q", got.Status, TaskIgnored)
	}

	// Terminal states never move again.
	if err := st.ConfirmTask(ctx, task.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("confirm after ignore: err = %v, want ErrConflict", err)
	}
}

func TestFailTask_TruncatesMessage(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := createPendingTask(t, st, 500, 1)

	if err := st.ConfirmTask(ctx, task.ID); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	long := strings.Repeat("x", 700)

	if err := st.FailTask(ctx, task.ID, TaskConfirmed, long); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	got, err := st.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}

	if got.Status != TaskError {
		t.Errorf("status = %q, want %q", got.Status, TaskError)
	}

	if len(got.ErrorMessage) != 500 {
		t.Errorf("error_message length = %d, want 500", len(got.ErrorMessage))
	}
}

func TestFailTask_WrongSourceStatus(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := createPendingTask(t, st, 600, 1)

	// Task is PENDING, not DOWNLOADING.
	err := st.FailTask(ctx, task.ID, TaskDownloading, "boom")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestMarkDownloading_EmptyGIDs(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	task := createPendingTask(t, st, 700, 1)

	if err := st.MarkDownloading(context.Background(), task.ID, nil); err == nil {
		t.Error("expected error for empty gid list")
	}
}

func TestActiveTaskCount(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := createPendingTask(t, st, 800, 1)
	b := createPendingTask(t, st, 800, 2)
	c := createPendingTask(t, st, 800, 3)

	count, err := st.ActiveTaskCount(ctx)
	if err != nil {
		t.Fatalf("ActiveTaskCount: %v", err)
	}

	if count != 0 {
		t.Errorf("count with only PENDING = %d, want 0", count)
	}

	if err := st.ConfirmTask(ctx, a.ID); err != nil {
		t.Fatalf("ConfirmTask a: %v", err)
	}

	if err := st.ConfirmTask(ctx, b.ID); err != nil {
		t.Fatalf("ConfirmTask b: %v", err)
	}

	if err := st.IgnoreTask(ctx, c.ID); err != nil {
		t.Fatalf("IgnoreTask c: %v", err)
	}

	count, err = st.ActiveTaskCount(ctx)
	if err != nil {
		t.Fatalf("ActiveTaskCount: %v", err)
	}

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestLatestCompletedAt(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	_, ok, err := st.LatestCompletedAt(ctx)
	if err != nil {
		t.Fatalf("LatestCompletedAt: %v", err)
	}

	if ok {
		t.Error("ok = true with no completed tasks")
	}

	task := createPendingTask(t, st, 900, 1)

	if err := st.ConfirmTask(ctx, task.ID); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	if err := st.MarkTransferring(ctx, task.ID, "f", ""); err != nil {
		t.Fatalf("MarkTransferring: %v", err)
	}

	if err := st.MarkDownloading(ctx, task.ID, []string{"g"}); err != nil {
		t.Fatalf("MarkDownloading: %v", err)
	}

	done := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(st, done)

	if err := st.MarkComplete(ctx, task.ID); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	latest, ok, err := st.LatestCompletedAt(ctx)
	if err != nil {
		t.Fatalf("LatestCompletedAt: %v", err)
	}

	if !ok {
		t.Fatal("ok = false after completion")
	}

	if !latest.Equal(done) {
		t.Errorf("latest = %v, want %v", latest, done)
	}
}

func TestStatusCounts(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	a := createPendingTask(t, st, 1000, 1)
	createPendingTask(t, st, 1000, 2)

	if err := st.ConfirmTask(ctx, a.ID); err != nil {
		t.Fatalf("ConfirmTask: %v", err)
	}

	counts, err := st.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts: %v", err)
	}

	if counts[TaskPending] != 1 || counts[TaskConfirmed] != 1 {
		t.Errorf("counts = %v, want 1 PENDING and 1 CONFIRMED", counts)
	}

	if _, present := counts[TaskError]; present {
		t.Error("zero-count status should be absent")
	}
}

func TestTasksByStatus_OrderAndLimit(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	first := createPendingTask(t, st, 1100, 1)
	second := createPendingTask(t, st, 1100, 2)
	third := createPendingTask(t, st, 1100, 3)

	tasks, err := st.TasksByStatus(ctx, TaskPending, 2, 0)
	if err != nil {
		t.Fatalf("TasksByStatus: %v", err)
	}

	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	// Newest first.
	if tasks[0].ID != third.ID || tasks[1].ID != second.ID {
		t.Errorf("order = [%d %d], want [%d %d]", tasks[0].ID, tasks[1].ID, third.ID, second.ID)
	}

	tasks, err = st.TasksByStatus(ctx, TaskPending, 2, 2)
	if err != nil {
		t.Fatalf("TasksByStatus offset: %v", err)
	}

	if len(tasks) != 1 || tasks[0].ID != first.ID {
		t.Errorf("offset page = %v, want single task %d", tasks, first.ID)
	}
}

func TestRecentTasks(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	createPendingTask(t, st, 1200, 1)
	b := createPendingTask(t, st, 1200, 2)

	if err := st.IgnoreTask(ctx, b.ID); err != nil {
		t.Fatalf("IgnoreTask: %v", err)
	}

	tasks, err := st.RecentTasks(ctx, 10, 0)
	if err != nil {
		t.Fatalf("RecentTasks: %v", err)
	}

	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	if tasks[0].ID != b.ID {
		t.Errorf("first = %d, want newest %d", tasks[0].ID, b.ID)
	}

	rest, err := st.RecentTasks(ctx, 10, 1)
	if err != nil {
		t.Fatalf("RecentTasks offset: %v", err)
	}

	if len(rest) != 1 || rest[0].ID == b.ID {
		t.Errorf("offset page = %v, want only the older task", rest)
	}
}

func TestValidTaskStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []TaskStatus{
		TaskPending, TaskConfirmed, TaskTransferring, TaskDownloading,
		TaskComplete, TaskIgnored, TaskError,
	} {
		if !ValidTaskStatus(s) {
			t.Errorf("ValidTaskStatus(%q) = false", s)
		}
	}

	if ValidTaskStatus("RUNNING") {
		t.Error(`ValidTaskStatus("RUNNING") = true`)
	}
}
