package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loccen/tinder-swipe/internal/store"
)

func TestPendingTasks_NewestFirstWithTotal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	first := seedPending(t, f.store, 100, 1)
	second := seedPending(t, f.store, 100, 2)

	// A confirmed task must not leak into the pending list.
	confirmed := seedPending(t, f.store, 100, 3)
	require.NoError(t, f.store.ConfirmTask(context.Background(), confirmed.ID))

	rec := f.do(t, http.MethodGet, "/tasks/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Tasks []taskResponse `json:"tasks"`
		Total int            `json:"total"`
	}
	decode(t, rec, &got)

	require.Len(t, got.Tasks, 2)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, second.ID, got.Tasks[0].ID)
	assert.Equal(t, first.ID, got.Tasks[1].ID)
	assert.Equal(t, "PENDING", got.Tasks[0].Status)
}

func TestPendingTasks_Paging(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var ids []int64
	for i := int64(1); i <= 5; i++ {
		ids = append(ids, seedPending(t, f.store, 100, i).ID)
	}

	rec := f.do(t, http.MethodGet, "/tasks/pending?limit=2&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Tasks []taskResponse `json:"tasks"`
		Total int            `json:"total"`
	}
	decode(t, rec, &got)

	require.Len(t, got.Tasks, 2)
	assert.Equal(t, 5, got.Total)

	// Newest first, so offset 2 lands on the third-newest row.
	assert.Equal(t, ids[2], got.Tasks[0].ID)
	assert.Equal(t, ids[1], got.Tasks[1].ID)
}

func TestListTasks_FilterByStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	seedPending(t, f.store, 100, 1)
	ignored := seedPending(t, f.store, 100, 2)
	require.NoError(t, f.store.IgnoreTask(context.Background(), ignored.ID))

	rec := f.do(t, http.MethodGet, "/tasks?status=IGNORED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Tasks []taskResponse `json:"tasks"`
		Total int            `json:"total"`
	}
	decode(t, rec, &got)

	require.Len(t, got.Tasks, 1)
	assert.Equal(t, 1, got.Total)
	assert.Equal(t, ignored.ID, got.Tasks[0].ID)
}

func TestListTasks_NoFilterReturnsAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	seedPending(t, f.store, 100, 1)
	confirmed := seedPending(t, f.store, 100, 2)
	require.NoError(t, f.store.ConfirmTask(context.Background(), confirmed.ID))

	rec := f.do(t, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Tasks []taskResponse `json:"tasks"`
		Total int            `json:"total"`
	}
	decode(t, rec, &got)

	assert.Len(t, got.Tasks, 2)
	assert.Equal(t, 2, got.Total)
}

func TestListTasks_InvalidStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/tasks?status=SHINY", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, detailOf(t, rec), "SHINY")
}

func TestGetTask_Shape(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := seedPending(t, f.store, 100, 7)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Decode into a map so absent keys are distinguishable from zero values.
	var got map[string]any
	decode(t, rec, &got)

	assert.EqualValues(t, task.ID, got["id"])
	assert.EqualValues(t, 100, got["chat_id"])
	assert.EqualValues(t, 7, got["msg_id"])
	assert.Equal(t, "PENDING", got["status"])
	assert.Equal(t, []any{}, got["preview_images"])
	assert.Equal(t, []any{}, got["download_gids"])
	assert.NotContains(t, got, "confirmed_at")
	assert.NotContains(t, got, "completed_at")
	assert.NotContains(t, got, "error_message")
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for _, target := range []string{"/tasks/9999", "/tasks/not-a-number"} {
		rec := f.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "任务不存在", detailOf(t, rec), target)
	}
}

func TestTaskAction_Confirm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := seedPending(t, f.store, 100, 1)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/action", task.ID),
		actionRequest{Action: "confirm"})
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	decode(t, rec, &got)
	assert.Equal(t, "CONFIRMED", got["status"])
	assert.Contains(t, got, "confirmed_at")

	stored, err := f.store.TaskByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskConfirmed, stored.Status)
	assert.False(t, stored.ConfirmedAt.IsZero())
}

func TestTaskAction_Ignore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := seedPending(t, f.store, 100, 1)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/action", task.ID),
		actionRequest{Action: "ignore"})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.store.TaskByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskIgnored, stored.Status)
	assert.True(t, stored.ConfirmedAt.IsZero())
}

func TestTaskAction_NonPendingConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := seedPending(t, f.store, 100, 1)
	require.NoError(t, f.store.ConfirmTask(context.Background(), task.ID))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/action", task.ID),
		actionRequest{Action: "confirm"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "任务状态为 CONFIRMED，无法执行此操作", detailOf(t, rec))

	// The stored row is untouched.
	stored, err := f.store.TaskByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskConfirmed, stored.Status)
}

func TestTaskAction_InvalidAction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := seedPending(t, f.store, 100, 1)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/action", task.ID),
		actionRequest{Action: "defenestrate"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stored, err := f.store.TaskByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, stored.Status)
}

func TestTaskAction_UnknownTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/tasks/424242/action", actionRequest{Action: "confirm"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTask_Roundtrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/tasks/internal/create", createTaskRequest{
		ChatID:        -100123,
		MsgID:         555,
		SourceURL:     "magnet:?xt=urn:btih:cafebabe",
		Title:         "Movie",
		FileSize:      2048,
		PreviewImages: []string{"a.jpg", "b.jpg"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got taskResponse
	decode(t, rec, &got)
	assert.Equal(t, "PENDING", got.Status)
	assert.Equal(t, int64(-100123), got.ChatID)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, got.PreviewImages)

	stored, err := f.store.TaskByID(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, "Movie", stored.Title)
	assert.Equal(t, int64(2048), stored.FileSize)
}

func TestCreateTask_LegacyPreviewImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/tasks/internal/create", createTaskRequest{
		ChatID:       100,
		MsgID:        1,
		SourceURL:    "magnet:?xt=urn:btih:feed",
		PreviewImage: "single.jpg",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got taskResponse
	decode(t, rec, &got)
	assert.Equal(t, []string{"single.jpg"}, got.PreviewImages)
}

func TestCreateTask_PreviewImagesWinOverLegacy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/tasks/internal/create", createTaskRequest{
		ChatID:        100,
		MsgID:         1,
		SourceURL:     "magnet:?xt=urn:btih:feed",
		PreviewImage:  "old.jpg",
		PreviewImages: []string{"new-1.jpg"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got taskResponse
	decode(t, rec, &got)
	assert.Equal(t, []string{"new-1.jpg"}, got.PreviewImages)
}

func TestCreateTask_Duplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	body := createTaskRequest{ChatID: 100, MsgID: 1, SourceURL: "magnet:?xt=urn:btih:dup"}

	rec := f.do(t, http.MethodPost, "/tasks/internal/create", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks/internal/create", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "任务已存在", detailOf(t, rec))
}

func TestCreateTask_MissingFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/tasks/internal/create",
		createTaskRequest{ChatID: 100, MsgID: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTask_MalformedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := f.do(t, http.MethodPost, "/tasks/internal/create", "not-an-object")
	assert.Equal(t, http.StatusBadRequest, req.Code)
}
