package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loccen/tinder-swipe/internal/metrics"
	"github.com/loccen/tinder-swipe/internal/store"
)

// taskResponse is the wire form of a task row. Respond with empty arrays
// rather than null so the UI can iterate without guards.
type taskResponse struct {
	ID            int64      `json:"id"`
	ChatID        int64      `json:"chat_id"`
	MsgID         int64      `json:"msg_id"`
	SourceURL     string     `json:"source_url"`
	Title         string     `json:"title,omitempty"`
	Description   string     `json:"description,omitempty"`
	FileSize      int64      `json:"file_size"`
	PreviewImages []string   `json:"preview_images"`
	Status        string     `json:"status"`
	DriveFileID   string     `json:"drive_file_id,omitempty"`
	DriveFileName string     `json:"drive_file_name,omitempty"`
	DownloadGIDs  []string   `json:"download_gids"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// taskListResponse pages tasks with the filter's total row count.
type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
	Total int            `json:"total"`
}

func toTaskResponse(t *store.Task) taskResponse {
	resp := taskResponse{
		ID:            t.ID,
		ChatID:        t.ChatID,
		MsgID:         t.MsgID,
		SourceURL:     t.SourceURL,
		Title:         t.Title,
		Description:   t.Description,
		FileSize:      t.FileSize,
		PreviewImages: t.PreviewImages,
		Status:        string(t.Status),
		DriveFileID:   t.DriveFileID,
		DriveFileName: t.DriveFileName,
		DownloadGIDs:  t.DownloadGIDs,
		ErrorMessage:  t.ErrorMessage,
		CreatedAt:     t.CreatedAt,
	}

	if resp.PreviewImages == nil {
		resp.PreviewImages = []string{}
	}

	if resp.DownloadGIDs == nil {
		resp.DownloadGIDs = []string{}
	}

	if !t.ConfirmedAt.IsZero() {
		at := t.ConfirmedAt
		resp.ConfirmedAt = &at
	}

	if !t.CompletedAt.IsZero() {
		at := t.CompletedAt
		resp.CompletedAt = &at
	}

	return resp
}

func toTaskList(tasks []store.Task, total int) taskListResponse {
	out := taskListResponse{
		Tasks: make([]taskResponse, 0, len(tasks)),
		Total: total,
	}

	for i := range tasks {
		out.Tasks = append(out.Tasks, toTaskResponse(&tasks[i]))
	}

	return out
}

// parsePage reads limit/offset query parameters. The UI pages 20 at a time
// and may never ask for more than 100.
func parsePage(r *http.Request) (limit, offset int) {
	limit = 20

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	if limit > 100 {
		limit = 100
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}

	return limit, offset
}

func (s *Server) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)

	tasks, err := s.store.TasksByStatus(r.Context(), store.TaskPending, limit, offset)
	if err != nil {
		s.internalError(w, "listing pending tasks", err)
		return
	}

	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		s.internalError(w, "counting tasks", err)
		return
	}

	s.writeJSON(w, http.StatusOK, toTaskList(tasks, counts[store.TaskPending]))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	rawStatus := r.URL.Query().Get("status")

	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		s.internalError(w, "counting tasks", err)
		return
	}

	if rawStatus == "" {
		tasks, err := s.store.RecentTasks(r.Context(), limit, offset)
		if err != nil {
			s.internalError(w, "listing tasks", err)
			return
		}

		total := 0
		for _, n := range counts {
			total += n
		}

		s.writeJSON(w, http.StatusOK, toTaskList(tasks, total))

		return
	}

	status := store.TaskStatus(rawStatus)
	if !store.ValidTaskStatus(status) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("无效的状态: %s", rawStatus))
		return
	}

	tasks, err := s.store.TasksByStatus(r.Context(), status, limit, offset)
	if err != nil {
		s.internalError(w, "listing tasks by status", err)
		return
	}

	s.writeJSON(w, http.StatusOK, toTaskList(tasks, counts[status]))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, http.StatusOK, toTaskResponse(task))
}

// actionRequest is the swipe verdict: confirm queues the download, ignore
// discards the task.
type actionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "请求体格式错误")
		return
	}

	if req.Action != "confirm" && req.Action != "ignore" {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("无效的操作: %s", req.Action))
		return
	}

	task, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}

	if task.Status != store.TaskPending {
		s.writeError(w, http.StatusConflict,
			fmt.Sprintf("任务状态为 %s，无法执行此操作", task.Status))
		return
	}

	var (
		err error
		to  store.TaskStatus
	)

	if req.Action == "confirm" {
		to = store.TaskConfirmed
		err = s.store.ConfirmTask(r.Context(), task.ID)
	} else {
		to = store.TaskIgnored
		err = s.store.IgnoreTask(r.Context(), task.ID)
	}

	if store.IsConflict(err) {
		// Someone else acted between our read and the update.
		current, rerr := s.store.TaskByID(r.Context(), task.ID)
		if rerr != nil {
			s.internalError(w, "re-reading task", rerr)
			return
		}

		s.writeError(w, http.StatusConflict,
			fmt.Sprintf("任务状态为 %s，无法执行此操作", current.Status))

		return
	}

	if err != nil {
		s.internalError(w, "updating task", err)
		return
	}

	metrics.TaskTransitions.WithLabelValues(string(store.TaskPending), string(to)).Inc()

	updated, err := s.store.TaskByID(r.Context(), task.ID)
	if err != nil {
		s.internalError(w, "re-reading task", err)
		return
	}

	s.writeJSON(w, http.StatusOK, toTaskResponse(updated))
}

// createTaskRequest is the collector's contract. preview_image is the legacy
// single-image field; preview_images wins when both are present.
type createTaskRequest struct {
	ChatID        int64    `json:"chat_id"`
	MsgID         int64    `json:"msg_id"`
	SourceURL     string   `json:"source_url"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	FileSize      int64    `json:"file_size"`
	PreviewImage  string   `json:"preview_image"`
	PreviewImages []string `json:"preview_images"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "请求体格式错误")
		return
	}

	if req.ChatID == 0 || req.MsgID == 0 || req.SourceURL == "" {
		s.writeError(w, http.StatusBadRequest, "缺少必填字段: chat_id, msg_id, source_url")
		return
	}

	previews := req.PreviewImages
	if len(previews) == 0 && req.PreviewImage != "" {
		previews = []string{req.PreviewImage}
	}

	task, err := s.store.CreateTask(r.Context(), store.NewTask{
		ChatID:        req.ChatID,
		MsgID:         req.MsgID,
		SourceURL:     req.SourceURL,
		Title:         req.Title,
		Description:   req.Description,
		FileSize:      req.FileSize,
		PreviewImages: previews,
	})
	if errors.Is(err, store.ErrDuplicateTask) {
		s.writeError(w, http.StatusConflict, "任务已存在")
		return
	}

	if err != nil {
		s.internalError(w, "creating task", err)
		return
	}

	s.writeJSON(w, http.StatusOK, toTaskResponse(task))
}

// taskFromPath loads the task named by the {id} route parameter, writing the
// 404 itself when it cannot.
func (s *Server) taskFromPath(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "任务不存在")
		return nil, false
	}

	task, err := s.store.TaskByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "任务不存在")
		return nil, false
	}

	if err != nil {
		s.internalError(w, "loading task", err)
		return nil, false
	}

	return task, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("http: "+op, slog.String("error", err.Error()))
	s.writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}
