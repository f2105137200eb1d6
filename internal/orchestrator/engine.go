// Package orchestrator advances tasks through the download pipeline:
// confirmed tasks are transferred into the drive, ready drive files are pushed
// to the download daemon, and running downloads are monitored to completion.
// It also supervises the single cloud proxy VM the daemon downloads through.
//
// All pipeline state lives in the store. Each tick recovers purely from
// persisted status, so a restart at any point resumes where the previous
// process stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loccen/tinder-swipe/internal/aria2"
	"github.com/loccen/tinder-swipe/internal/metrics"
	"github.com/loccen/tinder-swipe/internal/pikpak"
	"github.com/loccen/tinder-swipe/internal/store"
)

// Operator-facing failure messages. They surface verbatim in a
// Chinese-language UI, so the wording must not change.
const (
	msgOfflineNoFileID = "PikPak 离线下载失败: 未返回 file_id"
	msgTransferFailed  = "PikPak 转存分享失败"
	msgNoVideosFound   = "未找到视频文件"
	msgNoDownloadGIDs  = "无下载任务 GID"
	msgDownloadFailed  = "Aria2 下载失败"
)

// Drive is the slice of the PikPak client the engine consumes.
type Drive interface {
	TransferShare(ctx context.Context, shareURL string) ([]pikpak.ShareMember, error)
	OfflineDownload(ctx context.Context, rawURL, parentID string) (string, error)
	IsReady(ctx context.Context, fileID, fileName string) (bool, string, error)
	ListVideosRecursive(ctx context.Context, rootID string) ([]pikpak.Video, error)
}

// Daemon is the slice of the aria2 RPC client the engine and the proxy
// supervisor consume.
type Daemon interface {
	AddURI(ctx context.Context, uris []string, options map[string]string) (string, error)
	TellStatus(ctx context.Context, gid string, keys ...string) (*aria2.DownloadStatus, error)
	SetProxy(ctx context.Context, proxyURL string) error
}

// EngineConfig carries the engine's collaborators. Store, Drive, Daemon and
// Proxy are required.
type EngineConfig struct {
	Store       *store.Store
	Drive       Drive
	Daemon      Daemon
	Proxy       *ProxyInstance
	DownloadDir string
	Logger      *slog.Logger
}

// Engine runs the three task ticks. Ticks are idempotent and safe to invoke
// from concurrent drivers because every transition is a guarded store update.
type Engine struct {
	store       *store.Store
	drive       Drive
	daemon      Daemon
	proxy       *ProxyInstance
	downloadDir string
	logger      *slog.Logger
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Engine{
		store:       cfg.Store,
		drive:       cfg.Drive,
		daemon:      cfg.Daemon,
		proxy:       cfg.Proxy,
		downloadDir: cfg.DownloadDir,
		logger:      logger,
	}
}

// RunConfirmTick transfers every CONFIRMED task into the drive. The proxy VM
// must be live first; when it is not, the tick returns and the next one
// retries. The daemon proxy is re-applied on every scan with live work so a
// restarted daemon heals itself.
func (e *Engine) RunConfirmTick(ctx context.Context) error {
	defer e.refreshTaskGauge(ctx)

	tasks, err := e.store.TasksByStatus(ctx, store.TaskConfirmed, 0, 0)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		return nil
	}

	instance, err := e.proxy.EnsureAvailable(ctx)
	if err != nil {
		return err
	}

	if instance == nil {
		e.logger.Info("engine: proxy instance not ready, deferring confirmed tasks",
			slog.Int("tasks", len(tasks)))
		return nil
	}

	if err := e.proxy.applyProxy(ctx, instance.IPv4); err != nil {
		metrics.DaemonRPCErrors.Inc()
		return fmt.Errorf("applying daemon proxy: %w", err)
	}

	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.confirmOne(ctx, &tasks[i])
	}

	return nil
}

// confirmOne moves a single CONFIRMED task to TRANSFERRING, or to ERROR when
// the drive rejects it.
func (e *Engine) confirmOne(ctx context.Context, task *store.Task) {
	logger := e.logger.With(slog.Int64("task_id", task.ID))

	fileID, fileName, err := e.transferToDrive(ctx, task)
	if err != nil {
		logger.Error("engine: drive transfer failed", slog.String("error", err.Error()))
		e.failTask(ctx, task.ID, store.TaskConfirmed, err.Error())

		return
	}

	if err := e.store.MarkTransferring(ctx, task.ID, fileID, fileName); err != nil {
		// Conflict means another actor moved the task; either way the next
		// tick re-reads from the store.
		logger.Error("engine: recording transfer failed", slog.String("error", err.Error()))
		return
	}

	metrics.TaskTransitions.WithLabelValues(
		string(store.TaskConfirmed), string(store.TaskTransferring)).Inc()
	logger.Info("engine: task transferring",
		slog.String("file_id", fileID), slog.String("file_name", fileName))
}

// transferToDrive lands the task's source in the drive and returns the file
// id to track (and, for shares, the member file name used for readiness
// repair).
func (e *Engine) transferToDrive(ctx context.Context, task *store.Task) (string, string, error) {
	if pikpak.IsMagnet(task.SourceURL) {
		fileID, err := e.drive.OfflineDownload(ctx, task.SourceURL, "")
		if err != nil {
			return "", "", err
		}

		if fileID == "" {
			return "", "", errors.New(msgOfflineNoFileID)
		}

		return fileID, "", nil
	}

	members, err := e.drive.TransferShare(ctx, task.SourceURL)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", msgTransferFailed, err)
	}

	if len(members) == 0 {
		return "", "", errors.New(msgTransferFailed)
	}

	return members[0].OriginalID, members[0].Name, nil
}

// RunPushTick pushes every TRANSFERRING task whose drive file is ready into
// the download daemon.
func (e *Engine) RunPushTick(ctx context.Context) error {
	defer e.refreshTaskGauge(ctx)

	tasks, err := e.store.TasksByStatus(ctx, store.TaskTransferring, 0, 0)
	if err != nil {
		return err
	}

	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.pushOne(ctx, &tasks[i])
	}

	return nil
}

// pushOne checks readiness of one TRANSFERRING task and, once the drive copy
// is complete, enqueues each contained video with the daemon.
func (e *Engine) pushOne(ctx context.Context, task *store.Task) {
	logger := e.logger.With(slog.Int64("task_id", task.ID))

	ready, actualID, err := e.drive.IsReady(ctx, task.DriveFileID, task.DriveFileName)
	if err != nil {
		// Transient: the file is treated as not ready and probed again next
		// tick.
		logger.Warn("engine: readiness probe failed", slog.String("error", err.Error()))
		return
	}

	if !ready {
		logger.Debug("engine: drive file not ready",
			slog.String("file_id", task.DriveFileID))
		return
	}

	fileID := task.DriveFileID

	// Share restore re-parents files under new ids; the probe resolves the
	// current one by name.
	if actualID != "" && actualID != fileID {
		if err := e.store.UpdateDriveFileID(ctx, task.ID, actualID); err != nil {
			logger.Error("engine: updating drive file id failed",
				slog.String("error", err.Error()))
			return
		}

		logger.Info("engine: drive file id repaired",
			slog.String("old", fileID), slog.String("new", actualID))
		fileID = actualID
	}

	videos, err := e.drive.ListVideosRecursive(ctx, fileID)
	if err != nil {
		logger.Error("engine: listing videos failed", slog.String("error", err.Error()))
		e.failTask(ctx, task.ID, store.TaskTransferring, err.Error())

		return
	}

	if len(videos) == 0 {
		logger.Warn("engine: no video files in drive folder", slog.String("file_id", fileID))
		e.failTask(ctx, task.ID, store.TaskTransferring, msgNoVideosFound)

		return
	}

	gids := make([]string, 0, len(videos))

	for _, video := range videos {
		gid, err := e.daemon.AddURI(ctx, []string{video.DirectURL}, map[string]string{
			"dir": e.downloadDir,
			"out": video.Name,
		})
		if err != nil {
			// Daemon transport failure; the task stays TRANSFERRING and the
			// whole push retries next tick.
			metrics.DaemonRPCErrors.Inc()
			logger.Error("engine: queueing download failed",
				slog.String("name", video.Name), slog.String("error", err.Error()))

			return
		}

		gids = append(gids, gid)
		logger.Info("engine: download queued",
			slog.String("name", video.Name), slog.String("gid", gid))
	}

	if err := e.store.MarkDownloading(ctx, task.ID, gids); err != nil {
		logger.Error("engine: recording downloads failed", slog.String("error", err.Error()))
		return
	}

	metrics.TaskTransitions.WithLabelValues(
		string(store.TaskTransferring), string(store.TaskDownloading)).Inc()
	logger.Info("engine: task downloading", slog.Int("videos", len(gids)))
}

// RunMonitorTick polls the daemon for every DOWNLOADING task and settles the
// ones whose downloads all finished or any of which failed.
func (e *Engine) RunMonitorTick(ctx context.Context) error {
	defer e.refreshTaskGauge(ctx)

	tasks, err := e.store.TasksByStatus(ctx, store.TaskDownloading, 0, 0)
	if err != nil {
		return err
	}

	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.monitorOne(ctx, &tasks[i])
	}

	return nil
}

// monitorOne aggregates the daemon status of one task's download handles.
func (e *Engine) monitorOne(ctx context.Context, task *store.Task) {
	logger := e.logger.With(slog.Int64("task_id", task.ID))

	if len(task.DownloadGIDs) == 0 {
		logger.Error("engine: downloading task carries no handles")
		e.failTask(ctx, task.ID, store.TaskDownloading, msgNoDownloadGIDs)

		return
	}

	completed := 0

	for _, gid := range task.DownloadGIDs {
		status, err := e.daemon.TellStatus(ctx, gid, "status", "errorCode", "errorMessage")
		if err != nil {
			// Unknown handle or transport failure both count as still in
			// progress for this tick.
			if aria2.IsGIDNotFound(err) {
				logger.Debug("engine: handle not registered yet", slog.String("gid", gid))
			} else {
				metrics.DaemonRPCErrors.Inc()
				logger.Warn("engine: status probe failed",
					slog.String("gid", gid), slog.String("error", err.Error()))
			}

			return
		}

		switch status.Status {
		case aria2.StatusError:
			logger.Error("engine: download failed",
				slog.String("gid", gid), slog.String("daemon_error", status.ErrorMessage))
			e.failTask(ctx, task.ID, store.TaskDownloading, msgDownloadFailed)

			return
		case aria2.StatusComplete:
			completed++
		}
	}

	if completed < len(task.DownloadGIDs) {
		logger.Debug("engine: downloads in progress",
			slog.Int("completed", completed), slog.Int("total", len(task.DownloadGIDs)))
		return
	}

	if err := e.store.MarkComplete(ctx, task.ID); err != nil {
		logger.Error("engine: marking task complete failed", slog.String("error", err.Error()))
		return
	}

	metrics.TaskTransitions.WithLabelValues(
		string(store.TaskDownloading), string(store.TaskComplete)).Inc()
	logger.Info("engine: task complete", slog.Int("downloads", completed))
}

// RunCleanupTick runs the proxy idle reaper and stamps the scheduler
// heartbeat.
func (e *Engine) RunCleanupTick(ctx context.Context) error {
	defer e.refreshTaskGauge(ctx)

	if err := e.store.PutSetting(ctx, store.SettingSchedulerHeartbeat,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn("engine: writing scheduler heartbeat", slog.String("error", err.Error()))
	}

	return e.proxy.ReapIdle(ctx)
}

// failTask moves a task to ERROR from the expected status, keeping quiet on
// conflicts (another actor won the transition).
func (e *Engine) failTask(ctx context.Context, id int64, from store.TaskStatus, msg string) {
	if err := e.store.FailTask(ctx, id, from, msg); err != nil {
		e.logger.Error("engine: marking task failed",
			slog.Int64("task_id", id), slog.String("error", err.Error()))
		return
	}

	metrics.TaskTransitions.WithLabelValues(string(from), string(store.TaskError)).Inc()
}

var allTaskStatuses = []store.TaskStatus{
	store.TaskPending, store.TaskConfirmed, store.TaskTransferring,
	store.TaskDownloading, store.TaskComplete, store.TaskIgnored, store.TaskError,
}

// refreshTaskGauge republishes the tasks-by-status gauge. Failures only cost
// metric freshness, so they are logged at debug.
func (e *Engine) refreshTaskGauge(ctx context.Context) {
	counts, err := e.store.StatusCounts(ctx)
	if err != nil {
		e.logger.Debug("engine: refreshing status gauge failed", slog.String("error", err.Error()))
		return
	}

	for _, status := range allTaskStatuses {
		metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
