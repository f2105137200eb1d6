package pikpak

import (
	"context"
	"fmt"
)

type offlineDownloadRequest struct {
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	UploadType string     `json:"upload_type"`
	URL        offlineURL `json:"url"`
	FolderType string     `json:"folder_type"`
	ParentID   string     `json:"parent_id"`
}

type offlineURL struct {
	URL string `json:"url"`
}

type offlineDownloadResponse struct {
	Task struct {
		ID     string `json:"id"`
		FileID string `json:"file_id"`
		Name   string `json:"name"`
		Phase  string `json:"phase"`
	} `json:"task"`
}

// OfflineDownload queues a magnet or remote URL for server-side download
// into the drive. parentID selects the destination folder; empty means the
// account's default download folder. It returns the id of the drive entry
// the download will materialize as, which may be empty when the server
// does not assign one up front.
func (c *Client) OfflineDownload(ctx context.Context, rawURL, parentID string) (string, error) {
	payload := offlineDownloadRequest{
		Kind:       KindFile,
		UploadType: "UPLOAD_TYPE_URL",
		URL:        offlineURL{URL: rawURL},
		ParentID:   parentID,
	}

	if parentID == "" {
		payload.FolderType = "DOWNLOAD"
	}

	var resp offlineDownloadResponse
	if err := c.postJSON(ctx, "/drive/v1/files", payload, &resp); err != nil {
		return "", fmt.Errorf("queueing offline download: %w", err)
	}

	c.logger.Info("queued offline download",
		"task_id", resp.Task.ID, "file_id", resp.Task.FileID, "name", resp.Task.Name)

	return resp.Task.FileID, nil
}
