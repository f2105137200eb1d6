package pikpak

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// packFolderName is the drive's default restore location for shares.
	packFolderName = "Pack From Shared"

	rootListLimit = 100
	packListLimit = 500

	// listFilters excludes trashed entries. Incomplete transfers must
	// stay visible so readiness checks can see their phase.
	listFilters = `{"trashed":{"eq":false}}`
)

// videoExtensions is the set of file extensions treated as video content.
var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".wmv": true,
	".mov": true, ".flv": true, ".webm": true, ".m4v": true,
	".rmvb": true, ".rm": true, ".ts": true, ".m2ts": true,
}

func isVideo(name string) bool {
	return videoExtensions[strings.ToLower(path.Ext(name))]
}

// ListFiles returns every non-trashed entry under parentID, following
// pagination. An empty parentID lists the drive root.
func (c *Client) ListFiles(ctx context.Context, parentID string, limit int) ([]File, error) {
	var files []File

	pageToken := ""

	for {
		page, err := c.listPage(ctx, parentID, limit, pageToken)
		if err != nil {
			return nil, err
		}

		for i := range page.Files {
			files = append(files, page.Files[i].toFile(c.logger))
		}

		if page.NextPageToken == "" {
			return files, nil
		}

		pageToken = page.NextPageToken
	}
}

func (c *Client) listPage(ctx context.Context, parentID string, limit int, pageToken string) (*fileListResponse, error) {
	query := url.Values{}
	query.Set("parent_id", parentID)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("filters", listFilters)

	if pageToken != "" {
		query.Set("page_token", pageToken)
	}

	var page fileListResponse
	if err := c.getJSON(ctx, "/drive/v1/files?"+query.Encode(), &page); err != nil {
		return nil, fmt.Errorf("listing files under %q: %w", parentID, err)
	}

	return &page, nil
}

// fileDetail fetches a single entry directly by id.
func (c *Client) fileDetail(ctx context.Context, fileID string) (*fileResponse, error) {
	var detail fileResponse
	if err := c.getJSON(ctx, "/drive/v1/files/"+url.PathEscape(fileID), &detail); err != nil {
		return nil, err
	}

	if detail.ID == "" {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrFileNotFound)
	}

	return &detail, nil
}

// IsReady checks whether the drive entry identified by fileID has finished
// transferring. It scans the drive root and the restore folder, falling
// back to a name match when fileName is given, because restoring a share
// rewrites ids. The returned actualID is the entry's current id and may
// differ from fileID after such a rewrite. A (false, "", nil) result means
// the entry was not found anywhere yet.
func (c *Client) IsReady(ctx context.Context, fileID, fileName string) (bool, string, error) {
	root, err := c.ListFiles(ctx, "", rootListLimit)
	if err != nil {
		return false, "", fmt.Errorf("listing drive root: %w", err)
	}

	var packID string

	for i := range root {
		if root[i].ID == fileID {
			return root[i].Ready(), root[i].ID, nil
		}

		if root[i].IsFolder() && root[i].Name == packFolderName {
			packID = root[i].ID
		}
	}

	if packID != "" {
		pack, err := c.ListFiles(ctx, packID, packListLimit)
		if err != nil {
			return false, "", fmt.Errorf("listing %q: %w", packFolderName, err)
		}

		for i := range pack {
			if pack[i].ID == fileID {
				return pack[i].Ready(), pack[i].ID, nil
			}
		}

		// The share API and the listing can disagree on Unicode
		// composition of the same name, so normalize both sides.
		if fileName != "" {
			target := norm.NFC.String(fileName)

			for i := range pack {
				if norm.NFC.String(pack[i].Name) == target {
					c.logger.Info("resolved drive entry by name",
						"name", fileName, "file_id", pack[i].ID)

					return pack[i].Ready(), pack[i].ID, nil
				}
			}
		}
	}

	// Offline downloads can land beyond the listed pages. Probe the entry
	// directly before concluding it does not exist yet.
	detail, err := c.fileDetail(ctx, fileID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrFileNotFound) {
			return false, "", nil
		}

		return false, "", err
	}

	file := detail.toFile(c.logger)

	return file.Ready(), file.ID, nil
}

// DownloadURL resolves the direct download URL for a file. It prefers the
// web content link and falls back to the first populated alternative link,
// chosen in stable key order.
func (c *Client) DownloadURL(ctx context.Context, fileID string) (string, error) {
	detail, err := c.fileDetail(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("fetching file %s: %w", fileID, err)
	}

	if detail.WebContentLink != "" {
		return detail.WebContentLink, nil
	}

	keys := make([]string, 0, len(detail.Links))
	for key := range detail.Links {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		if link := detail.Links[key].URL; link != "" {
			return link, nil
		}
	}

	return "", fmt.Errorf("file %s: %w", fileID, ErrNoDownloadURL)
}

// ListVideosRecursive walks the folder tree under rootID depth-first and
// returns every video file with its direct download URL resolved.
func (c *Client) ListVideosRecursive(ctx context.Context, rootID string) ([]Video, error) {
	var videos []Video

	if err := c.collectVideos(ctx, rootID, &videos); err != nil {
		return nil, err
	}

	return videos, nil
}

func (c *Client) collectVideos(ctx context.Context, parentID string, videos *[]Video) error {
	files, err := c.ListFiles(ctx, parentID, packListLimit)
	if err != nil {
		return err
	}

	for i := range files {
		file := &files[i]

		if file.IsFolder() {
			if err := c.collectVideos(ctx, file.ID, videos); err != nil {
				return err
			}

			continue
		}

		if !isVideo(file.Name) {
			continue
		}

		directURL, err := c.DownloadURL(ctx, file.ID)
		if err != nil {
			return fmt.Errorf("resolving download URL for %q: %w", file.Name, err)
		}

		*videos = append(*videos, Video{
			FileID:    file.ID,
			Name:      file.Name,
			Size:      file.Size,
			DirectURL: directURL,
		})
	}

	return nil
}
