package pikpak

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// shareURLPattern extracts the share token from a PikPak share link such
// as https://mypikpak.com/s/VOabc123.
var shareURLPattern = regexp.MustCompile(`mypikpak\.com/s/([A-Za-z0-9_-]+)`)

// IsMagnet reports whether the URL is a magnet link.
func IsMagnet(rawURL string) bool {
	return strings.HasPrefix(rawURL, "magnet:?")
}

// ParseShareURL extracts the share id from a PikPak share URL.
func ParseShareURL(rawURL string) (string, error) {
	match := shareURLPattern.FindStringSubmatch(rawURL)
	if match == nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidShareURL, rawURL)
	}

	return match[1], nil
}

type shareInfoResponse struct {
	ShareStatus   string         `json:"share_status"`
	PassCodeToken string         `json:"pass_code_token"`
	Files         []fileResponse `json:"files"`
}

type restoreRequest struct {
	ShareID       string   `json:"share_id"`
	PassCodeToken string   `json:"pass_code_token"`
	FileIDs       []string `json:"file_ids"`
}

// shareInfo fetches the metadata and top-level file list of a share.
func (c *Client) shareInfo(ctx context.Context, shareID string) (*shareInfoResponse, error) {
	query := url.Values{}
	query.Set("share_id", shareID)

	var info shareInfoResponse
	if err := c.getJSON(ctx, "/drive/v1/share?"+query.Encode(), &info); err != nil {
		return nil, fmt.Errorf("fetching share info: %w", err)
	}

	return &info, nil
}

// TransferShare restores every top-level entry of a share into the
// account's drive. It returns each entry's display name paired with its
// pre-restore id. The restore endpoint does not report the new ids, so
// callers resolve them later by name (see IsReady).
func (c *Client) TransferShare(ctx context.Context, shareURL string) ([]ShareMember, error) {
	shareID, err := ParseShareURL(shareURL)
	if err != nil {
		return nil, err
	}

	info, err := c.shareInfo(ctx, shareID)
	if err != nil {
		return nil, err
	}

	if info.ShareStatus != "OK" {
		return nil, fmt.Errorf("share %s has status %q: %w", shareID, info.ShareStatus, ErrShareNotOK)
	}

	if len(info.Files) == 0 {
		return nil, fmt.Errorf("share %s: %w", shareID, ErrShareEmpty)
	}

	members := make([]ShareMember, 0, len(info.Files))
	fileIDs := make([]string, 0, len(info.Files))

	for _, f := range info.Files {
		members = append(members, ShareMember{Name: f.Name, OriginalID: f.ID})
		fileIDs = append(fileIDs, f.ID)
	}

	payload := restoreRequest{
		ShareID:       shareID,
		PassCodeToken: info.PassCodeToken,
		FileIDs:       fileIDs,
	}

	if err := c.postJSON(ctx, "/drive/v1/share/restore", payload, nil); err != nil {
		return nil, fmt.Errorf("restoring share %s: %w", shareID, err)
	}

	c.logger.Info("restored share into drive",
		"share_id", shareID, "files", len(fileIDs))

	return members, nil
}
