package pikpak

import (
	"log/slog"
	"strconv"
)

// Drive entry kinds as reported by the API.
const (
	KindFolder = "drive#folder"
	KindFile   = "drive#file"
)

// phaseComplete marks a fully transferred file.
const phaseComplete = "PHASE_TYPE_COMPLETE"

// File is a normalized drive entry.
type File struct {
	ID       string
	ParentID string
	Name     string
	Kind     string
	Size     int64
	Phase    string
}

// IsFolder reports whether the entry is a folder.
func (f *File) IsFolder() bool {
	return f.Kind == KindFolder
}

// Ready reports whether the entry's content is fully transferred into the
// drive. Folders are always ready. A file is ready once it has a non-zero
// size and the server marks its transfer phase complete.
func (f *File) Ready() bool {
	if f.IsFolder() {
		return true
	}

	return f.Size > 0 && f.Phase == phaseComplete
}

// ShareMember is one top-level entry of a share as it existed before
// restore. The restore call does not return the post-restore ids, so
// callers keep the name around to re-resolve the id later.
type ShareMember struct {
	Name       string
	OriginalID string
}

// Video is a playable file found by ListVideosRecursive, with its direct
// download URL already resolved.
type Video struct {
	FileID    string
	Name      string
	Size      int64
	DirectURL string
}

// Raw wire shapes. PikPak encodes numeric sizes as JSON strings.

type fileResponse struct {
	ID             string                  `json:"id"`
	ParentID       string                  `json:"parent_id"`
	Name           string                  `json:"name"`
	Kind           string                  `json:"kind"`
	Size           string                  `json:"size"`
	Phase          string                  `json:"phase"`
	WebContentLink string                  `json:"web_content_link"`
	Links          map[string]linkResponse `json:"links"`
}

type linkResponse struct {
	URL string `json:"url"`
}

type fileListResponse struct {
	Files         []fileResponse `json:"files"`
	NextPageToken string         `json:"next_page_token"`
}

// toFile converts a wire entry into the normalized form, logging entries
// whose size field does not parse.
func (r *fileResponse) toFile(logger *slog.Logger) File {
	file := File{
		ID:       r.ID,
		ParentID: r.ParentID,
		Name:     r.Name,
		Kind:     r.Kind,
		Phase:    r.Phase,
	}

	if r.Size != "" {
		size, err := strconv.ParseInt(r.Size, 10, 64)
		if err != nil {
			logger.Warn("unparseable file size in API response",
				"file_id", r.ID, "size", r.Size)
		} else {
			file.Size = size
		}
	}

	return file
}
