package storage

import (
	"strings"
	"time"

	"github.com/onexay/diagram-share/internal/types"
)

// CreateShareRequest describes a new share holding a single file.
type CreateShareRequest struct {
	Filename    string
	Content     string
	Description string
}

// UpsertFileRequest writes one file of an existing share.
type UpsertFileRequest struct {
	ID       string
	Filename string
	Content  string
}

func (r CreateShareRequest) validate() error {
	if r.Filename == "" {
		return &ValidationError{Message: "filename is required"}
	}
	if err := validateContent(r.Content); err != nil {
		return err
	}
	return validateFilename(r.Filename)
}

func (r UpsertFileRequest) validate() error {
	if r.ID == "" || r.Filename == "" {
		return &ValidationError{Message: "id and filename are required"}
	}
	if err := validateContent(r.Content); err != nil {
		return err
	}
	return validateFilename(r.Filename)
}

// validateContent rejects NUL bytes, which JSONB snapshots cannot hold.
func validateContent(content string) error {
	if strings.IndexByte(content, 0) >= 0 {
		return &ValidationError{Message: "content must not contain NUL bytes"}
	}
	return nil
}

// validateFilename rejects names that would escape the share directory on
// repository-backed providers.
func validateFilename(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return &ValidationError{Message: "invalid filename " + name}
	}
	return nil
}

// revisionRecord is the metadata kept for each locally stored revision.
type revisionRecord struct {
	Share     string    `json:"share"`
	Hash      string    `json:"hash"`
	Parent    string    `json:"parent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Archived  bool      `json:"archived"`
}

func (r revisionRecord) revision() types.Revision {
	return types.Revision{Version: r.Hash, CommittedAt: r.Timestamp}
}

// snapshot maps filename to content for one revision.
type snapshot map[string]string

func (s snapshot) clone() snapshot {
	out := make(snapshot, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s snapshot) share(id string) types.Share {
	files := make(map[string]types.File, len(s))
	for name, content := range s {
		files[name] = types.File{Filename: name, Content: content}
	}
	return types.Share{ID: id, Files: files}
}

// pageBounds converts a 1-based page into slice offsets.
func pageBounds(perPage, page int) (int, int) {
	if perPage < 1 {
		perPage = 1
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	return start, start + perPage
}

// remotePageLimit is the largest per_page the GitHub and GitLab APIs honour.
const remotePageLimit = 100

// collectPages serves a (perPage, page) window from an upstream that caps its
// page size at remotePageLimit, stitching consecutive upstream pages together.
func collectPages(perPage, page int, fetch func(perPage, page int) ([]types.Revision, error)) ([]types.Revision, error) {
	if perPage <= remotePageLimit {
		return fetch(perPage, page)
	}

	start, end := pageBounds(perPage, page)
	upstream := start/remotePageLimit + 1
	skip := start % remotePageLimit
	result := make([]types.Revision, 0, perPage)
	for len(result) < end-start {
		batch, err := fetch(remotePageLimit, upstream)
		if err != nil {
			return nil, err
		}
		full := len(batch) == remotePageLimit
		if skip > 0 {
			batch = batch[min(skip, len(batch)):]
			skip = 0
		}
		result = append(result, batch...)
		if !full {
			break
		}
		upstream++
	}
	if len(result) > end-start {
		result = result[:end-start]
	}
	return result, nil
}
