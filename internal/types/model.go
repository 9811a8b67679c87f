package types

import "time"

// Revision is a point in a share's history as reported by a provider.
type Revision struct {
	Version     string    `json:"version"`
	CommittedAt time.Time `json:"committed_at"`
}

// File is a single named document inside a share.
type File struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Share is a snapshot of a shared diagram and its files.
type Share struct {
	ID    string          `json:"id"`
	Files map[string]File `json:"files"`
}
