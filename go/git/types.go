package git

import (
	"time"
)

// Commit describes one commit parsed from the log.
type Commit struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"shortHash"`
	Author    string    `json:"author"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body,omitempty"`
}

// StatusEntry describes one path in the output of "git status".
type StatusEntry struct {
	// Index and Work are the two porcelain status columns, e.g. 'M', 'A',
	// 'D', '?', ' '.
	Index byte   `json:"indexStatus"`
	Work  byte   `json:"workStatus"`
	Path  string `json:"path"`
}

// Staged returns true if the entry represents a staged change.
func (e StatusEntry) Staged() bool {
	return e.Index != ' ' && e.Index != '?'
}

// Status describes the output of "git status".
type Status struct {
	Branch  string        `json:"branch"`
	Entries []StatusEntry `json:"files"`
}

// Clean returns true if neither the index nor the working tree has changes.
func (s *Status) Clean() bool {
	return len(s.Entries) == 0
}

// StagedPaths returns the paths with a staged change, in status order.
func (s *Status) StagedPaths() []string {
	var paths []string
	for _, e := range s.Entries {
		if e.Staged() {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

// FileStatus describes one path changed by a commit, relative to its parent.
type FileStatus struct {
	// Status is the single-letter name-status code: A, M, D, R, C, T.
	Status string `json:"status"`
	Path   string `json:"path"`
}
