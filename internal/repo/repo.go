// Package repo provides repository identity and file-tree providers.
// A TreeProvider yields the (path, content) pairs the ingestion layer
// consumes; it hides whether the repository lives on disk or behind a
// git host API.
package repo

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the repository or path does not exist.
	ErrNotFound = errors.New("repository not found")
	// ErrAccessDenied indicates the caller lacks permission to read the repository.
	ErrAccessDenied = errors.New("repository access denied")
	// ErrUnavailable indicates the backing host could not be reached.
	ErrUnavailable = errors.New("repository unavailable")
)

// Ref identifies a repository snapshot. It is the identity key for all
// derived artifacts (chunks, indexes, wiki artifacts) and must not change
// once ingestion starts.
type Ref struct {
	Provider string // git host kind: "github", "local"
	Owner    string
	Name     string
	Rev      string // branch, tag, or commit; empty means default branch
}

// Key returns a stable string form of the ref suitable for map keys and
// cache-key hashing.
func (r Ref) Key() string {
	return fmt.Sprintf("%s/%s/%s@%s", r.Provider, r.Owner, r.Name, r.Rev)
}

func (r Ref) String() string {
	if r.Rev == "" {
		return fmt.Sprintf("%s:%s/%s", r.Provider, r.Owner, r.Name)
	}
	return fmt.Sprintf("%s:%s/%s@%s", r.Provider, r.Owner, r.Name, r.Rev)
}

// File is one entry of a repository's file tree.
type File struct {
	Path    string // slash-separated path relative to the repository root
	Content []byte
}

// TreeProvider lists the files of a repository snapshot.
type TreeProvider interface {
	// ListFiles returns every file reachable under the ref, in a stable
	// (path-sorted) order. Errors are one of ErrNotFound, ErrAccessDenied
	// or ErrUnavailable, wrapped with context.
	ListFiles(ctx context.Context, ref Ref) ([]File, error)
}
