package repo

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalProvider walks a directory on disk and presents it as a repository
// file tree. The ref's Name field holds the root directory path; Rev is
// ignored (a working tree has exactly one revision).
type LocalProvider struct{}

// NewLocalProvider creates a file-tree provider backed by the local filesystem.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

// ListFiles walks the directory named by ref.Name and returns all regular
// files, path-sorted. The .git directory is always skipped.
func (p *LocalProvider) ListFiles(ctx context.Context, ref Ref) ([]File, error) {
	root := ref.Name
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, root)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrAccessDenied, root)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", ErrUnavailable, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, root)
	}

	var files []File
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return fmt.Errorf("%w: %s", ErrAccessDenied, path)
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsPermission(err) {
				return fmt.Errorf("%w: %s", ErrAccessDenied, path)
			}
			return err
		}
		files = append(files, File{
			Path:    strings.ReplaceAll(rel, string(filepath.Separator), "/"),
			Content: content,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
