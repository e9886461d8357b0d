package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestLocalProvider_ListsFilesSorted(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.go":        "package main",
		"internal/a.go":  "package internal",
		"README.md":      "# readme",
		".git/HEAD":      "ref: refs/heads/main",
		".git/config":    "[core]",
		"docs/design.md": "# design",
	})

	p := NewLocalProvider()
	files, err := p.ListFiles(context.Background(), Ref{Provider: "local", Name: dir})
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"README.md", "docs/design.md", "internal/a.go", "main.go"}, paths)
	assert.Equal(t, []byte("package main"), files[3].Content)
}

func TestLocalProvider_MissingDirIsNotFound(t *testing.T) {
	p := NewLocalProvider()
	_, err := p.ListFiles(context.Background(), Ref{Provider: "local", Name: filepath.Join(t.TempDir(), "absent")})
	assert.ErrorIs(t, err, ErrNotFound)
}
