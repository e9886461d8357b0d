package repo

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path"
	"sort"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"
)

// GitHubProvider lists repository trees through the GitHub contents API.
// Rate limiting is handled transparently by the rate-limit waiter client;
// if GITHUB_TOKEN is set the client authenticates for higher limits.
type GitHubProvider struct {
	client *github.Client
}

// NewGitHubProvider creates a GitHub-backed file-tree provider.
func NewGitHubProvider() (*GitHubProvider, error) {
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(nil)
	if err != nil {
		return nil, fmt.Errorf("create rate limit client: %w", err)
	}

	ghClient := github.NewClient(rateLimiter)
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		ghClient = ghClient.WithAuthToken(token)
	}

	return &GitHubProvider{client: ghClient}, nil
}

// ListFiles fetches the full file tree of ref, recursing through
// directories. Content is decoded from the API's base64 transport form.
func (p *GitHubProvider) ListFiles(ctx context.Context, ref Ref) ([]File, error) {
	files, err := p.listDir(ctx, ref, "")
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (p *GitHubProvider) listDir(ctx context.Context, ref Ref, dir string) ([]File, error) {
	opts := &github.RepositoryContentGetOptions{Ref: ref.Rev}
	_, dirContents, resp, err := p.client.Repositories.GetContents(ctx, ref.Owner, ref.Name, dir, opts)
	if err != nil {
		return nil, classifyGitHubError(err, resp, ref)
	}

	var files []File
	for _, item := range dirContents {
		if item.Type == nil || item.Name == nil {
			continue
		}
		itemPath := path.Join(dir, *item.Name)

		switch *item.Type {
		case "file":
			f, err := p.fetchFile(ctx, ref, itemPath)
			if err != nil {
				return nil, err
			}
			files = append(files, f)
		case "dir":
			sub, err := p.listDir(ctx, ref, itemPath)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
	}
	return files, nil
}

func (p *GitHubProvider) fetchFile(ctx context.Context, ref Ref, filePath string) (File, error) {
	opts := &github.RepositoryContentGetOptions{Ref: ref.Rev}
	fileContent, _, resp, err := p.client.Repositories.GetContents(ctx, ref.Owner, ref.Name, filePath, opts)
	if err != nil {
		return File{}, classifyGitHubError(err, resp, ref)
	}
	if fileContent == nil || fileContent.Content == nil {
		return File{Path: filePath}, nil
	}

	content, err := base64.StdEncoding.DecodeString(*fileContent.Content)
	if err != nil {
		return File{}, fmt.Errorf("decode content of %s: %w", filePath, err)
	}
	return File{Path: filePath, Content: content}, nil
}

// classifyGitHubError maps API failures onto the provider error taxonomy.
func classifyGitHubError(err error, resp *github.Response, ref Ref) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrAccessDenied, ref)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, ref, err)
}
