package mcpserver

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jemings/deepwiki-open/internal/deepwiki"
	"github.com/jemings/deepwiki-open/internal/provider"
	"github.com/jemings/deepwiki-open/internal/wiki"
)

// maxExcerptBytes truncates chunk text in search results so tool output
// stays readable in clients.
const maxExcerptBytes = 600

// makeAskHandler creates the ask_repository tool handler. The streamed
// answer is collected into one response; MCP tool calls are unary.
func makeAskHandler(service *deepwiki.Service) func(
	context.Context, *mcp.CallToolRequest, AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskInput) (
		*mcp.CallToolResult, AskOutput, error,
	) {
		ref, err := deepwiki.ParseRef(input.Repository)
		if err != nil {
			return nil, AskOutput{}, err
		}
		stream, err := service.Ask(ctx, ref, input.Question)
		if err != nil {
			return nil, AskOutput{}, describeProviderError(err)
		}
		answer, err := stream.Collect(ctx)
		if err != nil {
			return nil, AskOutput{}, describeProviderError(err)
		}
		return nil, AskOutput{Answer: answer, Repository: ref.String()}, nil
	}
}

// makeSearchHandler creates the search_repository tool handler.
func makeSearchHandler(service *deepwiki.Service) func(
	context.Context, *mcp.CallToolRequest, SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (
		*mcp.CallToolResult, SearchOutput, error,
	) {
		ref, err := deepwiki.ParseRef(input.Repository)
		if err != nil {
			return nil, SearchOutput{}, err
		}
		maxResults := input.MaxResults
		if maxResults <= 0 {
			maxResults = 5
		}

		h, err := service.Index(ctx, ref)
		if err != nil {
			return nil, SearchOutput{}, fmt.Errorf("index repository: %w", err)
		}
		scored, err := h.Query(ctx, input.Query, maxResults)
		if err != nil {
			return nil, SearchOutput{}, describeProviderError(err)
		}

		results := make([]SearchResult, 0, len(scored))
		for _, s := range scored {
			results = append(results, SearchResult{
				Path:    s.Chunk.Path,
				Score:   s.Score,
				Excerpt: truncateExcerpt(s.Chunk.Text),
			})
		}
		if len(results) == 0 {
			return nil, SearchOutput{
				Results: []SearchResult{},
				Message: "No matching source found. Try broader search terms.",
			}, nil
		}
		return nil, SearchOutput{Results: results}, nil
	}
}

// makeGenerateWikiHandler creates the generate_wiki tool handler.
func makeGenerateWikiHandler(service *deepwiki.Service) func(
	context.Context, *mcp.CallToolRequest, GenerateWikiInput,
) (*mcp.CallToolResult, GenerateWikiOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GenerateWikiInput) (
		*mcp.CallToolResult, GenerateWikiOutput, error,
	) {
		ref, err := deepwiki.ParseRef(input.Repository)
		if err != nil {
			return nil, GenerateWikiOutput{}, err
		}
		params := wiki.Params{
			Language:          input.Language,
			Comprehensiveness: input.Comprehensiveness,
		}
		artifact, err := service.GenerateWiki(ctx, ref, params, nil)
		if err != nil {
			return nil, GenerateWikiOutput{}, describeProviderError(err)
		}

		out := GenerateWikiOutput{
			Repository:  ref.String(),
			Markdown:    artifact.Markdown(),
			Chapters:    len(artifact.Chapters),
			GeneratedAt: artifact.GeneratedAt,
		}
		for _, f := range artifact.Failed {
			out.FailedChapters = append(out.FailedChapters, f.Title)
		}
		return nil, out, nil
	}
}

// truncateExcerpt bounds chunk text for tool output. The cut backs up
// to a rune boundary so truncation never emits invalid UTF-8.
func truncateExcerpt(text string) string {
	if len(text) <= maxExcerptBytes {
		return text
	}
	cut := maxExcerptBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

// describeProviderError rewrites rate-limit failures with the suggested
// wait so clients can decide when to retry.
func describeProviderError(err error) error {
	if provider.KindOf(err) == provider.KindRateLimited {
		if wait := provider.RetryAfterOf(err); wait > 0 {
			return fmt.Errorf("provider rate limited, retry after %s: %w", wait, err)
		}
		return fmt.Errorf("provider rate limited: %w", err)
	}
	return err
}
