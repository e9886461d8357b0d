package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jemings/deepwiki-open/internal/ingest"
	"github.com/jemings/deepwiki-open/internal/provider"
	"github.com/jemings/deepwiki-open/internal/relay"
	"github.com/jemings/deepwiki-open/internal/repo"
)

// maxPlannerPaths bounds how many file paths the planning prompt lists.
const maxPlannerPaths = 400

// Planner derives the chapter structure of a wiki from a repository's
// file tree with a single LLM call. The planner is best-effort: if the
// model's answer cannot be parsed, the plan degrades to one overview
// chapter instead of failing the run.
type Planner struct {
	relay  *relay.Relay
	logger *slog.Logger
}

// NewPlanner creates a planner calling through r.
func NewPlanner(r *relay.Relay, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{relay: r, logger: logger}
}

type plannedChapter struct {
	Title   string   `json:"title"`
	Outline string   `json:"outline"`
	Paths   []string `json:"paths"`
}

// Plan produces the ordered chapter specs for a repository. It works
// from the chunk set the wiki will be generated against, so referenced
// file paths always resolve to chunk ids that set contains.
func (p *Planner) Plan(ctx context.Context, ref repo.Ref, chunks []ingest.Chunk, params Params) ([]ChapterSpec, error) {
	prompt := p.buildPrompt(ref, chunks, params)

	stream, err := p.relay.Call(ctx, provider.GenerateRequest{
		System: "You plan documentation wikis for software repositories. Answer with JSON only.",
		Prompt: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("plan chapters: %w", err)
	}
	answer, err := stream.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("plan chapters: %w", err)
	}

	var planned []plannedChapter
	if err := json.Unmarshal([]byte(stripFence(answer)), &planned); err != nil || len(planned) == 0 {
		p.logger.Warn("unparseable chapter plan, falling back to overview chapter", "error", err)
		return []ChapterSpec{{
			Title:   "Overview",
			Outline: "High-level overview of the repository: purpose, structure, main components.",
		}}, nil
	}

	chunksByPath := groupChunkIDsByPath(chunks)
	specs := make([]ChapterSpec, 0, len(planned))
	for _, ch := range planned {
		spec := ChapterSpec{Title: ch.Title, Outline: ch.Outline}
		for _, path := range ch.Paths {
			spec.ChunkIDs = append(spec.ChunkIDs, chunksByPath[path]...)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (p *Planner) buildPrompt(ref repo.Ref, chunks []ingest.Chunk, params Params) string {
	paths := make([]string, 0, maxPlannerPaths)
	seen := map[string]bool{}
	for _, c := range chunks {
		if seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		paths = append(paths, c.Path)
		if len(paths) >= maxPlannerPaths {
			break
		}
	}
	sort.Strings(paths)

	chapters := "4 to 8"
	if params.Comprehensiveness == "concise" {
		chapters = "3 to 5"
	}

	return fmt.Sprintf(`Plan a documentation wiki for the repository %s.

File tree:
%s

Produce %s chapters. Respond with a JSON array, each element:
{"title": "Chapter title", "outline": "What the chapter covers, 2-3 sentences", "paths": ["files/this/chapter/draws/on"]}

Order chapters from overview to detail. Write titles and outlines in %s.`,
		ref, strings.Join(paths, "\n"), chapters, languageOrDefault(params.Language))
}

func languageOrDefault(lang string) string {
	if lang == "" {
		return "English"
	}
	return lang
}

// stripFence removes a markdown code fence around a JSON answer, which
// models add despite instructions often enough to handle.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func groupChunkIDsByPath(chunks []ingest.Chunk) map[string][]string {
	byPath := make(map[string][]string)
	for _, c := range chunks {
		byPath[c.Path] = append(byPath[c.Path], c.ID)
	}
	return byPath
}
