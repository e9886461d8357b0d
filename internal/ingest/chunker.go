package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jemings/deepwiki-open/internal/repo"
)

// bytesPerToken is the rough character-to-token ratio used throughout the
// pipeline. Good enough for budgeting; exact tokenization is the
// provider's business.
const bytesPerToken = 4

// chunkNamespace seeds deterministic chunk ids. Fixed forever: changing it
// would invalidate every cache key derived from chunk identity.
var chunkNamespace = uuid.MustParse("6ba7b815-9dad-11d1-80b4-00c04fd430c8")

// Chunk is a bounded span of a source file, the unit of embedding and
// retrieval. Chunks are never mutated after creation; re-ingestion
// replaces the whole set for a repository.
type Chunk struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Start  int    `json:"start"` // byte offset in the source file, inclusive
	End    int    `json:"end"`   // byte offset, exclusive
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return (len(text) + bytesPerToken - 1) / bytesPerToken
}

// Result is the outcome of ingesting one repository snapshot.
type Result struct {
	Ref     repo.Ref
	Chunks  []Chunk
	Skipped []Skip
}

// Chunker splits files into token-bounded chunks with a fixed trailing
// overlap carried into the next chunk.
type Chunker struct {
	policy    Policy
	maxTokens int
	overlap   int
	markdown  *markdownSplitter
}

// Option configures the chunker.
type Option func(*Chunker)

// WithPolicy sets the inclusion policy.
func WithPolicy(p Policy) Option {
	return func(c *Chunker) { c.policy = p }
}

// WithChunkSize sets the maximum tokens per chunk.
func WithChunkSize(tokens int) Option {
	return func(c *Chunker) {
		if tokens > 0 {
			c.maxTokens = tokens
		}
	}
}

// WithOverlap sets the number of trailing tokens repeated as the next
// chunk's leading context.
func WithOverlap(tokens int) Option {
	return func(c *Chunker) {
		if tokens >= 0 {
			c.overlap = tokens
		}
	}
}

// DefaultChunkTokens is the default chunk bound.
const DefaultChunkTokens = 350

// DefaultOverlapTokens is the default cross-chunk overlap.
const DefaultOverlapTokens = 50

// NewChunker creates a chunker with the given options.
func NewChunker(opts ...Option) *Chunker {
	c := &Chunker{
		policy:    DefaultPolicy(),
		maxTokens: DefaultChunkTokens,
		overlap:   DefaultOverlapTokens,
		markdown:  newMarkdownSplitter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.maxTokens {
		c.overlap = c.maxTokens / 4
	}
	return c
}

// IngestFiles chunks every file that passes the chunker's policy.
// Oversize and binary files land in Result.Skipped.
func (c *Chunker) IngestFiles(ref repo.Ref, files []repo.File) *Result {
	result := &Result{Ref: ref}
	for _, f := range files {
		ok, reason := c.policy.Check(f.Path, f.Content)
		if !ok {
			result.Skipped = append(result.Skipped, Skip{Path: f.Path, Reason: reason})
			continue
		}
		result.Chunks = append(result.Chunks, c.ChunkFile(f.Path, f.Content)...)
	}
	return result
}

// ChunkFile splits one file into chunks. Markdown files are pre-split at
// heading boundaries so a chunk never straddles two sections; everything
// else is windowed directly.
func (c *Chunker) ChunkFile(path string, content []byte) []Chunk {
	if len(content) == 0 {
		return nil
	}

	var sections []section
	if strings.HasSuffix(path, ".md") || strings.HasSuffix(path, ".markdown") {
		sections = c.markdown.split(content)
	}
	if len(sections) == 0 {
		sections = []section{{start: 0, end: len(content)}}
	}

	var chunks []Chunk
	for _, sec := range sections {
		chunks = append(chunks, c.window(path, content, sec.start, sec.end)...)
	}
	return chunks
}

// window slices content[start:end] into overlapping token-bounded chunks.
func (c *Chunker) window(path string, content []byte, start, end int) []Chunk {
	maxBytes := c.maxTokens * bytesPerToken
	overlapBytes := c.overlap * bytesPerToken

	var chunks []Chunk
	pos := start
	for pos < end {
		chunkEnd := pos + maxBytes
		if chunkEnd > end {
			chunkEnd = end
		}
		chunkEnd = alignRune(content, chunkEnd, end)

		text := string(content[pos:chunkEnd])
		chunks = append(chunks, Chunk{
			ID:     chunkID(path, pos, chunkEnd, text),
			Path:   path,
			Start:  pos,
			End:    chunkEnd,
			Text:   text,
			Tokens: EstimateTokens(text),
		})

		if chunkEnd >= end {
			break
		}
		next := alignRune(content, chunkEnd-overlapBytes, end)
		if next <= pos {
			next = pos + 1
		}
		pos = next
	}
	return chunks
}

// chunkID derives a deterministic id from the chunk's identity-defining
// fields. Identical content and boundaries always yield the same id.
func chunkID(path string, start, end int, text string) string {
	name := fmt.Sprintf("%s:%d:%d:%s", path, start, end, text)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// alignRune moves pos forward to the next UTF-8 rune boundary, capped at limit.
func alignRune(content []byte, pos, limit int) int {
	for pos < limit && !utf8.RuneStart(content[pos]) {
		pos++
	}
	if pos > limit {
		pos = limit
	}
	return pos
}
