// Package mcpserver exposes the service over the Model Context
// Protocol: repository question answering, semantic search, and wiki
// generation as MCP tools on a stdio transport.
package mcpserver

import "time"

// AskInput defines the input parameters for the ask_repository tool.
type AskInput struct {
	// Repository identifies the target, e.g. "owner/name" or "owner/name@ref".
	Repository string `json:"repository" jsonschema:"required,description=Repository to ask about in owner/name form with an optional @ref suffix"`
	// Question is the natural-language question.
	Question string `json:"question" jsonschema:"required,description=The question to answer from the repository source"`
}

// AskOutput contains the grounded answer.
type AskOutput struct {
	// Answer is the full answer text in markdown.
	Answer string `json:"answer"`
	// Repository echoes the resolved repository.
	Repository string `json:"repository"`
}

// SearchInput defines the input parameters for the search_repository tool.
type SearchInput struct {
	// Repository identifies the target, e.g. "owner/name".
	Repository string `json:"repository" jsonschema:"required,description=Repository to search in owner/name form"`
	// Query is the semantic search query.
	Query string `json:"query" jsonschema:"required,description=The semantic search query"`
	// MaxResults caps the number of returned excerpts.
	MaxResults int `json:"max_results,omitempty" jsonschema:"minimum=1,maximum=20,default=5,description=Maximum number of excerpts to return"`
}

// SearchOutput contains the matching source excerpts.
type SearchOutput struct {
	Results []SearchResult `json:"results"`
	// Message provides context when nothing matched.
	Message string `json:"message,omitempty"`
}

// SearchResult is one matching source excerpt.
type SearchResult struct {
	// Path is the file path within the repository.
	Path string `json:"path"`
	// Score is the similarity score (0-1).
	Score float64 `json:"score"`
	// Excerpt is the matching chunk text.
	Excerpt string `json:"excerpt"`
}

// GenerateWikiInput defines the input parameters for the generate_wiki tool.
type GenerateWikiInput struct {
	// Repository identifies the target, e.g. "owner/name".
	Repository string `json:"repository" jsonschema:"required,description=Repository to document in owner/name form"`
	// Language selects the output language (default English).
	Language string `json:"language,omitempty" jsonschema:"description=Output language for the wiki,default=English"`
	// Comprehensiveness is "concise" or "comprehensive".
	Comprehensiveness string `json:"comprehensiveness,omitempty" jsonschema:"description=Wiki depth: concise or comprehensive,default=concise"`
}

// GenerateWikiOutput summarizes the generated or cached artifact.
type GenerateWikiOutput struct {
	// Repository echoes the resolved repository.
	Repository string `json:"repository"`
	// Markdown is the full rendered wiki document.
	Markdown string `json:"markdown"`
	// Chapters is the number of chapters in the artifact.
	Chapters int `json:"chapters"`
	// FailedChapters lists titles of chapters that could not be generated.
	FailedChapters []string `json:"failed_chapters,omitempty"`
	// GeneratedAt is when the artifact was produced.
	GeneratedAt time.Time `json:"generated_at"`
}
