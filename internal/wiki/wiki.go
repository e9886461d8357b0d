// Package wiki defines the generated-wiki data model: chapter plans,
// finished artifacts, and the cache key derived from repository identity
// and generation parameters.
package wiki

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jemings/deepwiki-open/internal/repo"
)

// ChapterSpec is one planned unit of wiki output.
type ChapterSpec struct {
	Title    string   `json:"title"`
	Outline  string   `json:"outline"`
	ChunkIDs []string `json:"chunk_ids"`
}

// Params are the generation parameters that, together with the
// repository identity, address a cached artifact.
type Params struct {
	Model             string `json:"model"`
	Language          string `json:"language"`
	Comprehensiveness string `json:"comprehensiveness"` // "concise" or "comprehensive"
}

// Chapter is one generated chapter body.
type Chapter struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// FailedChapter records a chapter that exhausted its attempts.
type FailedChapter struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Artifact is a complete generated wiki. Immutable once complete;
// chapters appear in ChapterSpec order regardless of completion order,
// with failed chapters flagged rather than omitted.
type Artifact struct {
	Ref         repo.Ref        `json:"ref"`
	Params      Params          `json:"params"`
	Chapters    []Chapter       `json:"chapters"`
	Failed      []FailedChapter `json:"failed,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Key derives the content-addressed cache key for (ref, params).
func Key(ref repo.Ref, params Params) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%s\x00%s",
		ref.Key(), params.Model, params.Language, params.Comprehensiveness))
	return hex.EncodeToString(sum[:])
}

// Markdown renders the artifact as a single document: an index of
// chapters with their section outlines, then the chapter bodies.
func (a *Artifact) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s/%s wiki\n\n", a.Ref.Owner, a.Ref.Name)
	fmt.Fprintf(&b, "Generated %s with %s.\n\n## Contents\n\n",
		a.GeneratedAt.Format(time.RFC3339), a.Params.Model)

	failedByIndex := make(map[int]string, len(a.Failed))
	for _, f := range a.Failed {
		failedByIndex[f.Index] = f.Reason
	}

	for i, ch := range a.Chapters {
		if reason, ok := failedByIndex[i]; ok {
			fmt.Fprintf(&b, "%d. %s *(generation failed: %s)*\n", i+1, ch.Title, reason)
			continue
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, ch.Title)
		for _, section := range Outline(ch.Body) {
			fmt.Fprintf(&b, "   - %s\n", section)
		}
	}

	for i, ch := range a.Chapters {
		if _, ok := failedByIndex[i]; ok {
			continue
		}
		fmt.Fprintf(&b, "\n---\n\n%s\n", ch.Body)
	}
	return b.String()
}
