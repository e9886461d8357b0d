// Package ingest walks a repository file tree and splits its files into
// bounded, overlapping text chunks. Chunking is deterministic: the same
// file content and policy always produce the identical chunk set, which
// is what keeps downstream cache keys stable.
package ingest

import (
	"bytes"
	"path"
)

// DefaultMaxFileSize is the size above which a file is skipped by policy.
const DefaultMaxFileSize = 512 * 1024

// DefaultHardCeiling is the size above which a file is never chunked,
// regardless of policy overrides.
const DefaultHardCeiling = 4 * 1024 * 1024

// binarySniffLen bounds how many leading bytes are inspected for binary
// content, matching the common git heuristic.
const binarySniffLen = 8000

// Policy controls which files are ingested.
type Policy struct {
	// Include lists glob patterns a path must match to be ingested.
	// Empty means everything is included.
	Include []string
	// Exclude lists glob patterns that reject a path even when included.
	Exclude []string
	// MaxFileSize skips larger files with a recorded reason.
	MaxFileSize int
	// HardCeiling is an absolute upper bound on file size.
	HardCeiling int
}

// DefaultPolicy returns a policy that ingests everything text-like up to
// the default size limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxFileSize: DefaultMaxFileSize,
		HardCeiling: DefaultHardCeiling,
	}
}

// SkipReason explains why a file was excluded from ingestion.
type SkipReason string

const (
	SkipExcluded    SkipReason = "excluded by policy"
	SkipNotIncluded SkipReason = "not matched by include patterns"
	SkipTooLarge    SkipReason = "exceeds max file size"
	SkipBinary      SkipReason = "binary content"
)

// Skip records a file that was left out of the chunk set. Skips are
// expected outcomes, not errors.
type Skip struct {
	Path   string
	Reason SkipReason
}

// Check reports whether content at p passes the policy, and the skip
// reason when it does not.
func (pol Policy) Check(p string, content []byte) (bool, SkipReason) {
	if matchAny(pol.Exclude, p) {
		return false, SkipExcluded
	}
	if len(pol.Include) > 0 && !matchAny(pol.Include, p) {
		return false, SkipNotIncluded
	}
	maxSize := pol.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	ceiling := pol.HardCeiling
	if ceiling <= 0 {
		ceiling = DefaultHardCeiling
	}
	if maxSize > ceiling {
		maxSize = ceiling
	}
	if len(content) > maxSize {
		return false, SkipTooLarge
	}
	if isBinary(content) {
		return false, SkipBinary
	}
	return true, ""
}

// matchAny matches p against each pattern, trying both the full path and
// its base name so "*.md" matches files in subdirectories.
func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			return true
		}
	}
	return false
}

// isBinary applies the git heuristic: a NUL byte in the leading bytes
// marks content as binary.
func isBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	return bytes.IndexByte(sniff, 0) >= 0
}
