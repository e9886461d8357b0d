package ingest

import (
	"sort"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// section is a half-open byte range of a source file.
type section struct {
	start int
	end   int
}

// markdownSplitter pre-splits markdown at H1/H2 boundaries so that the
// token windows never straddle two top-level sections. Deeper headings
// stay inside their parent section.
type markdownSplitter struct {
	parser goldmark.Markdown
}

func newMarkdownSplitter() *markdownSplitter {
	return &markdownSplitter{
		parser: goldmark.New(
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
	}
}

// split returns the heading-delimited sections of source, covering the
// whole file. A file without H1/H2 headings yields a single section.
func (s *markdownSplitter) split(source []byte) []section {
	reader := text.NewReader(source)
	doc := s.parser.Parser().Parse(reader)

	var starts []int
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		heading := n.(*ast.Heading)
		if heading.Level > 2 || heading.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		starts = append(starts, headingLineStart(source, heading.Lines().At(0).Start))
		return ast.WalkContinue, nil
	})

	if len(starts) == 0 {
		return []section{{start: 0, end: len(source)}}
	}
	sort.Ints(starts)

	var sections []section
	if starts[0] > 0 {
		sections = append(sections, section{start: 0, end: starts[0]})
	}
	for i, start := range starts {
		end := len(source)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		sections = append(sections, section{start: start, end: end})
	}
	return sections
}

// headingLineStart walks back from the heading text to the start of its
// line, so the "## " marker belongs to the section it opens.
func headingLineStart(source []byte, pos int) int {
	for pos > 0 && source[pos-1] != '\n' {
		pos--
	}
	return pos
}
