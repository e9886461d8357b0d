package wiki

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

var outlineParser = goldmark.New(
	goldmark.WithParserOptions(
		parser.WithAutoHeadingID(),
	),
)

// Outline extracts the top-level section titles of a markdown chapter
// body, for the artifact's contents page.
func Outline(body string) []string {
	source := []byte(body)
	doc := outlineParser.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil || tree == nil {
		return nil
	}

	var titles []string
	var walk func(items toc.Items)
	walk = func(items toc.Items) {
		for _, item := range items {
			if len(item.Title) > 0 {
				titles = append(titles, string(item.Title))
			}
			walk(item.Items)
		}
	}
	walk(tree.Items)
	return titles
}
