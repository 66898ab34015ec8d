package ingest

import (
	"context"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/apiprobe/apiprobe/pkg/knowledge"
)

// Section is one heading-delimited chunk of a markdown document.
type Section struct {
	Heading string
	Level   int
	Body    string
}

// SplitMarkdownSections chunks markdown by its headings. Content before the
// first heading becomes a level-0 section with an empty heading.
func SplitMarkdownSections(markdownText string) []Section {
	source := []byte(markdownText)
	document := goldmark.DefaultParser().Parse(text.NewReader(source))

	var sections []Section
	current := Section{}
	var body []string

	flush := func() {
		current.Body = strings.TrimSpace(strings.Join(body, "\n\n"))
		if current.Heading != "" || current.Body != "" {
			sections = append(sections, current)
		}
		body = nil
	}

	for n := document.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			flush()
			current = Section{
				Heading: string(h.Text(source)),
				Level:   h.Level,
			}
			continue
		}
		if chunk := blockText(n, source); chunk != "" {
			body = append(body, chunk)
		}
	}
	flush()
	return sections
}

func blockText(n ast.Node, source []byte) string {
	switch v := n.(type) {
	case *ast.FencedCodeBlock:
		if v.Lines().Len() == 0 {
			return ""
		}
		return string(source[v.Lines().At(0).Start:v.Lines().At(v.Lines().Len()-1).Stop])
	case *ast.List:
		var entries []string
		for cur := v.FirstChild(); cur != nil; cur = cur.NextSibling() {
			entries = append(entries, string(cur.Text(source)))
		}
		return strings.Join(entries, "\n")
	default:
		return string(n.Text(source))
	}
}

// ImportMarkdown splits a markdown document by heading and stores each
// section as an endpoint_doc entry for apiPath. Returns the new entry ids
// in document order.
func (im *Importer) ImportMarkdown(ctx context.Context, apiPath string, markdownText string) ([]string, error) {
	sections := SplitMarkdownSections(markdownText)
	entries := make([]knowledge.Entry, 0, len(sections))
	for _, section := range sections {
		entries = append(entries, knowledge.Entry{
			SourceAPIPath: apiPath,
			Kind:          knowledge.KindEndpointDoc,
			Content:       sectionContent(section.Heading, section.Body),
			Metadata: map[string]interface{}{
				"heading": section.Heading,
				"level":   section.Level,
			},
		})
	}
	return im.put(ctx, entries)
}
