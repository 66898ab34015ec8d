package ingest

import (
	"context"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"github.com/apiprobe/apiprobe/pkg/knowledge"
)

// HTMLToText reduces an HTML page to its visible text. Scripts, styles and
// whitespace runs are dropped; the page title comes back separately.
func HTMLToText(r io.Reader) (title string, body string, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to parse HTML")
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript").Remove()

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	return title, strings.Join(strings.Fields(text), " "), nil
}

// ImportHTML stores the text of an HTML documentation page as a single
// endpoint_doc entry for apiPath.
func (im *Importer) ImportHTML(ctx context.Context, apiPath string, r io.Reader) (string, error) {
	title, body, err := HTMLToText(r)
	if err != nil {
		return "", err
	}
	if body == "" {
		return "", errors.New("HTML page has no visible text")
	}

	entries := []knowledge.Entry{{
		SourceAPIPath: apiPath,
		Kind:          knowledge.KindEndpointDoc,
		Content:       sectionContent(title, body),
		Metadata:      map[string]interface{}{"title": title},
	}}
	ids, err := im.put(ctx, entries)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}
