package extract

import (
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

func (e *Extractor) extractHTMLFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening html")
	}
	defer f.Close()
	return ExtractHTML(io.LimitReader(f, maxTextBytes))
}

// ExtractHTML pulls readable text from an HTML document: headings,
// paragraphs, list items, code, and tables, with chrome elements stripped.
// Shared with the web fetch path.
func ExtractHTML(r io.Reader) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "parsing html")
	}
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())

	var parts []string
	seen := make(map[string]struct{})
	doc.Find("h1, h2, h3, h4, p, li, pre, code, table").Each(func(_ int, s *goquery.Selection) {
		// Skip nodes nested inside another selected node so pre>code and
		// table>li text is not emitted twice.
		if s.ParentsFiltered("h1, h2, h3, h4, p, li, pre, code, table").Length() > 0 {
			return
		}
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		parts = append(parts, text)
	})

	return &Result{
		Text:  strings.Join(parts, "\n\n"),
		Title: title,
	}, nil
}
