package extract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// sparseTextThreshold marks a PDF as likely scanned when total extracted
// text falls below it.
const sparseTextThreshold = 200

// extractPDF pulls plain text page by page. Pages are joined with a form
// feed so header/footer detection in Normalize can see page boundaries.
func (e *Extractor) extractPDF(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening pdf")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "stat pdf")
	}
	reader, err := pdf.NewReader(f, st.Size())
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "parsing pdf")
	}

	totalPages := reader.NumPage()
	pages := make([]string, 0, totalPages)
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.DeadlineExceeded, ctx.Err(), "pdf extraction")
		default:
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages = append(pages, text)
	}

	text := strings.Join(pages, "\f")
	return &Result{
		Text:   text,
		Pages:  totalPages,
		Sparse: len(strings.TrimSpace(text)) < sparseTextThreshold,
	}, nil
}

func (e *Extractor) extractDocx(path string) (*Result, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "parsing docx")
	}
	defer doc.Close()
	return &Result{Text: doc.Editable().GetContent()}, nil
}

// extractXlsx renders each sheet as a "# Sheet: name" section with rows
// joined by tab separators.
func (e *Extractor) extractXlsx(ctx context.Context, path string) (*Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "parsing xlsx")
	}
	defer f.Close()

	var parts []string
	for _, sheet := range f.GetSheetList() {
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.DeadlineExceeded, ctx.Err(), "xlsx extraction")
		default:
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "# Sheet: %s\n", sheet)
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, " \t "))
			if line != "" {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
		parts = append(parts, b.String())
	}
	return &Result{Text: strings.Join(parts, "\n")}, nil
}
