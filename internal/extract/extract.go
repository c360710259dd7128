// Package extract converts uploaded files into plain text for chunking and
// indexing. Parsers are selected by file extension; unsupported media kinds
// are rejected rather than silently producing empty documents.
package extract

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
	"github.com/fyrsmithlabs/researchd/internal/logging"
)

// maxTextBytes caps how much raw text a single file may contribute.
const maxTextBytes = 20 * 1024 * 1024

// Result is the extracted content of one file.
type Result struct {
	Text     string
	Title    string
	FileType string
	Pages    int
	// Sparse marks scanned PDFs and similar files where text extraction
	// produced almost nothing.
	Sparse bool
	// Image is set for image files instead of Text-bearing formats.
	Image *ImageMeta
}

// ImageMeta describes an image file.
type ImageMeta struct {
	Width       int
	Height      int
	Orientation string
	Tone        string
	Caption     string
	Tags        []string
}

// Extractor dispatches files to format parsers.
type Extractor struct {
	log *logging.Logger
}

// New creates an extractor.
func New(log *logging.Logger) *Extractor {
	if log == nil {
		log = logging.NewNop()
	}
	return &Extractor{log: log}
}

var mediaExtensions = map[string]string{
	".mp3": "audio", ".wav": "audio", ".flac": "audio", ".ogg": "audio", ".m4a": "audio",
	".mp4": "video", ".mov": "video", ".avi": "video", ".mkv": "video", ".webm": "video",
}

// ExtractFile parses the file at path. The extension decides the parser;
// audio, video, and unknown formats return an Unsupported error.
func (e *Extractor) ExtractFile(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.DeadlineExceeded, err, "extraction")
	}
	ext := strings.ToLower(filepath.Ext(path))

	if kind, ok := mediaExtensions[ext]; ok {
		return nil, apperr.E(apperr.Unsupported, "%s files are not supported", kind)
	}

	var res *Result
	var err error
	switch ext {
	case ".pdf":
		res, err = e.extractPDF(ctx, path)
	case ".docx":
		res, err = e.extractDocx(path)
	case ".xlsx":
		res, err = e.extractXlsx(ctx, path)
	case ".html", ".htm":
		res, err = e.extractHTMLFile(path)
	case ".csv":
		res, err = e.extractCSV(path)
	case ".json":
		res, err = e.extractJSON(path)
	case ".xml":
		res, err = e.extractXML(path)
	case ".md", ".markdown", ".txt", ".log", ".rst":
		res, err = e.extractPlain(path)
	case ".png", ".jpg", ".jpeg", ".gif":
		res, err = e.extractImage(path)
	default:
		return nil, apperr.E(apperr.Unsupported, "unsupported file type %q", ext)
	}
	if err != nil {
		return nil, err
	}

	res.FileType = strings.TrimPrefix(ext, ".")
	if res.Title == "" {
		res.Title = filepath.Base(path)
	}
	if res.Image == nil {
		res.Text = Normalize(res.Text)
		e.log.Debug(ctx, "extracted file",
			zap.String("file_type", res.FileType),
			zap.Int("text_len", len(res.Text)),
			zap.Int("pages", res.Pages))
	}
	return res, nil
}

func readCapped(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.E(apperr.NotFound, "file %s not found", filepath.Base(path))
		}
		return "", apperr.Wrap(apperr.Internal, err, "opening file")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxTextBytes))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "reading file")
	}
	return string(data), nil
}

func (e *Extractor) extractPlain(path string) (*Result, error) {
	text, err := readCapped(path)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text}, nil
}

func (e *Extractor) extractCSV(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening csv")
	}
	defer f.Close()

	r := csv.NewReader(io.LimitReader(f, maxTextBytes))
	r.FieldsPerRecord = -1
	var b strings.Builder
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "parsing csv")
		}
		b.WriteString(strings.Join(record, " \t "))
		b.WriteByte('\n')
	}
	return &Result{Text: b.String()}, nil
}

func (e *Extractor) extractJSON(path string) (*Result, error) {
	raw, err := readCapped(path)
	if err != nil {
		return nil, err
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "parsing json")
	}
	var lines []string
	flattenJSON("", value, &lines)
	sort.Strings(lines)
	return &Result{Text: strings.Join(lines, "\n")}, nil
}

// flattenJSON renders nested JSON as "path.to[0].key: value" lines so
// structured data stays searchable as text.
func flattenJSON(prefix string, value interface{}, out *[]string) {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			p := key
			if prefix != "" {
				p = prefix + "." + key
			}
			flattenJSON(p, child, out)
		}
	case []interface{}:
		for i, child := range v {
			flattenJSON(fmt.Sprintf("%s[%d]", prefix, i), child, out)
		}
	case nil:
		*out = append(*out, prefix+": null")
	default:
		*out = append(*out, fmt.Sprintf("%s: %v", prefix, v))
	}
}

func (e *Extractor) extractXML(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening xml")
	}
	defer f.Close()

	dec := xml.NewDecoder(io.LimitReader(f, maxTextBytes))
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "parsing xml")
		}
		if cd, ok := tok.(xml.CharData); ok {
			text := strings.TrimSpace(string(cd))
			if text != "" {
				b.WriteString(text)
				b.WriteByte('\n')
			}
		}
	}
	return &Result{Text: b.String()}, nil
}
