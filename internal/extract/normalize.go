package extract

import (
	"regexp"
	"strings"
)

var (
	pageNumberPattern = regexp.MustCompile(`(?i)^\s*page\s+\d+(\s+of\s+\d+)?\s*$`)
	manyNewlines      = regexp.MustCompile(`\n{3,}`)
	hyphenBreak       = regexp.MustCompile(`(\p{L})-\n(\p{L})`)
)

// Normalize cleans extracted text: line endings, hyphenation across line
// breaks, page number lines, headers and footers repeated across pages, and
// excess blank lines. Page boundaries arrive as form feeds and leave as
// paragraph breaks.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	pages := strings.Split(text, "\f")
	if len(pages) >= 3 {
		pages = stripRepeatedEdgeLines(pages)
	}
	text = strings.Join(pages, "\n\n")

	text = hyphenBreak.ReplaceAllString(text, "$1$2")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if pageNumberPattern.MatchString(line) {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	text = strings.Join(kept, "\n")

	text = manyNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// stripRepeatedEdgeLines removes first and last lines that recur on at
// least three pages, the usual shape of running headers and footers.
func stripRepeatedEdgeLines(pages []string) []string {
	counts := make(map[string]int)
	for _, page := range pages {
		for _, line := range edgeLines(page) {
			counts[line]++
		}
	}
	repeated := make(map[string]struct{})
	for line, n := range counts {
		if n >= 3 {
			repeated[line] = struct{}{}
		}
	}
	if len(repeated) == 0 {
		return pages
	}

	out := make([]string, len(pages))
	for i, page := range pages {
		lines := strings.Split(page, "\n")
		// Trim from the top.
		for len(lines) > 0 {
			key := strings.TrimSpace(lines[0])
			if key == "" {
				lines = lines[1:]
				continue
			}
			if _, ok := repeated[key]; ok {
				lines = lines[1:]
				continue
			}
			break
		}
		// Trim from the bottom.
		for len(lines) > 0 {
			key := strings.TrimSpace(lines[len(lines)-1])
			if key == "" {
				lines = lines[:len(lines)-1]
				continue
			}
			if _, ok := repeated[key]; ok {
				lines = lines[:len(lines)-1]
				continue
			}
			break
		}
		out[i] = strings.Join(lines, "\n")
	}
	return out
}

// edgeLines returns the trimmed first and last non-empty lines of a page.
func edgeLines(page string) []string {
	lines := strings.Split(page, "\n")
	var first, last string
	for _, line := range lines {
		if t := strings.TrimSpace(line); t != "" {
			first = t
			break
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			last = t
			break
		}
	}
	var out []string
	if first != "" {
		out = append(out, first)
	}
	if last != "" && last != first {
		out = append(out, last)
	}
	return out
}
