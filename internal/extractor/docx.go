package extractor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

// charsPerPage is the size of a logical DOCX page. Word files carry no
// physical page breaks, so paragraphs are grouped to give citations a page.
const charsPerPage = 3000

// ExtractDOCX extracts text from a DOCX file, splitting it into logical pages.
func ExtractDOCX(filePath string) ([]Page, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read docx: %w", err)
	}
	defer r.Close()

	name := filepath.Base(filePath)
	pages := groupParagraphs(name, splitDOCXParagraphs(r.Editable().GetContent()))
	if len(pages) == 0 {
		return nil, fmt.Errorf("no text extracted from %s", name)
	}
	return pages, nil
}

// groupParagraphs packs paragraphs into pages of at most charsPerPage
// characters. A single paragraph longer than that gets a page of its own.
func groupParagraphs(document string, paragraphs []string) []Page {
	var pages []Page
	var buf strings.Builder
	pageNum := 1

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		pages = append(pages, Page{
			Document:   document,
			PageNumber: pageNum,
			Text:       buf.String(),
		})
		pageNum++
		buf.Reset()
	}

	for _, para := range paragraphs {
		text := strings.TrimSpace(para)
		if text == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(text) > charsPerPage {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(text)
	}
	flush()

	return pages
}

// splitDOCXParagraphs splits DOCX XML content on <w:p> paragraph tags
// and strips the markup from each one.
func splitDOCXParagraphs(xmlStr string) []string {
	var paragraphs []string
	for _, part := range strings.Split(xmlStr, "<w:p") {
		cleaned := strings.TrimSpace(stripTags(part))
		if cleaned != "" {
			paragraphs = append(paragraphs, cleaned)
		}
	}
	return paragraphs
}

func stripTags(xmlStr string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range xmlStr {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
