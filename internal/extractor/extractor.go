package extractor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrUnsupportedType is returned for files that are not PDF, DOCX or plain text.
var ErrUnsupportedType = errors.New("unsupported file type")

// Page is one loaded unit of a document: a PDF page, a logical DOCX page,
// or a whole text file. Document is the file name used as the citation source.
type Page struct {
	Document   string `json:"document"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

var supported = map[string]bool{
	".pdf":  true,
	".docx": true,
	".txt":  true,
}

// SupportedExt reports whether a file name has an extension Extract can load.
func SupportedExt(name string) bool {
	return supported[strings.ToLower(filepath.Ext(name))]
}

// Extract loads a document from disk and returns its pages.
func Extract(path string, ocrCfg *OCRConfig) ([]Page, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		return ExtractPDF(path, ocrCfg)
	case ".docx":
		return ExtractDOCX(path)
	case ".txt":
		return ExtractText(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}
}

// ExtractText loads a plain text file as a single page.
func ExtractText(path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read text file: %w", err)
	}
	name := filepath.Base(path)
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("no text in %s", name)
	}
	log.Printf("Loaded %s (%d chars)", name, len(text))
	return []Page{{Document: name, PageNumber: 1, Text: text}}, nil
}
