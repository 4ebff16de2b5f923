package extractor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	log "github.com/sirupsen/logrus"
)

// ExtractPDF extracts text from a PDF, one Page per physical page.
// If no text is extractable (scanned PDF), it falls back to OCR
// when ocrCfg allows it.
func ExtractPDF(filePath string, ocrCfg *OCRConfig) ([]Page, error) {
	fileName := filepath.Base(filePath)

	f, r, err := pdf.Open(filePath)
	if err != nil {
		if canRunOCR(ocrCfg) {
			log.WithError(err).Warnf("Cannot parse %s, trying OCR", fileName)
			return RunOCR(*ocrCfg, filePath)
		}
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	var pages []Page
	numPages := r.NumPage()

	for pageIndex := 1; pageIndex <= numPages; pageIndex++ {
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}

		text, err := p.GetPlainText(nil)
		if err != nil {
			log.Debugf("No text on page %d of %s: %v", pageIndex, fileName, err)
			continue
		}

		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{
			Document:   fileName,
			PageNumber: pageIndex,
			Text:       text,
		})
	}

	if len(pages) == 0 && numPages > 0 {
		if canRunOCR(ocrCfg) {
			return RunOCR(*ocrCfg, filePath)
		}
		return nil, fmt.Errorf("no text extracted from %s (scanned PDF? enable OCR)", fileName)
	}

	log.Printf("Loaded %d pages from %s", len(pages), fileName)
	return pages, nil
}
