package extractor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// OCRConfig controls the OCR fallback for scanned PDFs.
type OCRConfig struct {
	Enabled     bool
	Language    string // tesseract language, "eng" when empty
	TesseractOk bool   // cached result of DetectTesseract
}

// tesseractBin holds the resolved tesseract binary. Set by DetectTesseract.
var tesseractBin string

// DetectTesseract checks whether the tesseract binary is on PATH.
func DetectTesseract() bool {
	path, err := exec.LookPath("tesseract")
	if err != nil {
		log.Printf("Tesseract OCR not found (install tesseract for scanned PDF support)")
		return false
	}
	tesseractBin = path
	log.Printf("Tesseract found on PATH: %s", path)
	return true
}

// DetectPdftoppm checks whether pdftoppm (Poppler) or magick (ImageMagick)
// is available for rasterising PDF pages before OCR.
func DetectPdftoppm() bool {
	if _, err := exec.LookPath("pdftoppm"); err == nil {
		return true
	}
	if _, err := exec.LookPath("magick"); err == nil {
		return true
	}
	return false
}

func canRunOCR(cfg *OCRConfig) bool {
	return cfg != nil && cfg.Enabled && cfg.TesseractOk
}

// RunOCR runs Tesseract over a PDF that yielded no extractable text.
func RunOCR(cfg OCRConfig, pdfPath string) ([]Page, error) {
	if !cfg.TesseractOk {
		return nil, fmt.Errorf("no OCR engine available (install tesseract)")
	}
	lang := cfg.Language
	if lang == "" {
		lang = "eng"
	}
	return tesseractOCR(pdfPath, filepath.Base(pdfPath), lang)
}

// tesseractSem bounds concurrent tesseract processes across all extractions.
var tesseractSem = make(chan struct{}, runtime.NumCPU())

func tesseractOCR(pdfPath, fileName, lang string) ([]Page, error) {
	bin := tesseractBin
	if bin == "" {
		return nil, fmt.Errorf("tesseract binary not found")
	}

	tmpDir, err := os.MkdirTemp("", "docqa-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	imagePrefix := filepath.Join(tmpDir, "page")
	if err := rasterise(pdfPath, imagePrefix); err != nil {
		return nil, err
	}

	imageFiles, err := filepath.Glob(imagePrefix + "*")
	if err != nil || len(imageFiles) == 0 {
		return nil, fmt.Errorf("no page images generated from PDF")
	}
	sortImageFiles(imageFiles)

	var (
		pages  []Page
		mu     sync.Mutex
		wg     sync.WaitGroup
		logErr sync.Once
	)
	for i, imgFile := range imageFiles {
		wg.Add(1)
		go func(pageNum int, file string) {
			defer wg.Done()
			tesseractSem <- struct{}{}
			defer func() { <-tesseractSem }()

			cmd := exec.Command(bin, file, "stdout", "-l", lang, "--psm", "6")
			cmd.Env = append(os.Environ(), "OMP_THREAD_LIMIT=1")
			var out, stderr bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				logErr.Do(func() {
					log.Warnf("Tesseract failed on page %d of %s: %v | stderr: %s",
						pageNum, fileName, err, strings.TrimSpace(stderr.String()))
				})
				return
			}

			text := strings.TrimSpace(out.String())
			if len(text) > 20 {
				mu.Lock()
				pages = append(pages, Page{Document: fileName, PageNumber: pageNum, Text: text})
				mu.Unlock()
			}
		}(i+1, imgFile)
	}
	wg.Wait()

	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	if len(pages) == 0 {
		return nil, fmt.Errorf("tesseract OCR extracted no text from %s", fileName)
	}
	log.Printf("Tesseract OCR extracted %d pages from %s", len(pages), fileName)
	return pages, nil
}

// rasterise converts every PDF page to a PNG named <prefix>-N.png, trying
// Poppler first and ImageMagick second.
func rasterise(pdfPath, prefix string) error {
	var errs []string
	if bin, err := exec.LookPath("pdftoppm"); err == nil {
		var stderr bytes.Buffer
		cmd := exec.Command(bin, "-png", "-r", "200", pdfPath, prefix)
		cmd.Stderr = &stderr
		if err := cmd.Run(); err == nil {
			return nil
		}
		errs = append(errs, fmt.Sprintf("pdftoppm: %v (%s)", err, strings.TrimSpace(stderr.String())))
	}
	if bin, err := exec.LookPath("magick"); err == nil {
		var stderr bytes.Buffer
		cmd := exec.Command(bin, "convert", "-density", "200", pdfPath, prefix+"-%03d.png")
		cmd.Stderr = &stderr
		if err := cmd.Run(); err == nil {
			return nil
		}
		errs = append(errs, fmt.Sprintf("magick: %v (%s)", err, strings.TrimSpace(stderr.String())))
	}
	if len(errs) == 0 {
		return fmt.Errorf("cannot convert PDF to images: install Poppler (pdftoppm) or ImageMagick (magick)")
	}
	return fmt.Errorf("cannot convert PDF to images: %s", strings.Join(errs, "; "))
}

var pageNumRe = regexp.MustCompile(`(\d+)\.png$`)

// sortImageFiles orders page images by the page number in their file name.
func sortImageFiles(files []string) {
	sort.SliceStable(files, func(i, j int) bool {
		return extractNum(files[i]) < extractNum(files[j])
	})
}

func extractNum(path string) int {
	m := pageNumRe.FindStringSubmatch(filepath.Base(path))
	if len(m) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
