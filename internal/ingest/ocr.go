package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/kalambet/docqa/internal/textnorm"
)

// Defaults for the OCR path.
const (
	DefaultOCRDPI       = 300
	DefaultOCRLanguages = "fra+eng"
	DefaultOCRKernel    = 2
)

// CommandRunner executes an external program and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// OCRExtractor renders each page with pdftoppm, cleans the image up and
// recognizes it with tesseract.
type OCRExtractor struct {
	DPI       int
	Languages string
	Kernel    int
	Pdftoppm  string
	Tesseract string

	// Run defaults to executing the real binaries.
	Run CommandRunner
}

// NewOCRExtractor returns an extractor with defaults applied to zero values.
func NewOCRExtractor(dpi int, languages string) *OCRExtractor {
	if dpi <= 0 {
		dpi = DefaultOCRDPI
	}
	if languages == "" {
		languages = DefaultOCRLanguages
	}
	return &OCRExtractor{
		DPI:       dpi,
		Languages: languages,
		Kernel:    DefaultOCRKernel,
		Pdftoppm:  "pdftoppm",
		Tesseract: "tesseract",
		Run:       execRunner,
	}
}

func (o *OCRExtractor) Method() string { return MethodOCR }

func (o *OCRExtractor) Extract(ctx context.Context, path string) ([]Page, error) {
	tmp, err := os.MkdirTemp("", "docqa-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	prefix := filepath.Join(tmp, "page")
	if _, err := o.Run(ctx, o.Pdftoppm, "-r", fmt.Sprint(o.DPI), "-png", path, prefix); err != nil {
		return nil, fmt.Errorf("rendering pages: %w", err)
	}

	images, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	// pdftoppm zero-pads page numbers, so lexical order is page order.
	sort.Strings(images)
	if len(images) == 0 {
		return nil, fmt.Errorf("rendering pages: no images produced")
	}

	pages := make([]Page, 0, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := o.recognize(ctx, img, filepath.Join(tmp, fmt.Sprintf("clean-%04d.png", i+1)))
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		pages = append(pages, Page{Number: i + 1, Text: textnorm.Fix(text)})
	}
	if !usable(pages) {
		return pages, ErrNoText
	}
	return pages, nil
}

func (o *OCRExtractor) recognize(ctx context.Context, src, dst string) (string, error) {
	img, err := imaging.Open(src)
	if err != nil {
		return "", fmt.Errorf("decoding rendered page: %w", err)
	}
	if err := imaging.Save(Preprocess(img, o.Kernel), dst); err != nil {
		return "", fmt.Errorf("saving preprocessed page: %w", err)
	}
	out, err := o.Run(ctx, o.Tesseract, dst, "stdout", "-l", o.Languages, "--oem", "3", "--psm", "6")
	if err != nil {
		return "", fmt.Errorf("recognizing text: %w", err)
	}
	return string(out), nil
}
