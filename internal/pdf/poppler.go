// Package pdf renders PDF documents to page images.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const outputPrefix = "page"

// Poppler rasterizes PDFs with the pdftoppm tool from poppler-utils
type Poppler struct {
	pdftoppmPath string
	dpi          int
	tempDir      string
}

// NewPoppler creates a rasterizer. An empty tempDir uses the OS default.
func NewPoppler(pdftoppmPath string, dpi int, tempDir string) *Poppler {
	if pdftoppmPath == "" {
		pdftoppmPath = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 300
	}
	return &Poppler{
		pdftoppmPath: pdftoppmPath,
		dpi:          dpi,
		tempDir:      tempDir,
	}
}

// Rasterize renders every page as PNG, in page order
func (p *Poppler) Rasterize(ctx context.Context, document []byte) ([][]byte, error) {
	workDir, err := os.MkdirTemp(p.tempDir, "ocr-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(inputPath, document, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}

	args := []string{
		"-r", strconv.Itoa(p.dpi),
		"-png",
		inputPath,
		filepath.Join(workDir, outputPrefix),
	}

	cmd := exec.CommandContext(ctx, p.pdftoppmPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list rendered pages: %w", err)
	}

	var names []string
	for _, e := range entries {
		if _, ok := pageNumber(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sortPages(names)

	pages := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(workDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read page %s: %w", name, err)
		}
		pages = append(pages, data)
	}

	return pages, nil
}

// pageNumber parses pdftoppm output names such as page-7.png or page-007.png
func pageNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, outputPrefix+"-") || !strings.HasSuffix(name, ".png") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, outputPrefix+"-"), ".png")
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func sortPages(names []string) {
	sort.Slice(names, func(i, j int) bool {
		a, _ := pageNumber(names[i])
		b, _ := pageNumber(names[j])
		return a < b
	})
}
