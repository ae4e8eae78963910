// Package actscan discovers act documents (PDF files) in the acts folder
// and keeps the store's act log in step with it.
//
// Layout convention of the acts folder:
//
//	<root>/
//	    АОСР-001.pdf            number "АОСР-001", work type "Не указан"
//	    Бетонирование/
//	        АОСР-002.pdf        number "АОСР-002", work type "Бетонирование"
//	        2024/АОСР-003.PDF   number "АОСР-003", work type "2024"
//
// The work type is the name of the folder directly containing the file.
package actscan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/structura-bim/structura/internal/store/schema"
)

// pdfExt is matched case-insensitively.
const pdfExt = ".pdf"

// Result is the outcome of a folder scan.
type Result struct {
	Acts []*schema.Act
	// Skipped lists subdirectories that could not be read.
	Skipped []string
}

// Scan walks root recursively and returns an act for every PDF file found.
// Unreadable subdirectories are recorded in Result.Skipped; an unreadable
// root is an error.
func Scan(root string) (*Result, error) {
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read acts folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("acts folder %s is not a directory", root)
	}
	return scanTree(root, root)
}

// scanTree walks dir, deriving work types relative to root.
func scanTree(root, dir string) (*Result, error) {
	result := &Result{Acts: []*schema.Act{}}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			result.Skipped = append(result.Skipped, path)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsPDF(path) {
			return nil
		}
		result.Acts = append(result.Acts, ActFromPath(root, path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return result, nil
}

// IsPDF reports whether path has a .pdf extension in any letter case.
func IsPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), pdfExt)
}

// ActFromPath builds the act for a PDF file below root.
func ActFromPath(root, path string) *schema.Act {
	base := filepath.Base(path)
	number := base[:len(base)-len(filepath.Ext(base))]

	workType := schema.UnknownWorkType
	if parent := filepath.Dir(filepath.Clean(path)); parent != filepath.Clean(root) {
		workType = filepath.Base(parent)
	}

	return &schema.Act{
		Number:   number,
		FilePath: path,
		WorkType: workType,
	}
}
