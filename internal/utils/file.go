package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/dustin/go-humanize"
)

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	switch GetFileExtension(filename) {
	case "jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff", "webp":
		return true
	}
	return false
}

// IsURL reports whether source is an http or https URL
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// SourceName returns the file name of a local path or of a URL's path
func SourceName(source string) string {
	if !IsURL(source) {
		return filepath.Base(source)
	}
	u, err := url.Parse(source)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return "image"
	}
	return path.Base(u.Path)
}

// OutputPath returns the feature file path for an image: "<image>.<suffix>.npz"
// next to the image
func OutputPath(imagePath, suffix string) string {
	return fmt.Sprintf("%s.%s.npz", imagePath, suffix)
}

// ListImageFiles expands pattern (with ** support) under root and returns the
// matching image files in lexical order
func ListImageFiles(root, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "**/*"
	}
	matches, err := doublestar.Glob(filepath.Join(root, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad image glob %q: %w", pattern, err)
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if IsImageFile(m) && FileExists(m) {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	if size < 0 {
		return fmt.Sprintf("%d B", size)
	}
	return humanize.IBytes(uint64(size))
}
