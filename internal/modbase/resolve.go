package modbase

import (
	"os"
	"path/filepath"
)

// resolvePath implements spec.md §4.3's "prepend ./ if not absolute and
// that file exists" rule.
func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	candidate := "./" + path
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}
