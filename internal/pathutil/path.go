package pathutil

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Rel strips root from abs and joins the remaining components with "/".
// It returns ok=false if abs is not inside root. The result is NFC-normalized
// so that filenames decomposed by the filesystem (e.g. macOS APFS handing
// back NFD for non-ASCII names) compare and hash consistently across runs.
func Rel(root, abs string) (rel string, ok bool) {
	root = filepath.Clean(root)
	abs = filepath.Clean(abs)

	r, err := filepath.Rel(root, abs)
	if err != nil {
		return "", false
	}

	if r == "." {
		return "", true
	}

	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}

	return norm.NFC.String(filepath.ToSlash(r)), true
}

// IsSafeRelative reports whether p is a well-formed, containment-safe
// relative path: not absolute, no ".." component, no empty "." component.
func IsSafeRelative(p string) bool {
	if p == "" {
		return false
	}

	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}

	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		switch seg {
		case "", ".", "..":
			return false
		}
	}

	return true
}

// IsUnder reports whether rel equals base or is nested under it
// (base/... ), where base is a single path segment such as "resources" or
// "rag".
func IsUnder(rel, base string) bool {
	return rel == base || strings.HasPrefix(rel, base+"/")
}

// HasComponent reports whether any "/"-separated segment of rel equals name.
func HasComponent(rel, name string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg == name {
			return true
		}
	}

	return false
}

// Join joins a relative folder path and a name into a POSIX relative path,
// treating an empty dir as "no parent".
func Join(dir, name string) string {
	if dir == "" {
		return name
	}

	return dir + "/" + name
}

// ParentDir returns the parent directory of a POSIX relative path rel,
// or "" if rel has no parent (lives at vault root).
func ParentDir(rel string) string {
	idx := strings.LastIndexByte(rel, '/')
	if idx < 0 {
		return ""
	}

	return rel[:idx]
}
