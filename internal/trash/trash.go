// Package trash implements the vault-internal pre-deletion archive:
// a safe copy of a file's bytes into ".nexusmap/trash/<timestamp>/<rel>"
// before the original is removed or overwritten by reconciliation.
package trash

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/heysami/nexusmap-sync/internal/mapping"
)

// DirName is the trash root inside ".nexusmap/".
const DirName = "trash"

// tsLayout matches spec.md's "%Y-%m-%dT%H%M%SZ" archive-folder naming.
const tsLayout = "2006-01-02T150405Z"

// Root returns the trash root directory for vault.
func Root(vault string) string {
	return filepath.Join(mapping.Dir(vault), DirName)
}

// Archive copies the local file at vault/rel into
// ".nexusmap/trash/<ts>/<rel>" and deletes the original. It returns the
// absolute destination path, or ("", nil) if the source does not exist or
// is not a regular file (directories and symlinks are left untouched).
func Archive(vault, rel string) (string, error) {
	return archiveAt(vault, rel, time.Now().UTC())
}

// ArchiveBytes writes content directly into the trash archive at the given
// relative path, without requiring a local file to already exist. Used when
// the content being archived came from the remote (e.g. a best-effort backup
// of a row about to be deleted server-side).
func ArchiveBytes(vault, rel string, content []byte) (string, error) {
	ts := time.Now().UTC().Format(tsLayout)
	dst := filepath.Join(Root(vault), ts, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("trash: creating %s: %w", filepath.Dir(dst), err)
	}

	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return "", fmt.Errorf("trash: writing %s: %w", dst, err)
	}

	return dst, nil
}

func archiveAt(vault, rel string, now time.Time) (string, error) {
	src := filepath.Join(vault, filepath.FromSlash(rel))

	info, err := os.Lstat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", fmt.Errorf("trash: stat %s: %w", src, err)
	}

	if !info.Mode().IsRegular() {
		return "", nil
	}

	ts := now.Format(tsLayout)
	dst := filepath.Join(Root(vault), ts, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("trash: creating %s: %w", filepath.Dir(dst), err)
	}

	if err := copyFile(src, dst); err != nil {
		return "", err
	}

	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("trash: removing original %s: %w", src, err)
	}

	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("trash: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("trash: creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("trash: copying %s to %s: %w", src, dst, err)
	}

	return nil
}
