package rpc

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeTextFile writes content to vault/relPath, creating parent
// directories as needed. It writes to a ".partial" sibling first and
// renames it into place, matching the teacher's atomic-write pattern for
// files a concurrent reader (e.g. the watcher) might observe mid-write.
func writeTextFile(vault, relPath, content string) error {
	target := filepath.Join(vault, filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("rpc: creating %s: %w", filepath.Dir(target), err)
	}

	partial := target + ".partial"

	if err := os.WriteFile(partial, []byte(content), 0o644); err != nil {
		return fmt.Errorf("rpc: writing %s: %w", partial, err)
	}

	if err := os.Rename(partial, target); err != nil {
		return fmt.Errorf("rpc: renaming %s to %s: %w", partial, target, err)
	}

	return nil
}

// ensureDir creates vault/relPath and any missing parents (mkdir -p).
func ensureDir(vault, relPath string) error {
	target := filepath.Join(vault, filepath.FromSlash(relPath))

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("rpc: creating %s: %w", target, err)
	}

	return nil
}
