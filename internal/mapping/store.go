package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DirName is the reserved internal directory at the root of every vault.
const DirName = ".nexusmap"

// FileName is the mapping record's filename inside DirName.
const FileName = "sync.json"

// ErrProjectMismatch is returned by Init when an existing mapping record
// names a different project than the one requested.
var ErrProjectMismatch = errors.New("mapping: vault already linked to a different project; " +
	"delete .nexusmap/sync.json to relink")

// Dir returns the reserved ".nexusmap" directory inside vault.
func Dir(vault string) string {
	return filepath.Join(vault, DirName)
}

// Path returns the full path to sync.json inside vault.
func Path(vault string) string {
	return filepath.Join(Dir(vault), FileName)
}

// Read loads the mapping record for vault. It returns (nil, nil) if no
// record exists yet.
func Read(vault string) (*Record, error) {
	data, err := os.ReadFile(Path(vault))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("mapping: reading %s: %w", Path(vault), err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("mapping: parsing %s: %w", Path(vault), err)
	}

	return &rec, nil
}

// Write persists rec to vault's sync.json, creating .nexusmap/ on demand.
// The file is rewritten wholesale (overwrite, not append) every time —
// there is no in-memory cache across calls, so each write reflects the
// caller's fully up-to-date view of the record.
func Write(vault string, rec *Record) error {
	if err := os.MkdirAll(Dir(vault), 0o755); err != nil {
		return fmt.Errorf("mapping: creating %s: %w", Dir(vault), err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("mapping: encoding record: %w", err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(Path(vault), data, 0o644); err != nil {
		return fmt.Errorf("mapping: writing %s: %w", Path(vault), err)
	}

	return nil
}

// Init returns the existing mapping record for vault if its project matches
// projectFolderID, or creates and persists a new one. It refuses with
// ErrProjectMismatch if an existing record names a different project.
func Init(vault, projectFolderID, now string) (*Record, error) {
	existing, err := Read(vault)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.ProjectFolderID != projectFolderID {
			return nil, ErrProjectMismatch
		}

		return existing, nil
	}

	rec := New(vault, projectFolderID, now)
	if err := Write(vault, rec); err != nil {
		return nil, err
	}

	return rec, nil
}
