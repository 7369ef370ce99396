// Package mapping implements the durable per-vault mapping record
// (".nexusmap/sync.json") that is the sole source of truth for the local ↔
// remote correspondence.
package mapping

// Version is the current mapping record schema version.
const Version = 1

// FileEntry is the mapping state for one synced local file.
type FileEntry struct {
	FileID          string `json:"file_id"`
	FolderID        string `json:"folder_id"`
	Kind            string `json:"kind"`
	LocalHash       string `json:"local_hash"`
	RemoteUpdatedAt string `json:"remote_updated_at"`
}

// ResourceEntry is the mapping state for one pulled-only resource.
type ResourceEntry struct {
	ResourceID      string `json:"resource_id"`
	LocalHash       string `json:"local_hash"`
	RemoteUpdatedAt string `json:"remote_updated_at"`
}

// Record is the persisted content of ".nexusmap/sync.json".
type Record struct {
	Version         int    `json:"version"`
	VaultPath       string `json:"vault_path"`
	ProjectFolderID string `json:"project_folder_id"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	LastPullAt      string `json:"last_pull_at"`
	LastRagExportAt string `json:"last_rag_export_at"`

	Folders   map[string]string        `json:"folders"`
	Files     map[string]FileEntry     `json:"files"`
	Resources map[string]ResourceEntry `json:"resources"`
}

// New builds a fresh record rooted at projectFolderID. now must be an
// RFC3339 UTC timestamp.
func New(vaultPath, projectFolderID, now string) *Record {
	return &Record{
		Version:         Version,
		VaultPath:       vaultPath,
		ProjectFolderID: projectFolderID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Folders:         map[string]string{"": projectFolderID},
		Files:           map[string]FileEntry{},
		Resources:       map[string]ResourceEntry{},
	}
}

// FolderRel returns the relative folder path whose remote id is folderID, if
// the mapping already knows it. Used to reconstruct a local path for a
// remote file/resource without re-walking the remote folder tree.
func (r *Record) FolderRel(folderID string) (string, bool) {
	for rel, id := range r.Folders {
		if id == folderID {
			return rel, true
		}
	}

	return "", false
}

// FileRelByID returns the relative file path mapped to fileID, if known.
func (r *Record) FileRelByID(fileID string) (string, bool) {
	for rel, entry := range r.Files {
		if entry.FileID == fileID {
			return rel, true
		}
	}

	return "", false
}

// ResourceRelByID returns the relative resource path mapped to resourceID,
// if known.
func (r *Record) ResourceRelByID(resourceID string) (string, bool) {
	for rel, entry := range r.Resources {
		if entry.ResourceID == resourceID {
			return rel, true
		}
	}

	return "", false
}
