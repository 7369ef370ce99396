package remoteapi

// Folder is a remote folder row.
type Folder struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id"`
}

// File is a remote file row (the fields the engine needs; content is
// fetched only when explicitly selected).
type File struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FolderID  string `json:"folder_id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at"`
}

// ResourceSource describes a project_resources row's provenance, used to
// decide the local materialization path (spec.md §4.8 step 5).
type ResourceSource struct {
	Type string `json:"type"`
}

// Resource is a remote project_resources row.
type Resource struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Markdown  string          `json:"markdown"`
	Source    *ResourceSource `json:"source"`
	UpdatedAt string          `json:"updated_at"`
}

// RagProject is the single rag_projects row for a project.
type RagProject struct {
	ProjectFolderID string `json:"project_folder_id"`
	UpdatedAt       string `json:"updated_at"`
}

// KGEntity is a kg_entities row, passed through to the JSONL export
// unmodified beyond selecting the project's rows.
type KGEntity map[string]any

// KGEdge is a kg_edges row.
type KGEdge map[string]any

// RagChunk is a rag_chunks row with the embedding column omitted
// (spec.md §4.10 step 3).
type RagChunk map[string]any
