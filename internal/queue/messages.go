package queue

// BatchJobMsg asks the worker to turn a natural-language instruction
// into an operation batch and execute it against one canvas.
type BatchJobMsg struct {
	WorkspaceID   string `json:"workspace_id"`
	RootID        string `json:"root_id"`
	Instruction   string `json:"instruction"`
	Note          string `json:"note,omitempty"`
	OriginSession string `json:"origin_session,omitempty"`
}

// ImportJobMsg asks the worker to extract text from a source and seed
// the canvas from it. Exactly one of SourceURL and ObjectKey is set;
// ObjectKey points at an uploaded .docx in object storage.
type ImportJobMsg struct {
	WorkspaceID   string `json:"workspace_id"`
	RootID        string `json:"root_id"`
	SourceURL     string `json:"source_url,omitempty"`
	ObjectKey     string `json:"object_key,omitempty"`
	Instruction   string `json:"instruction,omitempty"`
	Note          string `json:"note,omitempty"`
	OriginSession string `json:"origin_session,omitempty"`
}
