package domain

// Row is one record of an export, already projected onto the report's
// columns.
type Row []string

// ReportConfig is what the export pipeline needs from the report store:
// the data query and the column set the rows are projected onto.
type ReportConfig struct {
	ID      string
	Name    string
	Query   string
	Columns []string
}

// ExportChunk is an intermediate artifact produced while streaming a
// dataset. Chunks are written in strictly increasing index order and
// deleted once merged into the final artifact.
type ExportChunk struct {
	Index       int
	RecordCount int
	StoragePath string
}

// ArtifactRef points at a finished export artifact.
type ArtifactRef struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	RowCount int    `json:"row_count"`
}
