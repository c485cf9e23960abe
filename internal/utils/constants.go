package utils

// OAuth scopes
const ScopeFull = "https://www.googleapis.com/auth/drive"

// ScopesSync are the scopes needed to download, upload and favorite nodes
var ScopesSync = []string{ScopeFull}

// Retry configuration
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = 1000
	MaxRetryDelayMs     = 32000
)

// Queue and progress defaults
const (
	QueueWorkers              = 2
	DefaultProgressThrottleMs = 250
	DefaultListConcurrency    = 4
	DefaultRefreshSchedule    = "@every 15m"
)

// Schema version
const SchemaVersion = "1.0"

// Google Workspace MIME types
const (
	MimeTypeDocument     = "application/vnd.google-apps.document"
	MimeTypeSpreadsheet  = "application/vnd.google-apps.spreadsheet"
	MimeTypePresentation = "application/vnd.google-apps.presentation"
	MimeTypeFolder       = "application/vnd.google-apps.folder"
)

// ExportMappings maps Workspace MIME types to the format stored offline
var ExportMappings = map[string]string{
	MimeTypeDocument:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	MimeTypeSpreadsheet:  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	MimeTypePresentation: "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// ExtensionMappings maps stored MIME types to local file extensions
var ExtensionMappings = map[string]string{
	"application/pdf": "pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"text/plain": "txt",
	"text/html":  "html",
	"text/csv":   "csv",
	"image/png":  "png",
	"image/jpeg": "jpg",
}

// IsWorkspaceMimeType checks if a MIME type is a Google Workspace type
func IsWorkspaceMimeType(mimeType string) bool {
	_, ok := ExportMappings[mimeType]
	return ok
}

// ExtensionFor returns the local file extension for a node's MIME type, or "bin"
func ExtensionFor(mimeType string) string {
	if exported, ok := ExportMappings[mimeType]; ok {
		mimeType = exported
	}
	if ext, ok := ExtensionMappings[mimeType]; ok {
		return ext
	}
	return "bin"
}
