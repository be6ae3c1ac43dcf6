package reconcile

import "strings"

const (
	FolderMimeType       = "application/vnd.google-apps.folder"
	virtualMimeTypeClass = "application/vnd.google-apps."
)

// ExportFormat is the fixed binary form a virtual document is materialized as.
type ExportFormat struct {
	Extension string
	MimeType  string
}

var exportFormats = map[string]ExportFormat{
	"application/vnd.google-apps.document": {
		Extension: ".docx",
		MimeType:  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	},
	"application/vnd.google-apps.spreadsheet": {
		Extension: ".xlsx",
		MimeType:  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	},
	"application/vnd.google-apps.presentation": {
		Extension: ".pptx",
		MimeType:  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	},
	"application/vnd.google-apps.drawing": {
		Extension: ".pdf",
		MimeType:  "application/pdf",
	},
}

func LookupExport(mimeType string) (ExportFormat, bool) {
	format, ok := exportFormats[strings.TrimSpace(mimeType)]
	return format, ok
}

func IsVirtual(mimeType string) bool {
	mimeType = strings.TrimSpace(mimeType)
	return strings.HasPrefix(mimeType, virtualMimeTypeClass) && mimeType != FolderMimeType
}

// Eligible reports whether an item takes part in reconciliation at all.
// Virtual documents without an export format are out of scope.
func Eligible(item RemoteItem) bool {
	if item.IsFolder() {
		return true
	}
	if !IsVirtual(item.MimeType) {
		return true
	}
	_, ok := LookupExport(item.MimeType)
	return ok
}

// contentVersion is the value compared against the stored checksum. Virtual
// documents have no checksum, so their modification time stands in.
func contentVersion(item RemoteItem) string {
	if item.ContentChecksum != "" {
		return item.ContentChecksum
	}
	if IsVirtual(item.MimeType) && !item.ModifiedAt.IsZero() {
		return "modified:" + item.ModifiedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return ""
}
