package drive

import (
	"time"

	"github.com/agentworkforce/driveindex/internal/reconcile"
	drivev3 "google.golang.org/api/drive/v3"
)

func toRemoteItem(file *drivev3.File) reconcile.RemoteItem {
	if file == nil {
		return reconcile.RemoteItem{}
	}
	item := reconcile.RemoteItem{
		ID:              file.Id,
		Name:            file.Name,
		Kind:            reconcile.ItemFile,
		MimeType:        file.MimeType,
		ParentIDs:       append([]string(nil), file.Parents...),
		ContentChecksum: file.Md5Checksum,
		CreatedAt:       parseTime(file.CreatedTime),
		ModifiedAt:      parseTime(file.ModifiedTime),
		Trashed:         file.Trashed,
	}
	if file.MimeType == reconcile.FolderMimeType {
		item.Kind = reconcile.ItemFolder
		item.ContentChecksum = ""
	}
	return item
}

// toChangeRecord drops shared drive metadata changes, which carry no file.
func toChangeRecord(change *drivev3.Change) (reconcile.ChangeRecord, bool) {
	if change == nil || change.FileId == "" {
		return reconcile.ChangeRecord{}, false
	}
	if change.ChangeType != "" && change.ChangeType != "file" {
		return reconcile.ChangeRecord{}, false
	}
	record := reconcile.ChangeRecord{Removed: change.Removed}
	if change.File != nil {
		record.Item = toRemoteItem(change.File)
	}
	if record.Item.ID == "" {
		record.Item.ID = change.FileId
	}
	return record, true
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
