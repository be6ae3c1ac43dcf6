package reconcile

import (
	"context"
	"errors"
	"time"
)

// NeverSynced is the checkpoint cursor of a collection that has not been
// bootstrapped yet.
const NeverSynced = "0"

var (
	ErrItemNotFound    = errors.New("remote item not found")
	ErrCursorExpired   = errors.New("change cursor expired")
	ErrTreeTooDeep     = errors.New("remote tree exceeds max depth")
	ErrParentCycle     = errors.New("remote parent chain contains a cycle")
	ErrInvalidInput    = errors.New("invalid input")
	ErrCycleIncomplete = errors.New("poll cycle incomplete")
	ErrCycleRunning    = errors.New("poll cycle already running")
)

type ItemKind string

const (
	ItemFile   ItemKind = "file"
	ItemFolder ItemKind = "folder"
)

type RemoteItem struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Kind            ItemKind  `json:"kind"`
	MimeType        string    `json:"mimeType,omitempty"`
	ParentIDs       []string  `json:"parentIds,omitempty"`
	ContentChecksum string    `json:"contentChecksum,omitempty"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
	ModifiedAt      time.Time `json:"modifiedAt,omitempty"`
	Trashed         bool      `json:"trashed,omitempty"`
}

func (i RemoteItem) IsFolder() bool {
	return i.Kind == ItemFolder
}

// ChangeRecord is one entry of a collection's change feed. Removed items
// usually carry only their ID.
type ChangeRecord struct {
	Item    RemoteItem `json:"item"`
	Removed bool       `json:"removed,omitempty"`
}

type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CollectionPage struct {
	Collections   []Collection
	NextPageToken string
}

type ItemPage struct {
	Items         []RemoteItem
	NextPageToken string
}

type ChangePage struct {
	Changes        []ChangeRecord
	NextPageToken  string
	NewStartCursor string
}

// RemoteTree is the provider-facing contract the engine reconciles against.
// GetItem and ListChildren return an error wrapping ErrItemNotFound when the
// item no longer exists; any other error is a transport failure.
type RemoteTree interface {
	ListCollections(ctx context.Context, pageToken string) (CollectionPage, error)
	FindRootFolder(ctx context.Context, collectionID, name string) (RemoteItem, bool, error)
	ListChildren(ctx context.Context, folderID, collectionID, pageToken string) (ItemPage, error)
	GetChanges(ctx context.Context, cursor, collectionID string) (ChangePage, error)
	GetItem(ctx context.Context, id string) (RemoteItem, error)
	GetStartCursor(ctx context.Context, collectionID string) (string, error)
}

type IdentityRecord struct {
	LocalPath       string `json:"localPath"`
	ContentChecksum string `json:"contentChecksum,omitempty"`
	Folder          bool   `json:"folder,omitempty"`
}

type IdentityEntry struct {
	ID string `json:"id"`
	IdentityRecord
}

// CheckpointStore persists one change-feed cursor per collection. Load
// returns NeverSynced for collections without a stored cursor.
type CheckpointStore interface {
	Load(ctx context.Context, collectionID string) (string, error)
	Save(ctx context.Context, collectionID, cursor string) error
}

// IdentityStore persists the remote id to local path mapping.
type IdentityStore interface {
	Get(ctx context.Context, id string) (IdentityRecord, bool, error)
	Put(ctx context.Context, id string, record IdentityRecord) error
	Delete(ctx context.Context, id string) error
	// ListUnder returns every record whose path is prefix or lies below it.
	ListUnder(ctx context.Context, prefix string) ([]IdentityEntry, error)
}

type ActionKind string

const (
	ActionMakeDirectory   ActionKind = "make_directory"
	ActionDownload        ActionKind = "download"
	ActionUpdate          ActionKind = "update"
	ActionRenameFile      ActionKind = "rename_file"
	ActionRenameDirectory ActionKind = "rename_directory"
	ActionMoveFile        ActionKind = "move_file"
	ActionMoveDirectory   ActionKind = "move_directory"
	ActionDelete          ActionKind = "delete"
	ActionUpdatePath      ActionKind = "update_path"
)

var ActionKinds = []ActionKind{
	ActionMakeDirectory,
	ActionDownload,
	ActionUpdate,
	ActionRenameFile,
	ActionRenameDirectory,
	ActionMoveFile,
	ActionMoveDirectory,
	ActionDelete,
	ActionUpdatePath,
}

func (k ActionKind) IsDirectory() bool {
	return k == ActionMakeDirectory || k == ActionRenameDirectory || k == ActionMoveDirectory
}

type ActionRequest struct {
	ID              string     `json:"id,omitempty"`
	Kind            ActionKind `json:"kind"`
	SourceID        string     `json:"sourceId"`
	SourceName      string     `json:"sourceName"`
	LocalPath       string     `json:"localPath"`
	OldPath         string     `json:"oldPath,omitempty"`
	CollectionID    string     `json:"collectionId,omitempty"`
	CollectionName  string     `json:"collectionName,omitempty"`
	Category        string     `json:"category,omitempty"`
	SubCategory     string     `json:"subCategory,omitempty"`
	Group           string     `json:"group,omitempty"`
	MimeType        string     `json:"mimeType,omitempty"`
	ExportMimeType  string     `json:"exportMimeType,omitempty"`
	ContentChecksum string     `json:"contentChecksum,omitempty"`
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	ModifiedAt      time.Time  `json:"modifiedAt,omitempty"`
}

// ActionDispatcher hands requests to durable delivery. A nil error means the
// request has been persisted by the dispatcher.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, req ActionRequest) error
}

type CycleFailure struct {
	CollectionID   string    `json:"collectionId,omitempty"`
	CollectionName string    `json:"collectionName,omitempty"`
	Stage          string    `json:"stage"`
	Error          string    `json:"error"`
	At             time.Time `json:"at"`
}

// Notifier receives cycle-level failures for operators.
type Notifier interface {
	Notify(ctx context.Context, failure CycleFailure) error
}

type Logger interface {
	Printf(format string, args ...any)
}
