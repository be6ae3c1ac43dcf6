// Package drive implements the remote tree contract against the Google Drive
// v3 API for shared drives.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/driveindex/internal/reconcile"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultPageSize       = 100
	defaultRequestTimeout = 30 * time.Second
	maxDrivesPageSize     = 100
	itemFields            = "id,name,mimeType,parents,md5Checksum,createdTime,modifiedTime,trashed"
)

type Options struct {
	// CredentialsFile or CredentialsJSON holds a service account key.
	CredentialsFile string
	CredentialsJSON []byte
	// Subject is the user impersonated through domain-wide delegation.
	Subject        string
	Endpoint       string
	HTTPClient     *http.Client
	PageSize       int64
	RequestTimeout time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	UserAgent      string
	Logger         reconcile.Logger
}

type Client struct {
	service  *drivev3.Service
	pageSize int64
	timeout  time.Duration
}

func New(ctx context.Context, opts Options) (*Client, error) {
	httpClient, err := buildHTTPClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	clientOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(endpoint))
	}
	service, err := drivev3.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{service: service, pageSize: pageSize, timeout: timeout}, nil
}

func buildHTTPClient(ctx context.Context, opts Options) (*http.Client, error) {
	if opts.HTTPClient != nil {
		client := *opts.HTTPClient
		client.Transport = newRetryTransport(opts.HTTPClient.Transport, opts)
		return &client, nil
	}
	credentials := opts.CredentialsJSON
	if len(credentials) == 0 {
		path := strings.TrimSpace(opts.CredentialsFile)
		if path == "" {
			return nil, fmt.Errorf("%w: drive credentials are required", reconcile.ErrInvalidInput)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read drive credentials: %w", err)
		}
		credentials = data
	}
	config, err := google.JWTConfigFromJSON(credentials, drivev3.DriveReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse drive credentials: %w", err)
	}
	config.Subject = strings.TrimSpace(opts.Subject)
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: config.TokenSource(ctx),
			Base:   newRetryTransport(nil, opts),
		},
	}, nil
}

func (c *Client) ListCollections(ctx context.Context, pageToken string) (reconcile.CollectionPage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	call := c.service.Drives.List().
		PageSize(maxDrivesPageSize).
		Fields("nextPageToken", "drives(id,name)").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	list, err := call.Do()
	if err != nil {
		return reconcile.CollectionPage{}, fmt.Errorf("list shared drives: %w", err)
	}
	page := reconcile.CollectionPage{NextPageToken: list.NextPageToken}
	for _, d := range list.Drives {
		if d == nil || d.Id == "" {
			continue
		}
		page.Collections = append(page.Collections, reconcile.Collection{ID: d.Id, Name: d.Name})
	}
	return page, nil
}

func (c *Client) FindRootFolder(ctx context.Context, collectionID, name string) (reconcile.RemoteItem, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	query := fmt.Sprintf("mimeType='%s' and name='%s' and '%s' in parents and trashed=false",
		reconcile.FolderMimeType, escapeQuery(name), escapeQuery(collectionID))
	list, err := c.listFiles(collectionID).
		Q(query).
		PageSize(10).
		Fields(googleapi.Field("files(" + itemFields + ")")).
		Context(ctx).
		Do()
	if err != nil {
		return reconcile.RemoteItem{}, false, fmt.Errorf("find %q in drive %s: %w", name, collectionID, mapItemError(err))
	}
	for _, file := range list.Files {
		if file != nil && file.Id != "" {
			return toRemoteItem(file), true, nil
		}
	}
	return reconcile.RemoteItem{}, false, nil
}

func (c *Client) ListChildren(ctx context.Context, folderID, collectionID, pageToken string) (reconcile.ItemPage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	call := c.listFiles(collectionID).
		Q(fmt.Sprintf("'%s' in parents and trashed=false", escapeQuery(folderID))).
		PageSize(c.pageSize).
		OrderBy("folder,name").
		Fields("nextPageToken", googleapi.Field("files("+itemFields+")")).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	list, err := call.Do()
	if err != nil {
		return reconcile.ItemPage{}, fmt.Errorf("list children of %s: %w", folderID, mapItemError(err))
	}
	page := reconcile.ItemPage{NextPageToken: list.NextPageToken}
	for _, file := range list.Files {
		if file != nil && file.Id != "" {
			page.Items = append(page.Items, toRemoteItem(file))
		}
	}
	return page, nil
}

func (c *Client) GetChanges(ctx context.Context, cursor, collectionID string) (reconcile.ChangePage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	call := c.service.Changes.List(cursor).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		IncludeRemoved(true).
		PageSize(c.pageSize).
		Fields("nextPageToken", "newStartPageToken", googleapi.Field("changes(changeType,fileId,removed,file("+itemFields+"))")).
		Context(ctx)
	if collectionID != "" {
		call = call.DriveId(collectionID)
	}
	list, err := call.Do()
	if err != nil {
		if status := statusCode(err); status == http.StatusNotFound || status == http.StatusGone {
			return reconcile.ChangePage{}, fmt.Errorf("changes of drive %s at %s: %w: %v", collectionID, cursor, reconcile.ErrCursorExpired, err)
		}
		return reconcile.ChangePage{}, fmt.Errorf("changes of drive %s at %s: %w", collectionID, cursor, err)
	}
	page := reconcile.ChangePage{NextPageToken: list.NextPageToken, NewStartCursor: list.NewStartPageToken}
	for _, change := range list.Changes {
		if record, ok := toChangeRecord(change); ok {
			page.Changes = append(page.Changes, record)
		}
	}
	return page, nil
}

func (c *Client) GetItem(ctx context.Context, id string) (reconcile.RemoteItem, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	file, err := c.service.Files.Get(id).
		SupportsAllDrives(true).
		Fields(itemFields).
		Context(ctx).
		Do()
	if err != nil {
		return reconcile.RemoteItem{}, fmt.Errorf("get item %s: %w", id, mapItemError(err))
	}
	return toRemoteItem(file), nil
}

func (c *Client) GetStartCursor(ctx context.Context, collectionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	call := c.service.Changes.GetStartPageToken().SupportsAllDrives(true).Context(ctx)
	if collectionID != "" {
		call = call.DriveId(collectionID)
	}
	token, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("start cursor of drive %s: %w", collectionID, err)
	}
	return token.StartPageToken, nil
}

// Fetch streams the content of the file named by req. Virtual documents are
// exported in req.ExportMimeType; everything else is downloaded as stored.
func (c *Client) Fetch(ctx context.Context, req reconcile.ActionRequest) (io.ReadCloser, error) {
	var (
		resp *http.Response
		err  error
	)
	if req.ExportMimeType != "" {
		resp, err = c.service.Files.Export(req.SourceID, req.ExportMimeType).Context(ctx).Download()
	} else {
		resp, err = c.service.Files.Get(req.SourceID).SupportsAllDrives(true).Context(ctx).Download()
	}
	if err != nil {
		return nil, fmt.Errorf("fetch content of %s: %w", req.SourceID, mapItemError(err))
	}
	return resp.Body, nil
}

func (c *Client) listFiles(collectionID string) *drivev3.FilesListCall {
	call := c.service.Files.List().SupportsAllDrives(true).IncludeItemsFromAllDrives(true)
	if collectionID != "" {
		call = call.Corpora("drive").DriveId(collectionID)
	}
	return call
}

func mapItemError(err error) error {
	if statusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %v", reconcile.ErrItemNotFound, err)
	}
	return err
}

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func escapeQuery(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `'`, `\'`)
}
