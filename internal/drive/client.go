// Package drive adapts the Google Drive v3 API to the narrow surface the
// sync engine and notification router need: folder-tree enumeration, media
// download, the change feed, and push-channel lifecycle.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// imageMimeTypes are the leaf types the enumeration keeps.
var imageMimeTypes = []string{
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/svg+xml",
}

const (
	folderMimeType = "application/vnd.google-apps.folder"
	listPageSize   = 1000
)

// Client wraps a Drive service. All calls set the shared-drive support
// flags so tenants on shared drives behave like My Drive tenants.
type Client struct {
	svc    *gdrive.Service
	logger *slog.Logger
}

// NewClient wraps an authenticated Drive service.
func NewClient(svc *gdrive.Service, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{svc: svc, logger: logger}
}

// ResolveFolder confirms the folder exists and returns the id of the
// physical drive containing it. An empty drive id means My Drive.
func (c *Client) ResolveFolder(ctx context.Context, folderID string) (string, error) {
	f, err := c.svc.Files.Get(folderID).
		SupportsAllDrives(true).
		Fields("id", "name", "mimeType", "driveId").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("drive: resolving folder %s: %w", folderID, classify(err))
	}

	if f.MimeType != folderMimeType {
		return "", fmt.Errorf("drive: %s is not a folder (%s)", folderID, f.MimeType)
	}

	return f.DriveId, nil
}

// ListFolderTree walks the folder tree breadth-first and returns every image
// leaf with its root-relative folder path. A listing failure inside one
// subfolder is logged and skipped; the walk continues. A failure on the root
// folder fails the walk, so a Drive outage never looks like an empty tree to
// callers that diff against it.
func (c *Client) ListFolderTree(ctx context.Context, folderID string) ([]FileMeta, error) {
	type queued struct {
		id   string
		path string
		root bool
	}

	queue := []queued{{id: folderID, root: true}}
	var files []FileMeta

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		leaves, err := c.listImages(ctx, cur.id, cur.path)
		if err != nil {
			if cur.root {
				return nil, fmt.Errorf("drive: listing root folder %s: %w", cur.id, err)
			}

			c.logger.Warn("listing folder images failed, skipping folder",
				"folder_id", cur.id, "folder_path", cur.path, "error", err)
		} else {
			files = append(files, leaves...)
		}

		subs, err := c.listSubfolders(ctx, cur.id)
		if err != nil {
			if cur.root {
				return nil, fmt.Errorf("drive: listing root folder %s: %w", cur.id, err)
			}

			c.logger.Warn("listing subfolders failed, skipping subtree",
				"folder_id", cur.id, "folder_path", cur.path, "error", err)
			continue
		}

		for _, sub := range subs {
			path := sub.Name
			if cur.path != "" {
				path = cur.path + "/" + sub.Name
			}

			queue = append(queue, queued{id: sub.Id, path: path})
		}
	}

	return files, nil
}

func (c *Client) listImages(ctx context.Context, folderID, folderPath string) ([]FileMeta, error) {
	var types []string
	for _, m := range imageMimeTypes {
		types = append(types, fmt.Sprintf("mimeType='%s'", m))
	}

	query := fmt.Sprintf("'%s' in parents and trashed=false and (%s)",
		folderID, strings.Join(types, " or "))

	var files []FileMeta

	err := c.eachPage(ctx, query,
		"nextPageToken, files(id, name, mimeType, webViewLink, modifiedTime, size, md5Checksum)",
		func(f *gdrive.File) {
			files = append(files, FileMeta{
				ID:           f.Id,
				Name:         f.Name,
				FolderPath:   folderPath,
				WebViewLink:  f.WebViewLink,
				MimeType:     f.MimeType,
				ModifiedTime: f.ModifiedTime,
				Size:         f.Size,
				MD5Checksum:  f.Md5Checksum,
			})
		})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func (c *Client) listSubfolders(ctx context.Context, folderID string) ([]*gdrive.File, error) {
	query := fmt.Sprintf("'%s' in parents and trashed=false and mimeType='%s'",
		folderID, folderMimeType)

	var folders []*gdrive.File

	err := c.eachPage(ctx, query, "nextPageToken, files(id, name)", func(f *gdrive.File) {
		folders = append(folders, f)
	})
	if err != nil {
		return nil, err
	}

	return folders, nil
}

// eachPage iterates a files.list query to exhaustion.
func (c *Client) eachPage(ctx context.Context, query, fields string, visit func(*gdrive.File)) error {
	pageToken := ""

	for {
		call := c.svc.Files.List().
			Q(query).
			Fields(googleapi.Field(fields)).
			PageSize(listPageSize).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)

		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return fmt.Errorf("drive: files.list: %w", classify(err))
		}

		for _, f := range page.Files {
			visit(f)
		}

		if page.NextPageToken == "" {
			return nil
		}

		pageToken = page.NextPageToken
	}
}

// Download fetches the full media content of a file.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.svc.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("drive: downloading %s: %w", fileID, classify(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("drive: reading media %s: %w", fileID, err)
	}

	return data, nil
}

// Parents returns the parent folder ids of a file.
func (c *Client) Parents(ctx context.Context, fileID string) ([]string, error) {
	f, err := c.svc.Files.Get(fileID).
		SupportsAllDrives(true).
		Fields("parents").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("drive: getting parents of %s: %w", fileID, classify(err))
	}

	return f.Parents, nil
}

// StartPageToken returns the current head token of the change feed.
// driveID may be empty for My Drive.
func (c *Client) StartPageToken(ctx context.Context, driveID string) (string, error) {
	call := c.svc.Changes.GetStartPageToken().SupportsAllDrives(true).Context(ctx)
	if driveID != "" {
		call = call.DriveId(driveID)
	}

	token, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("drive: getting start page token: %w", classify(err))
	}

	return token.StartPageToken, nil
}

// ListChanges returns one page of the change feed starting at pageToken.
// The caller pages by feeding NextPageToken back in.
func (c *Client) ListChanges(ctx context.Context, pageToken, driveID string) (*ChangePage, error) {
	call := c.svc.Changes.List(pageToken).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Fields("nextPageToken", "newStartPageToken",
			"changes(fileId, removed, file(id, name, parents, mimeType, trashed))").
		PageSize(listPageSize).
		Context(ctx)

	if driveID != "" {
		call = call.DriveId(driveID)
	}

	page, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("drive: changes.list: %w", classify(err))
	}

	out := &ChangePage{
		NextPageToken:     page.NextPageToken,
		NewStartPageToken: page.NewStartPageToken,
	}

	for _, ch := range page.Changes {
		change := Change{FileID: ch.FileId, Removed: ch.Removed}

		if ch.File != nil {
			change.File = &ChangedFile{
				ID:       ch.File.Id,
				Name:     ch.File.Name,
				MimeType: ch.File.MimeType,
				Parents:  ch.File.Parents,
				Trashed:  ch.File.Trashed,
			}
		}

		out.Changes = append(out.Changes, change)
	}

	return out, nil
}

// WatchCreate registers a push channel on the change feed.
func (c *Client) WatchCreate(ctx context.Context, pageToken, driveID, callbackURL, channelID string, ttlSeconds int) (*ChannelInfo, error) {
	channel := &gdrive.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: callbackURL,
		Params:  map[string]string{"ttl": fmt.Sprint(ttlSeconds)},
	}

	call := c.svc.Changes.Watch(pageToken, channel).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx)

	if driveID != "" {
		call = call.DriveId(driveID)
	}

	created, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("drive: creating watch channel: %w", classify(err))
	}

	return &ChannelInfo{
		ChannelID:  created.Id,
		ResourceID: created.ResourceId,
		Expiration: created.Expiration,
	}, nil
}

// WatchStop stops a push channel. A channel already expired on Drive's side
// (404 or 410) counts as stopped.
func (c *Client) WatchStop(ctx context.Context, channelID, resourceID string) error {
	err := c.svc.Channels.Stop(&gdrive.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do()
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone) {
			c.logger.Debug("watch channel already gone", "channel_id", channelID)
			return nil
		}

		return fmt.Errorf("drive: stopping channel %s: %w", channelID, err)
	}

	return nil
}

// IsImageMime reports whether the MIME type is one the pipeline embeds.
func IsImageMime(mimeType string) bool {
	for _, m := range imageMimeTypes {
		if m == mimeType {
			return true
		}
	}

	return false
}
