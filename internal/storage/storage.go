// Package storage defines the remote object store the backup runs upload to.
package storage

import (
	"context"
	"errors"
	"time"
)

// ArchiveContentType is the media type of every uploaded archive.
const ArchiveContentType = "application/zip"

var (
	// ErrNotAuthorized is returned when no usable credential exists.
	ErrNotAuthorized = errors.New("remote storage: not authorized")
	// ErrRemote wraps network and API failures.
	ErrRemote = errors.New("remote storage error")
)

// Object is a remote archive as reported by List.
type Object struct {
	ID           string
	Name         string
	ModifiedTime time.Time
	Size         int64
}

// Store is the remote storage contract.
//
// List returns archives whose name contains typeTag inside folderID,
// oldest first. Delete of an unknown id is not an error.
type Store interface {
	ResolveFolder(ctx context.Context, name string) (string, error)
	Upload(ctx context.Context, localPath, name, folderID string) (string, error)
	List(ctx context.Context, typeTag, folderID string) ([]Object, error)
	Delete(ctx context.Context, id string) error
}
