// Package remote is the per-account blob store that devices synchronize
// through.
//
// The store is deliberately dumb: named blobs with download and upload, no
// transactions and no compare-and-swap. Two blobs matter, the lock record
// (LockFileName) and the serialized snapshot (DataFileName). Coordination
// between devices is done on top of it by the lock package.
package remote

import (
	"context"
	"errors"
)

const (
	// LockFileName holds the advisory lock record.
	LockFileName = "lock.json"
	// DataFileName holds the serialized account snapshot.
	DataFileName = "data.json"
)

// ErrNotFound is returned when a blob name or id does not exist.
var ErrNotFound = errors.New("blob not found")

// BlobStore is a session against one account's remote storage.
type BlobStore interface {
	// FileIDByName returns the id of the blob called name, or ErrNotFound.
	FileIDByName(ctx context.Context, name string) (string, error)
	// CreateFile creates an empty blob called name and returns its id.
	CreateFile(ctx context.Context, name string) (string, error)
	// Download returns the content of the blob.
	Download(ctx context.Context, id string) ([]byte, error)
	// Upload replaces the content of the blob.
	Upload(ctx context.Context, id string, data []byte) error
}

// Connector opens account-scoped sessions.
type Connector interface {
	Connect(ctx context.Context, account string) (BlobStore, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, account string) (BlobStore, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, account string) (BlobStore, error) {
	return f(ctx, account)
}

// FindOrCreate returns the id of the blob called name, creating an empty one
// if it does not exist.
func FindOrCreate(ctx context.Context, store BlobStore, name string) (string, error) {
	id, err := store.FileIDByName(ctx, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return store.CreateFile(ctx, name)
}
