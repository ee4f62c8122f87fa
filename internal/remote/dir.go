package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DirStore keeps an account's blobs as files in a directory, typically one
// replicated between devices by a desktop drive client. Blob ids are file
// names.
type DirStore struct {
	dir string
}

// NewDirStore returns a store rooted at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the directory holding the blobs.
func (d *DirStore) Dir() string {
	return d.dir
}

func (d *DirStore) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid blob id %q", id)
	}
	return filepath.Join(d.dir, id), nil
}

// FileIDByName implements BlobStore. The id of a blob is its file name.
func (d *DirStore) FileIDByName(ctx context.Context, name string) (string, error) {
	p, err := d.path(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return name, nil
}

// CreateFile implements BlobStore. An existing file is left as is.
func (d *DirStore) CreateFile(ctx context.Context, name string) (string, error) {
	p, err := d.path(name)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	return name, nil
}

// Download implements BlobStore.
func (d *DirStore) Download(ctx context.Context, id string) ([]byte, error) {
	p, err := d.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}
	return data, nil
}

// Upload implements BlobStore. It writes to a temporary file and renames it
// over the blob so readers never see a partial write.
func (d *DirStore) Upload(ctx context.Context, id string, data []byte) error {
	p, err := d.path(id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.dir, "."+id+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", id, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to replace %s: %w", id, err)
	}
	return nil
}

// DirConnector maps each account to a subdirectory of Root.
type DirConnector struct {
	Root string
}

// Connect returns the DirStore of account.
func (c DirConnector) Connect(ctx context.Context, account string) (BlobStore, error) {
	return c.Open(account)
}

// Open is Connect with the concrete type, for callers that want Watch.
func (c DirConnector) Open(account string) (*DirStore, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}
	return NewDirStore(filepath.Join(c.Root, url.PathEscape(account)))
}
