// Package blob is the storage facade backing the HTTP image transport
// (§4.D): content is addressed by {storage pool, storage domain, image,
// volume} UUIDs rather than by content hash, but the on-disk layout and
// the atomic-write-via-rename discipline are carried over unchanged
// from the teacher's content-addressed blob store.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ImageIDs identifies one addressable image volume. VolumeID is
// optional; when empty, "default" is used as the on-disk segment.
type ImageIDs struct {
	PoolID   string
	DomainID string
	ImageID  string
	VolumeID string
}

func (ids ImageIDs) path(root string) (string, error) {
	if _, err := uuid.Parse(ids.PoolID); err != nil {
		return "", fmt.Errorf("invalid Storage-Pool-Id: %w", err)
	}
	if _, err := uuid.Parse(ids.DomainID); err != nil {
		return "", fmt.Errorf("invalid Storage-Domain-Id: %w", err)
	}
	if _, err := uuid.Parse(ids.ImageID); err != nil {
		return "", fmt.Errorf("invalid Image-Id: %w", err)
	}
	volume := ids.VolumeID
	if volume == "" {
		volume = "default"
	} else if _, err := uuid.Parse(volume); err != nil {
		return "", fmt.Errorf("invalid Volume-Id: %w", err)
	}
	return filepath.Join(root, ".aegis", "images", ids.PoolID, ids.DomainID, ids.ImageID, volume), nil
}

// ImageStore is the Storage implementation consumed by imgtransport.
type ImageStore struct {
	root string
}

// NewImageStore roots a store at the given data directory.
func NewImageStore(root string) *ImageStore {
	return &ImageStore{root: root}
}

// Download streams exactly length bytes from r into the addressed
// volume, atomically (temp file + rename, so a reader never observes a
// partial file), and returns a fresh task id for the transfer.
func (s *ImageStore) Download(ctx context.Context, ids ImageIDs, r io.Reader, length int64) (string, error) {
	final, err := ids.path(s.root)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create image directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.CopyN(tmp, r, length)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("stream %d bytes (got %d): %w", length, n, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("finalize image: %w", err)
	}

	return uuid.NewString(), nil
}

// Upload opens the addressed volume for a streamed read of up to length
// bytes, returning a fresh task id for the transfer. The caller is
// responsible for closing the returned reader.
func (s *ImageStore) Upload(ctx context.Context, ids ImageIDs, length int64) (io.ReadCloser, string, error) {
	path, err := ids.path(s.root)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, uuid.NewString(), nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
