package blob

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDownloadUploadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := NewImageStore(dir)
	ids := ImageIDs{PoolID: uuid.NewString(), DomainID: uuid.NewString(), ImageID: uuid.NewString()}

	data := []byte("a disk image payload")
	taskID, err := store.Download(context.Background(), ids, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	r, uploadTask, err := store.Upload(context.Background(), ids, int64(len(data)))
	require.NoError(t, err)
	require.NotEmpty(t, uploadTask)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestDownloadRejectsInvalidIDs(t *testing.T) {
	dir := t.TempDir()
	store := NewImageStore(dir)
	ids := ImageIDs{PoolID: "not-a-uuid", DomainID: uuid.NewString(), ImageID: uuid.NewString()}

	_, err := store.Download(context.Background(), ids, bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)
}

func TestUploadMissingVolumeFails(t *testing.T) {
	dir := t.TempDir()
	store := NewImageStore(dir)
	ids := ImageIDs{PoolID: uuid.NewString(), DomainID: uuid.NewString(), ImageID: uuid.NewString()}

	_, _, err := store.Upload(context.Background(), ids, 10)
	require.Error(t, err)
}

func TestDownloadFailsOnShortRead(t *testing.T) {
	dir := t.TempDir()
	store := NewImageStore(dir)
	ids := ImageIDs{PoolID: uuid.NewString(), DomainID: uuid.NewString(), ImageID: uuid.NewString()}

	_, err := store.Download(context.Background(), ids, bytes.NewReader([]byte("short")), 100)
	require.Error(t, err)
}
