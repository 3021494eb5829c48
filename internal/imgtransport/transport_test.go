package imgtransport

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisd/internal/blob"
)

func testHeaders(volumeID string) http.Header {
	h := http.Header{}
	h.Set(headerStoragePoolID, uuid.NewString())
	h.Set(headerStorageDomainID, uuid.NewString())
	h.Set(headerImageID, uuid.NewString())
	if volumeID != "" {
		h.Set(headerVolumeID, volumeID)
	}
	return h
}

func TestPutReturnsTaskID(t *testing.T) {
	dir := t.TempDir()
	store := blob.NewImageStore(dir)
	tr := New(store, zerolog.Nop())

	payload := strings.Repeat("x", 1048576)
	req := httptest.NewRequest(http.MethodPut, "/image", strings.NewReader(payload))
	req.Header = testHeaders("")
	req.ContentLength = int64(len(payload))

	rr := httptest.NewRecorder()
	tr.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, rr.Header().Get(headerTaskID))
}

func TestPutMissingContentLengthFails(t *testing.T) {
	dir := t.TempDir()
	store := blob.NewImageStore(dir)
	tr := New(store, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPut, "/image", strings.NewReader("x"))
	req.Header = testHeaders("")
	req.ContentLength = -1

	rr := httptest.NewRecorder()
	tr.ServeHTTP(rr, req)

	require.Equal(t, http.StatusLengthRequired, rr.Code)
}

func TestGetRangeContract(t *testing.T) {
	dir := t.TempDir()
	store := blob.NewImageStore(dir)
	tr := New(store, zerolog.Nop())

	headers := testHeaders("")
	payload := "0123456789"
	putReq := httptest.NewRequest(http.MethodPut, "/image", strings.NewReader(payload))
	putReq.Header = headers
	putReq.ContentLength = int64(len(payload))
	putRR := httptest.NewRecorder()
	tr.ServeHTTP(putRR, putReq)
	require.Equal(t, http.StatusOK, putRR.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/image", nil)
	getReq.Header = headers.Clone()
	getReq.Header.Set("Range", "bytes=0-9")
	getRR := httptest.NewRecorder()
	tr.ServeHTTP(getRR, getReq)

	require.Equal(t, http.StatusPartialContent, getRR.Code)
	require.Equal(t, "bytes 0-9", getRR.Header().Get("Content-Range"))
	require.Equal(t, "10", getRR.Header().Get("Content-Length"))
	require.NotEmpty(t, getRR.Header().Get(headerTaskID))

	body, err := io.ReadAll(getRR.Body)
	require.NoError(t, err)
	require.Equal(t, payload, string(body))
}

func TestPutAcceptsZstdContentEncoding(t *testing.T) {
	dir := t.TempDir()
	store := blob.NewImageStore(dir)
	tr := New(store, zerolog.Nop())

	payload := []byte(strings.Repeat("compress-me ", 1000))
	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write(payload)
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	headers := testHeaders("")
	headers.Set("Content-Encoding", "zstd")
	req := httptest.NewRequest(http.MethodPut, "/image", bytes.NewReader(compressed.Bytes()))
	req.Header = headers
	req.ContentLength = int64(compressed.Len())

	rr := httptest.NewRecorder()
	tr.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/image", nil)
	getReq.Header = headers.Clone()
	getReq.Header.Del("Content-Encoding")
	getReq.Header.Set("Range", "bytes=0-"+strconv.Itoa(len(payload)-1))
	getRR := httptest.NewRecorder()
	tr.ServeHTTP(getRR, getReq)
	require.Equal(t, http.StatusPartialContent, getRR.Code)

	got, err := io.ReadAll(getRR.Body)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetNegotiatesZstdEncoding(t *testing.T) {
	dir := t.TempDir()
	store := blob.NewImageStore(dir)
	tr := New(store, zerolog.Nop())

	headers := testHeaders("")
	payload := strings.Repeat("0123456789", 100)
	putReq := httptest.NewRequest(http.MethodPut, "/image", strings.NewReader(payload))
	putReq.Header = headers
	putReq.ContentLength = int64(len(payload))
	putRR := httptest.NewRecorder()
	tr.ServeHTTP(putRR, putReq)
	require.Equal(t, http.StatusOK, putRR.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/image", nil)
	getReq.Header = headers.Clone()
	getReq.Header.Set("Range", "bytes=0-"+strconv.Itoa(len(payload)-1))
	getReq.Header.Set("Accept-Encoding", "zstd")
	getRR := httptest.NewRecorder()
	tr.ServeHTTP(getRR, getReq)

	require.Equal(t, http.StatusPartialContent, getRR.Code)
	require.Equal(t, "zstd", getRR.Header().Get("Content-Encoding"))
	require.Empty(t, getRR.Header().Get("Content-Length"))

	dec, err := zstd.NewReader(getRR.Body)
	require.NoError(t, err)
	defer dec.Close()
	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
}

func TestMissingIDHeadersRejected(t *testing.T) {
	dir := t.TempDir()
	store := blob.NewImageStore(dir)
	tr := New(store, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/image", nil)
	req.Header.Set("Range", "bytes=0-9")
	rr := httptest.NewRecorder()
	tr.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}
