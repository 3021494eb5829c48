// Package imgtransport implements the HTTP image sub-protocol (§4.D):
// a two-verb PUT/GET surface over (K)'s storage facade, with a bounded
// admission queue decoupling accept from per-request handling. Grounded
// on the teacher's HTTP handler shape and on the spec's explicit byte-
// range contract for GET.
package imgtransport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/blob"
)

// contentEncodingZstd is the only negotiated Content-Encoding. It is
// opt-in on both sides: a PUT body is only decompressed when the sender
// declares it, and a GET response is only compressed when the caller's
// Accept-Encoding advertises support.
const contentEncodingZstd = "zstd"

// admissionQueueSize is the bounded task queue size from §4.D: "a
// bounded task queue (size 10) decouples accept from per-connection
// thread creation." Go's net/http already separates accept from
// goroutine spawn; this semaphore bounds concurrent in-flight transfers
// to the same width so the decoupling property still holds.
const admissionQueueSize = 10

// Header names used by the sub-protocol (§6).
const (
	headerStoragePoolID   = "Storage-Pool-Id"
	headerStorageDomainID = "Storage-Domain-Id"
	headerImageID         = "Image-Id"
	headerVolumeID        = "Volume-Id"
	headerTaskID          = "Task-Id"
)

// Storage is the facade (K) provides over the addressed image store.
type Storage interface {
	Download(ctx context.Context, ids blob.ImageIDs, r io.Reader, length int64) (taskID string, err error)
	Upload(ctx context.Context, ids blob.ImageIDs, length int64) (io.ReadCloser, string, error)
}

// Transport is an http.Handler serving the PUT/GET image sub-protocol.
type Transport struct {
	storage Storage
	sem     chan struct{}
	log     zerolog.Logger
}

// New constructs a Transport backed by storage.
func New(storage Storage, log zerolog.Logger) *Transport {
	return &Transport{storage: storage, sem: make(chan struct{}, admissionQueueSize), log: log}
}

// ServeHTTP dispatches PUT and GET; every other verb is rejected. The
// semaphore acquire blocks additional work once admissionQueueSize
// transfers are already in flight, matching the spec's "overflowing
// accepts block" behavior.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-r.Context().Done():
		return
	}

	switch r.Method {
	case http.MethodPut:
		t.handlePut(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func parseImageIDs(h http.Header) (blob.ImageIDs, error) {
	ids := blob.ImageIDs{
		PoolID:   h.Get(headerStoragePoolID),
		DomainID: h.Get(headerStorageDomainID),
		ImageID:  h.Get(headerImageID),
		VolumeID: h.Get(headerVolumeID),
	}
	if ids.PoolID == "" || ids.DomainID == "" || ids.ImageID == "" {
		return ids, errMissingIDHeaders
	}
	if _, err := uuid.Parse(ids.PoolID); err != nil {
		return ids, errInvalidID(headerStoragePoolID)
	}
	if _, err := uuid.Parse(ids.DomainID); err != nil {
		return ids, errInvalidID(headerStorageDomainID)
	}
	if _, err := uuid.Parse(ids.ImageID); err != nil {
		return ids, errInvalidID(headerImageID)
	}
	if ids.VolumeID != "" {
		if _, err := uuid.Parse(ids.VolumeID); err != nil {
			return ids, errInvalidID(headerVolumeID)
		}
	}
	return ids, nil
}

func (t *Transport) handlePut(w http.ResponseWriter, r *http.Request) {
	ids, err := parseImageIDs(r.Header)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if r.ContentLength < 0 {
		writeJSONError(w, http.StatusLengthRequired, errMissingContentLength)
		return
	}

	body := r.Body
	length := r.ContentLength
	if r.Header.Get("Content-Encoding") == contentEncodingZstd {
		dec, err := zstd.NewReader(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		// The wire length is the compressed size; Download needs the
		// decompressed byte count up front to stream exactly that many,
		// so drain the decoder into memory once rather than threading an
		// unknown-length reader through the atomic-write path.
		decoded, err := io.ReadAll(dec)
		dec.Close()
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		body = io.NopCloser(bytes.NewReader(decoded))
		length = int64(len(decoded))
	}

	taskID, err := t.storage.Download(r.Context(), ids, body, length)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set(headerTaskID, taskID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	ids, err := parseImageIDs(r.Header)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	n, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	length := n + 1

	body, taskID, err := t.storage.Upload(r.Context(), ids, length)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	defer body.Close()

	negotiateZstd := strings.Contains(r.Header.Get("Accept-Encoding"), contentEncodingZstd)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Range", "bytes 0-"+strconv.FormatInt(n, 10))
	w.Header().Set(headerTaskID, taskID)
	if !negotiateZstd {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	} else {
		// The encoded size isn't known up front, so Content-Length is
		// left unset and the body is sent chunked, per net/http's
		// default behavior for a response with no declared length.
		w.Header().Set("Content-Encoding", contentEncodingZstd)
	}
	w.WriteHeader(http.StatusPartialContent)

	dst := io.Writer(w)
	var enc *zstd.Encoder
	if negotiateZstd {
		enc, err = zstd.NewWriter(w)
		if err != nil {
			t.log.Warn().Err(err).Msg("imgtransport: zstd encoder init failed, falling back to raw stream")
		} else {
			dst = enc
		}
	}

	// The storage layer's own completion signal is the EOF from the
	// stream it hands back; io.Copy blocking until then plays the role
	// of the original's wait-on-completion-event.
	if _, err := io.CopyN(dst, body, length); err != nil {
		t.log.Warn().Err(err).Msg("imgtransport: GET stream failed after headers sent")
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			t.log.Warn().Err(err).Msg("imgtransport: zstd encoder flush failed")
		}
	}
}

// parseRange parses "bytes=0-<N>" and returns N. Only the single,
// zero-start range form the spec requires is supported.
func parseRange(header string) (int64, error) {
	const prefix = "bytes=0-"
	if !strings.HasPrefix(header, prefix) {
		return 0, errInvalidRange
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(header, prefix), 10, 64)
	if err != nil || n < 0 {
		return 0, errInvalidRange
	}
	return n, nil
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
