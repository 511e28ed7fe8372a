package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/hakobi/internal/blob"
	"github.com/ashita-ai/hakobi/internal/model"
)

// HandlePutBlob handles POST /v1/blobs. The raw body is the evidence file;
// the response carries the content-addressed ref to put in proof.
func (h *Handlers) HandlePutBlob(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "blob store not configured")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBlobBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ref, err := h.blobs.Put(r.Context(), data)
	switch {
	case errors.Is(err, blob.ErrEmpty):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "empty upload")
		return
	case errors.Is(err, blob.ErrTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeTooLarge, err.Error())
		return
	case err != nil:
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.BlobResponse{Ref: ref, Size: len(data)})
}

// HandleGetBlob handles GET /v1/blobs/{digest}.
func (h *Handlers) HandleGetBlob(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "blob store not configured")
		return
	}
	ref := blob.RefPrefix + r.PathValue("digest")
	if !blob.Owns(ref) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed blob digest")
		return
	}
	data, err := h.blobs.Get(r.Context(), ref)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "blob not found")
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("ETag", `"`+r.PathValue("digest")+`"`)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
