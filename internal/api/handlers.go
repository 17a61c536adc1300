package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealed-store/internal/audit"
	"github.com/kenneth/sealed-store/internal/blobstore"
	"github.com/kenneth/sealed-store/internal/service"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 30

// firstChunkSize is how much plaintext is read before committing to a 200.
const firstChunkSize = 64 * 1024

// Handler handles HTTP requests for secret and blob operations.
type Handler struct {
	svc          *service.Service
	logger       *logrus.Logger
	maxBodyBytes int64
}

// NewHandler creates a new API handler. maxBodyBytes <= 0 selects
// DefaultMaxBodyBytes.
func NewHandler(svc *service.Service, logger *logrus.Logger, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		svc:          svc,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/secrets", h.handleListSecrets).Methods("GET")
	v1.HandleFunc("/secrets/{key}", h.handlePutSecret).Methods("PUT")
	v1.HandleFunc("/secrets/{key}", h.handleGetSecret).Methods("GET")
	v1.HandleFunc("/secrets/{key}", h.handleDeleteSecret).Methods("DELETE")

	v1.HandleFunc("/blobs", h.handleListBlobs).Methods("GET")
	v1.HandleFunc("/blobs/{name}/download", h.handleDownloadBlob).Methods("POST")
	v1.HandleFunc("/blobs/{name}/raw", h.handleGetRawBlob).Methods("GET")
	v1.HandleFunc("/blobs/{name}", h.handlePutBlob).Methods("PUT")
	v1.HandleFunc("/blobs/{name}", h.handleGetBlob).Methods("GET")
	v1.HandleFunc("/blobs/{name}", h.handleHeadBlob).Methods("HEAD")
	v1.HandleFunc("/blobs/{name}", h.handleDeleteBlob).Methods("DELETE")
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready once the master key is loaded and the stores
// are open. The first call may generate the master key.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *Handler) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.writeError(w, r, err, secretResource)
		return
	}
	if err := h.svc.SaveSecret(r.Context(), key, string(value)); err != nil {
		h.writeError(w, r, err, secretResource)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, ok, err := h.svc.LoadSecret(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err, secretResource)
		return
	}
	if !ok {
		h.writeAPIError(w, r, ErrNoSuchSecret.with(secretResource, ""))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(value)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, value)
}

func (h *Handler) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	deleted, err := h.svc.DeleteSecret(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err, secretResource)
		return
	}
	if !deleted {
		h.writeAPIError(w, r, ErrNoSuchSecret.with(secretResource, ""))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	keys, err := h.svc.ListSecrets(r.Context())
	if err != nil {
		h.writeError(w, r, err, secretResource)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

type downloadRequest struct {
	URL string `json:"url"`
}

func (h *Handler) handleDownloadBlob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	resource := blobResource(name)

	var req downloadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.URL == "" {
		e := ErrInvalidRequest.with(resource, "")
		e.Message = `Request body must be a JSON object with a non-empty "url".`
		h.writeAPIError(w, r, e)
		return
	}

	blob, err := h.svc.DownloadAndStoreBlob(r.Context(), name, req.URL)
	if err != nil {
		h.writeError(w, r, err, resource)
		return
	}
	h.writeCreated(w, r, blob)
}

func (h *Handler) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	opts := []blobstore.CreateOption{blobstore.WithSizeHint(r.ContentLength)}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		opts = append(opts, blobstore.WithContentType(ct))
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	blob, err := h.svc.StoreBlob(r.Context(), name, body, opts...)
	if err != nil {
		h.writeError(w, r, err, blobResource(name))
		return
	}
	h.writeCreated(w, r, blob)
}

func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rc, err := h.svc.ReadAndDecryptBlob(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err, blobResource(name))
		return
	}
	defer rc.Close()

	h.streamBody(w, r, rc, name)
}

func (h *Handler) handleGetRawBlob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rc, err := h.svc.ReadPlainFile(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err, blobResource(name))
		return
	}
	defer rc.Close()

	h.streamBody(w, r, rc, name)
}

func (h *Handler) handleHeadBlob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	blob, err := h.svc.StatBlob(r.Context(), name)
	if err != nil {
		apiErr := h.translate(r, err, blobResource(name))
		w.WriteHeader(apiErr.HTTPStatus)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if blob.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	}
	w.Header().Set("X-Blob-Algorithm", blob.Algorithm)
	w.Header().Set("X-Blob-Chunk-Size", strconv.Itoa(blob.ChunkSize))
	w.Header().Set("X-Blob-Stored-Size", strconv.FormatInt(blob.StoredSize, 10))
	w.Header().Set("X-Blob-Compressed", strconv.FormatBool(blob.Compressed))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	deleted, err := h.svc.DeleteBlob(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err, blobResource(name))
		return
	}
	if !deleted {
		h.writeAPIError(w, r, ErrNoSuchBlob.with(blobResource(name), ""))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.ListBlobs(r.Context())
	if err != nil {
		h.writeError(w, r, err, "/v1/blobs")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"blobs": names})
}

// streamBody copies rc to the client. An error before the first byte is
// sent becomes an error response; after that the connection is aborted so
// the client cannot mistake a truncated body for a complete one.
func (h *Handler) streamBody(w http.ResponseWriter, r *http.Request, rc io.Reader, name string) {
	buf := make([]byte, firstChunkSize)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		h.writeError(w, r, err, blobResource(name))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err != nil {
		w.Header().Set("Content-Length", strconv.Itoa(n))
	}
	w.WriteHeader(http.StatusOK)
	if _, werr := w.Write(buf[:n]); werr != nil || err != nil {
		return
	}

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WithFields(logrus.Fields{
			"blob":       name,
			"request_id": audit.RequestIDFromContext(r.Context()),
		}).WithError(err).Error("Blob stream failed after response started")
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) writeCreated(w http.ResponseWriter, r *http.Request, blob *blobstore.Blob) {
	w.Header().Set("Location", "/v1/blobs/"+blob.Name)
	writeJSON(w, http.StatusCreated, blob)
}

func (h *Handler) translate(r *http.Request, err error, resource string) *APIError {
	apiErr := TranslateError(err, resource)
	apiErr.RequestID = audit.RequestIDFromContext(r.Context())

	entry := h.logger.WithFields(logrus.Fields{
		"code":       apiErr.Code,
		"status":     apiErr.HTTPStatus,
		"resource":   resource,
		"request_id": apiErr.RequestID,
	}).WithError(err)
	if apiErr.HTTPStatus >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	return apiErr
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	h.translate(r, err, resource).WriteJSON(w)
}

func (h *Handler) writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	apiErr.RequestID = audit.RequestIDFromContext(r.Context())
	apiErr.WriteJSON(w)
}

// secretResource names secret resources in errors. Secret names are not
// echoed back.
const secretResource = "/v1/secrets"

func blobResource(name string) string {
	return "/v1/blobs/" + name
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
