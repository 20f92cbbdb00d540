package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/offline_vault/internal/content"
	"github.com/italolelis/offline_vault/internal/logctx"
	"github.com/italolelis/offline_vault/internal/offline"
	"github.com/italolelis/offline_vault/internal/telemetry"
)

// ContentHandler exposes the storage facade over HTTP.
type ContentHandler struct {
	storage   *offline.Storage
	telemetry *telemetry.Telemetry
}

// NewContentHandler creates a new content handler.
func NewContentHandler(storage *offline.Storage, t *telemetry.Telemetry) *ContentHandler {
	return &ContentHandler{
		storage:   storage,
		telemetry: t,
	}
}

func (h *ContentHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/contents", h.HandleStore)
	r.Get("/contents", h.HandleList)
	r.Delete("/contents", h.HandleDeleteAll)
	r.Get("/contents/{uri}", h.HandleResolve)
	r.Delete("/contents/{uri}", h.HandleRemove)
	r.Put("/config", h.HandleConfigure)

	return r
}

type storeRequest struct {
	Source string `json:"source"`
}

type configureRequest struct {
	UsePersistentLicense bool `json:"use_persistent_license"`
}

type recordPayload struct {
	OfflineURI   string    `json:"offline_uri"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	SizeBytes    int64     `json:"size_bytes"`
	Status       string    `json:"status"`
	SegmentCount int       `json:"segment_count"`
	Licensed     bool      `json:"licensed"`
}

type deleteAllPayload struct {
	Removed []string          `json:"removed"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func toRecordPayload(rec *content.Record) recordPayload {
	return recordPayload{
		OfflineURI:   rec.OfflineURI,
		Source:       rec.Source,
		CreatedAt:    rec.CreatedAt,
		SizeBytes:    rec.SizeBytes,
		Status:       string(rec.Status),
		SegmentCount: len(rec.Segments),
		Licensed:     rec.LicenseKey != "",
	}
}

// HandleStore downloads and persists a presentation.
func (h *ContentHandler) HandleStore(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	rec, err := h.storage.Store(r.Context(), req.Source)
	if err != nil {
		logger.ErrorContext(r.Context(), "store failed", "source", req.Source, "err", err)
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, toRecordPayload(rec))
}

// HandleList returns every stored record.
func (h *ContentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.storage.ListAll(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	payload := make([]recordPayload, 0, len(records))
	for _, rec := range records {
		payload = append(payload, toRecordPayload(rec))
	}

	writeJSON(w, http.StatusOK, payload)
}

// HandleResolve maps an offline URI back to its record.
func (h *ContentHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	rec, err := h.storage.Resolve(r.Context(), chi.URLParam(r, "uri"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toRecordPayload(rec))
}

// HandleRemove removes one stored record.
func (h *ContentHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.Remove(r.Context(), chi.URLParam(r, "uri")); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteAll removes everything, reporting per-identifier outcomes.
func (h *ContentHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.storage.DeleteAll(r.Context())
	if report == nil {
		writeError(w, err)

		return
	}

	payload := deleteAllPayload{Removed: report.Removed}

	status := http.StatusOK

	if len(report.Failures) > 0 {
		status = http.StatusMultiStatus
		payload.Failed = make(map[string]string, len(report.Failures))

		for _, f := range report.Failures {
			payload.Failed[f.OfflineURI] = f.Err.Error()
		}
	}

	writeJSON(w, status, payload)
}

// HandleConfigure sets options for subsequent store calls.
func (h *ContentHandler) HandleConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	h.storage.Configure(offline.Options{UsePersistentLicense: req.UsePersistentLicense})

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the engine error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		manifestErr *content.ManifestError
		fetchErr    *content.SegmentFetchError
		partialErr  *content.PartialRemovalError
	)

	switch {
	case errors.Is(err, content.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, content.ErrSessionAlreadyActive), errors.Is(err, content.ErrContentBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, content.ErrLicenseUnsupported):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, content.ErrStorageFull):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	case errors.Is(err, content.ErrStorageUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &manifestErr), errors.As(err, &fetchErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.As(err, &partialErr):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
