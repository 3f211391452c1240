// Package api exposes the scan dispatch and journal query endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/martinsuchenak/sweepd/internal/dispatch"
	"github.com/martinsuchenak/sweepd/internal/log"
	"github.com/martinsuchenak/sweepd/internal/model"
	"github.com/martinsuchenak/sweepd/internal/prefix"
	"github.com/martinsuchenak/sweepd/internal/storage"
)

// maxBodyBytes caps scan request bodies. The payloads are one short
// address or prefix string; anything bigger is abuse.
const maxBodyBytes = 1024

// ScanQueue is the dispatch surface the handlers need.
// *dispatch.Dispatcher satisfies it.
type ScanQueue interface {
	Enqueue(target model.ScanTarget) (*model.ScanRecord, error)
}

// Handler handles HTTP requests
type Handler struct {
	queue   ScanQueue
	journal storage.Journal
}

// NewHandler creates a new API handler
func NewHandler(queue ScanQueue, journal storage.Journal) *Handler {
	return &Handler{queue: queue, journal: journal}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/scan/ip", h.scanIP)
	mux.HandleFunc("POST /api/scan/prefix", h.scanPrefix)
	mux.HandleFunc("POST /api/scan/auto", h.scanAuto)

	mux.HandleFunc("GET /api/scans", h.listScans)
	mux.HandleFunc("GET /api/scans/{id}", h.getScan)

	mux.HandleFunc("GET /healthz", h.health)
}

// sanitizePattern keeps only characters that can appear in an address
// or prefix. Everything else is stripped before parsing.
var sanitizePattern = regexp.MustCompile(`[^0-9A-Fa-f.:/\-]`)

func sanitize(val string) string {
	return sanitizePattern.ReplaceAllString(val, "")
}

// scanIP handles POST /api/scan/ip
func (h *Handler) scanIP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP string `json:"ip"`
	}
	if !h.decodeJSON(w, r, &body) {
		return
	}

	addr, err := netip.ParseAddr(sanitize(body.IP))
	if err != nil || !addr.Is4() {
		h.writeError(w, http.StatusBadRequest, "invalid_ip")
		return
	}

	h.queueScan(w, model.IPTarget(addr))
}

// scanPrefix handles POST /api/scan/prefix
func (h *Handler) scanPrefix(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prefix string `json:"prefix"`
	}
	if !h.decodeJSON(w, r, &body) {
		return
	}

	p, err := prefix.Parse(sanitize(body.Prefix))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_prefix")
		return
	}

	h.queueScan(w, model.PrefixTarget(p))
}

// scanAuto handles POST /api/scan/auto
func (h *Handler) scanAuto(w http.ResponseWriter, _ *http.Request) {
	h.queueScan(w, model.AutoTarget())
}

func (h *Handler) queueScan(w http.ResponseWriter, target model.ScanTarget) {
	rec, err := h.queue.Enqueue(target)
	if err != nil && !errors.Is(err, dispatch.ErrAlreadyQueued) {
		h.internalError(w, err)
		return
	}

	status := "queued " + target.String()
	if errors.Is(err, dispatch.ErrAlreadyQueued) {
		status = "already queued " + target.String()
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  status,
		"scan_id": rec.ID,
	})
}

// listScans handles GET /api/scans
func (h *Handler) listScans(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	scans, err := h.journal.ListScans(limit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, scans)
}

// getScan handles GET /api/scans/{id}
func (h *Handler) getScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "scan ID required")
		return
	}

	rec, err := h.journal.GetScan(id)
	if err != nil {
		if errors.Is(err, storage.ErrScanNotFound) {
			h.writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// health handles GET /healthz
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON enforces the JSON content type and the body size cap, then
// decodes into dst. It writes the error response itself on failure.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		h.writeError(w, http.StatusUnsupportedMediaType, "content_type_must_be_json")
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request_too_large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// internalError logs the error and writes a generic 500 response
func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("Internal server error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Internal Server Error")
}
