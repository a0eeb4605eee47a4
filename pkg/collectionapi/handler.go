// Package collectionapi exposes the privileged collection-control routes:
// manual trigger, credential management, enable/disable, and the air-gap
// bulk ingest path (§4.9, §6).
package collectionapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jclee-lab/blacklist-sub003/internal/httpserver"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/internal/vault"
	"github.com/jclee-lab/blacklist-sub003/pkg/collector"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
	"github.com/jclee-lab/blacklist-sub003/pkg/scheduler"
	"github.com/jclee-lab/blacklist-sub003/pkg/source"
)

// Handler provides HTTP handlers for the collection-control API.
type Handler struct {
	scheduler    *scheduler.Scheduler
	store        *store.Store
	vault        *vault.Vault
	collector    *collector.Collector
	ingestAPIKey string
	logger       *slog.Logger
}

// NewHandler creates a collectionapi Handler. ingestAPIKey gates
// POST /api/collection/ingest; an empty key disables the endpoint
// entirely, per §6's "INGEST_API_KEY required to enable POST /ingest".
func NewHandler(sch *scheduler.Scheduler, st *store.Store, v *vault.Vault, c *collector.Collector, ingestAPIKey string, logger *slog.Logger) *Handler {
	return &Handler{scheduler: sch, store: st, vault: v, collector: c, ingestAPIKey: ingestAPIKey, logger: logger}
}

// Routes returns a chi.Router with all collection-control routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/trigger/{service}", h.handleTrigger)
	r.Post("/cancel/{service}", h.handleCancel)
	r.Put("/credentials/{service}", h.handleUpdateCredentials)
	r.Put("/status/{service}", h.handleUpdateStatus)
	r.Post("/ingest", h.handleIngest)
	return r
}

type triggerRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	var req triggerRequest
	if r.ContentLength > 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	err := h.scheduler.Trigger(r.Context(), service, model.TriggerAPI, req.Force)
	switch {
	case err == nil:
		httpserver.Respond(w, http.StatusOK, map[string]bool{"queued": true})
	case errors.Is(err, scheduler.ErrUnknownService):
		httpserver.RespondProblem(w, r, http.StatusNotFound, "unknown service", service+" is not a known collection service")
	case errors.Is(err, scheduler.ErrDisabled):
		httpserver.RespondProblem(w, r, http.StatusBadRequest, "service disabled", service+" is currently disabled")
	case errors.Is(err, scheduler.ErrBusy):
		httpserver.RespondProblem(w, r, http.StatusConflict, "collection already running", "Collection already running")
	default:
		h.logger.Error("triggering collection", "service", service, "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "trigger failed", "could not trigger collection")
	}
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	cancelled := h.scheduler.Cancel(service)
	httpserver.Respond(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type credentialRequest struct {
	Username        string            `json:"username" validate:"required"`
	Password        string            `json:"password" validate:"required"`
	Config          map[string]string `json:"config,omitempty"`
	Enabled         bool              `json:"enabled"`
	IntervalSeconds int               `json:"interval_seconds" validate:"gte=0"`
}

func (h *Handler) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	var req credentialRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ciphertext, err := h.vault.Encrypt(req.Password)
	if err != nil {
		h.logger.Error("encrypting credential", "service", service, "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "encryption failed", "could not store credential")
		return
	}

	cfg, err := json.Marshal(req.Config)
	if err != nil {
		httpserver.RespondProblem(w, r, http.StatusBadRequest, "invalid config", "config must be a flat string map")
		return
	}

	cred := model.CollectionCredential{
		Service:         service,
		Username:        req.Username,
		Password:        ciphertext,
		Encrypted:       true,
		Config:          cfg,
		Enabled:         req.Enabled,
		IsActive:        true,
		IntervalSeconds: req.IntervalSeconds,
	}

	if err := h.store.StoreCredential(r.Context(), cred); err != nil {
		h.logger.Error("storing credential", "service", service, "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "store failed", "could not store credential")
		return
	}
	if err := h.store.EnsureStatus(r.Context(), service); err != nil {
		h.logger.Warn("ensuring status row", "service", service, "error", err)
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"service": service, "updated": true})
}

type statusRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	var req statusRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.store.SetEnabled(r.Context(), service, req.Enabled); err != nil {
		h.logger.Error("updating collection status", "service", service, "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "update failed", "could not update status")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"service": service, "enabled": req.Enabled})
}

type ingestEntry struct {
	IP            string `json:"ip" validate:"required"`
	Reason        string `json:"reason"`
	Category      string `json:"category"`
	Confidence    string `json:"confidence"`
	Country       string `json:"country"`
	DetectionDate string `json:"detection_date"`
	RemovalDate   string `json:"removal_date"`
}

type ingestRequest struct {
	Service string        `json:"service" validate:"required"`
	Entries []ingestEntry `json:"entries" validate:"required,min=1,dive"`
}

// handleIngest implements the privileged bulk upsert path for pushed
// payloads (air-gap mode). It requires X-API-Key to match the configured
// ingest key and rejects with 401 otherwise, per §4.9.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.ingestAPIKey == "" || r.Header.Get("X-API-Key") != h.ingestAPIKey {
		httpserver.RespondProblem(w, r, http.StatusUnauthorized, "unauthorized", "invalid or missing X-API-Key")
		return
	}

	var req ingestRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	rows := make([]source.Row, 0, len(req.Entries))
	for _, e := range req.Entries {
		rows = append(rows, source.Row{
			IP:            e.IP,
			Reason:        e.Reason,
			Category:      e.Category,
			Confidence:    e.Confidence,
			Country:       e.Country,
			DetectionDate: e.DetectionDate,
			RemovalDate:   e.RemovalDate,
		})
	}

	result, err := h.collector.IngestDirect(r.Context(), req.Service, rows)
	if err != nil {
		h.logger.Error("ingesting pushed payload", "service", req.Service, "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "ingest failed", "could not ingest payload")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]int{
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"errors":   result.Failed,
		"total":    len(req.Entries),
	})
}
