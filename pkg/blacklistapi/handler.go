// Package blacklistapi exposes the read-side blacklist routes: paginated
// list, single-IP lookup, free-text search, and the stats/timeline
// endpoints, all backed by pkg/query.
package blacklistapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jclee-lab/blacklist-sub003/internal/httpserver"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
	"github.com/jclee-lab/blacklist-sub003/pkg/query"
)

// Handler provides HTTP handlers for the blacklist read API.
type Handler struct {
	query    *query.Service
	logger   *slog.Logger
	services []string
}

// NewHandler creates a blacklistapi Handler. services lists the collection
// services whose status is included in the stats payload.
func NewHandler(q *query.Service, logger *slog.Logger, services []string) *Handler {
	return &Handler{query: q, logger: logger, services: services}
}

// Routes returns a chi.Router with all blacklist read routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/list", h.handleList)
	r.Get("/search", h.handleSearch)
	r.Get("/{ip}", h.handleGetByIP)
	return r
}

// StatsRoutes returns a chi.Router with the /api/stats* routes mounted.
func (h *Handler) StatsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleStats)
	r.Get("/timeline", h.handleTimeline)
	r.Get("/collection", h.handleCollectionStatus)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondProblem(w, r, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}

	filter := filterFromQuery(r)
	page := store.Page{Limit: params.Limit, Offset: params.Offset}

	result, err := h.query.List(r.Context(), filter, page)
	if err != nil {
		h.logger.Error("listing blacklist", "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "list failed", "could not list blacklist records")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(result.Records, params, result.Total))
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		httpserver.RespondProblem(w, r, http.StatusBadRequest, "missing query", "q is required")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondProblem(w, r, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}
	page := store.Page{Limit: params.Limit, Offset: params.Offset}

	result, err := h.query.Search(r.Context(), q, page)
	if err != nil {
		h.logger.Error("searching blacklist", "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "search failed", "could not search blacklist records")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(result.Records, params, result.Total))
}

func (h *Handler) handleGetByIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")

	records, err := h.query.ByIP(r.Context(), ip)
	if err != nil {
		h.logger.Error("getting blacklist record", "ip", ip, "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "lookup failed", "could not look up IP")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"ip": ip, "records": records})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.Stats(r.Context(), h.services)
	if err != nil {
		h.logger.Error("computing stats", "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "stats failed", "could not compute stats")
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	days := intQueryOrDefault(r, "days", 30)

	timeline, err := h.query.Timeline(r.Context(), days)
	if err != nil {
		h.logger.Error("computing timeline", "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "timeline failed", "could not compute timeline")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"days": days, "timeline": timeline})
}

func (h *Handler) handleCollectionStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.query.CollectionStatusSnapshot(r.Context(), h.services)
	if err != nil {
		h.logger.Error("reading collection status", "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "status failed", "could not read collection status")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func filterFromQuery(r *http.Request) model.BlacklistFilter {
	q := r.URL.Query()
	filter := model.BlacklistFilter{
		Source:   q.Get("source"),
		Category: q.Get("category"),
		Country:  q.Get("country"),
		IPPrefix: q.Get("ip"),
	}

	if v := q.Get("active"); v != "" {
		active := v == "true" || v == "1"
		filter.Active = &active
	}

	return filter
}

func intQueryOrDefault(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return def
	}
	return n
}
