// Package firewallapi serves the firewall-consumable feed: a Fortinet
// threat-feed JSON envelope and a plain one-IP-per-line blocklist, both
// backed by pkg/query.FirewallFeed. Every pull is logged best-effort to
// FirewallPullLog per §4.9 — logging failures never fail the response.
package firewallapi

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jclee-lab/blacklist-sub003/internal/httpserver"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/internal/telemetry"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
	"github.com/jclee-lab/blacklist-sub003/pkg/query"
)

// Handler provides HTTP handlers for the Fortinet-consumable feed.
type Handler struct {
	query  *query.Service
	store  *store.Store
	logger *slog.Logger
}

// NewHandler creates a firewallapi Handler.
func NewHandler(q *query.Service, st *store.Store, logger *slog.Logger) *Handler {
	return &Handler{query: q, store: st, logger: logger}
}

// Routes returns a chi.Router with the Fortinet feed routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/threat-feed", h.handleThreatFeed)
	r.Get("/blocklist", h.handleBlocklist)
	return r
}

type threatFeedResponse struct {
	Commands []threatFeedCommand `json:"commands"`
}

type threatFeedCommand struct {
	Entries []string `json:"entries"`
}

func (h *Handler) handleThreatFeed(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	ips, err := h.query.FirewallFeed(r.Context())
	if err != nil {
		h.logger.Error("building threat feed", "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "feed failed", "could not build threat feed")
		return
	}

	telemetry.FirewallFeedRequestsTotal.WithLabelValues("json").Inc()
	h.logPull(r, "/api/fortinet/threat-feed", len(ips), started)

	httpserver.Respond(w, http.StatusOK, threatFeedResponse{
		Commands: []threatFeedCommand{{Entries: ips}},
	})
}

func (h *Handler) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	ips, err := h.query.FirewallFeed(r.Context())
	if err != nil {
		h.logger.Error("building blocklist", "error", err)
		httpserver.RespondProblem(w, r, http.StatusInternalServerError, "feed failed", "could not build blocklist")
		return
	}

	telemetry.FirewallFeedRequestsTotal.WithLabelValues("text").Inc()
	h.logPull(r, "/api/fortinet/blocklist", len(ips), started)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(ips, "\n")))
	if len(ips) > 0 {
		_, _ = w.Write([]byte("\n"))
	}
}

// logPull writes a best-effort FirewallPullLog row. A logging failure is
// swallowed — the feed response must never fail because of it.
func (h *Handler) logPull(r *http.Request, path string, count int, started time.Time) {
	entry := model.FirewallPullLog{
		DeviceAddress: deviceAddress(r),
		UserAgent:     r.UserAgent(),
		Path:          path,
		IPCount:       count,
		ResponseMS:    time.Since(started).Milliseconds(),
	}

	if err := h.store.LogFirewallPull(r.Context(), entry); err != nil {
		h.logger.Warn("logging firewall pull failed", "path", path, "error", err)
	}
}

func deviceAddress(r *http.Request) string {
	if ip := r.Header.Get("X-Device-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
