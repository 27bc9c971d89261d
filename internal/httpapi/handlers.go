// Package httpapi is the HTTP and WebSocket surface of the service.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"gridref.org/internal/audit"
	"gridref.org/internal/auth"
	"gridref.org/internal/cache"
	"gridref.org/internal/equipment"
	"gridref.org/internal/hierarchy"
	"gridref.org/internal/notify"
	"gridref.org/internal/obs"
	"gridref.org/internal/refdata"
	"gridref.org/internal/stats"
	"gridref.org/internal/users"
	"gridref.org/internal/ws"
)

// ReadyProbe reports whether the backing stores can serve traffic. A nil DB
// skips the ping; the cache is fail-open and never blocks readiness.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Authenticator verifies credentials against the user store. Role and
// entity come from the matched account.
type Authenticator interface {
	Authenticate(ctx context.Context, login, password string) (users.Account, error)
	SetAbsent(ctx context.Context, login string, absent bool) error
}

// Deps collects everything the API serves. Nil services disable their
// routes with 503 instead of failing construction.
type Deps struct {
	Ready     ReadyProbe
	Version   string
	Users     Authenticator
	Hierarchy *hierarchy.Resolver
	Refdata   *refdata.Service
	Equipment *equipment.Service
	Stats     *stats.Service
	Notify    *notify.Service
	Hub       *ws.Hub
	Cache     *cache.Cache
	Tokens    *auth.TokenStore
}

// API wires the domain services to routes.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	users     Authenticator
	hierarchy *hierarchy.Resolver
	refdata   *refdata.Service
	equipment *equipment.Service
	stats     *stats.Service
	notify    *notify.Service
	hub       *ws.Hub
	cache     *cache.Cache
	tokens    *auth.TokenStore

	accessTTL  time.Duration
	refreshTTL time.Duration
	rateBurst  int
	ratePerSec int
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: d.Ready,
		version:    d.Version,
		users:      d.Users,
		hierarchy:  d.Hierarchy,
		refdata:    d.Refdata,
		equipment:  d.Equipment,
		stats:      d.Stats,
		notify:     d.Notify,
		hub:        d.Hub,
		cache:      d.Cache,
		tokens:     d.Tokens,
		accessTTL:  30 * time.Minute,
		refreshTTL: 7 * 24 * time.Hour,
		rateBurst:  50,
		ratePerSec: 25,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleAuthRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleAuthLogout)

	a.mux.HandleFunc("/v1/hierarchy/", a.handleHierarchy)
	a.mux.HandleFunc("/v1/zones", a.handleZones)
	a.mux.HandleFunc("/v1/families", a.handleFamilies)
	a.mux.HandleFunc("/v1/units", a.handleUnits)
	a.mux.HandleFunc("/v1/costcentres", a.handleCostCentres)
	a.mux.HandleFunc("/v1/entities", a.handleEntities)

	a.mux.HandleFunc("/v1/equipment", a.handleEquipmentCollection)
	a.mux.HandleFunc("/v1/equipment/approve", a.handleEquipmentApprove)
	a.mux.HandleFunc("/v1/equipment/", a.handleEquipmentResource)

	a.mux.HandleFunc("/v1/notifications/unread", a.handleNotificationsUnread)
	a.mux.HandleFunc("/v1/notifications/send", a.handleNotificationSend)
	a.mux.HandleFunc("/v1/notifications/read", a.handleNotificationRead)
	a.mux.HandleFunc("/v1/notifications/read-all", a.handleNotificationReadAll)

	a.mux.HandleFunc("/v1/statistics", a.handleStatistics)

	a.mux.HandleFunc("/v1/cache/invalidate", a.handleCacheInvalidate)

	a.mux.HandleFunc("/ws/notifications", a.handleWebSocket)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Tune overrides the defaults New bakes in; call before Handler.
func (a *API) Tune(accessTTL, refreshTTL time.Duration, rateBurst, ratePerSec int) {
	a.accessTTL = accessTTL
	a.refreshTTL = refreshTTL
	a.rateBurst = rateBurst
	a.ratePerSec = ratePerSec
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = withRequestID(h)
	h = Logging(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gridref-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"cache":  a.cacheState(),
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "gridref-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stats == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	detailed := r.URL.Query().Get("details") == "true"
	d, err := a.stats.Cockpit(r.Context(), detailed)
	if err != nil {
		obs.Error("statistics query failed", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) cacheState() string {
	if a.cache != nil && a.cache.Available() {
		return "available"
	}
	return "degraded"
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
