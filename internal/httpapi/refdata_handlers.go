package httpapi

import (
	"context"
	"net/http"
	"strings"

	"gridref.org/internal/auth"
	"gridref.org/internal/obs"
	"gridref.org/internal/refdata"
)

func (a *API) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	if a.hierarchy == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	code := strings.TrimPrefix(r.URL.Path, "/v1/hierarchy/")
	code = strings.TrimSuffix(code, "/")
	if code == "" || strings.Contains(code, "/") {
		writeError(w, r, http.StatusNotFound, "entity not found")
		return
	}

	closure, err := a.hierarchy.Resolve(r.Context(), code)
	if err != nil {
		obs.Error("hierarchy resolution failed", map[string]any{
			"entity": code, "error": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "hierarchy resolution failed")
		return
	}
	writeJSON(w, http.StatusOK, closure)
}

func (a *API) handleZones(w http.ResponseWriter, r *http.Request) {
	scopedList(a, w, r, a.refdata.Zones)
}

func (a *API) handleFamilies(w http.ResponseWriter, r *http.Request) {
	scopedList(a, w, r, a.refdata.Families)
}

func (a *API) handleUnits(w http.ResponseWriter, r *http.Request) {
	scopedList(a, w, r, a.refdata.Units)
}

func (a *API) handleCostCentres(w http.ResponseWriter, r *http.Request) {
	scopedList(a, w, r, a.refdata.CostCentres)
}

func (a *API) handleEntities(w http.ResponseWriter, r *http.Request) {
	scopedList(a, w, r, a.refdata.Entities)
}

// scopedList runs one reference lookup scoped to the caller's entity. The
// entity query parameter overrides the claim, for cross-entity tooling.
func scopedList[T any](a *API, w http.ResponseWriter, r *http.Request, fetch func(ctx context.Context, entityCode string) (refdata.List[T], error)) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.refdata == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	entity := strings.TrimSpace(r.URL.Query().Get("entity"))
	if entity == "" {
		if id, ok := auth.IdentityFromContext(r.Context()); ok {
			entity = id.Entity
		}
	}
	if entity == "" {
		writeError(w, r, http.StatusBadRequest, "entity is required")
		return
	}

	list, err := fetch(r.Context(), entity)
	if err != nil {
		obs.Error("reference lookup failed", map[string]any{
			"path": r.URL.Path, "entity": entity, "error": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "reference lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}
