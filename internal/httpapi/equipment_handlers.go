package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"gridref.org/internal/auth"
	"gridref.org/internal/equipment"
	"gridref.org/internal/obs"
)

const defaultEquipmentLimit = 100

// handleEquipmentCollection serves GET (approved list) and POST (stage a new
// record in the temp store).
func (a *API) handleEquipmentCollection(w http.ResponseWriter, r *http.Request) {
	if a.equipment == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.listEquipment(w, r)
	case http.MethodPost:
		a.stageEquipment(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleEquipmentResource(w http.ResponseWriter, r *http.Request) {
	if a.equipment == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	code := strings.TrimPrefix(r.URL.Path, "/v1/equipment/")
	code = strings.TrimSuffix(code, "/")
	if code == "" || strings.Contains(code, "/") {
		writeError(w, r, http.StatusNotFound, "equipment not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := a.equipment.ByCode(r.Context(), code)
		if err != nil {
			handleEquipmentError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPut:
		a.updateStagedEquipment(w, r, code)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) listEquipment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// The paginated path kicks in as soon as any page or filter parameter
	// is present; a bare limit keeps the flat listing.
	if q.Has("page") || q.Has("page_size") || q.Has("zone") ||
		q.Has("family") || q.Has("entity") || q.Has("search") {
		a.listEquipmentPage(w, r)
		return
	}

	limit := defaultEquipmentLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 1 || val > equipment.MaxLimit {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = val
	}

	list, err := a.equipment.ListApproved(r.Context(), limit)
	if err != nil {
		handleEquipmentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) listEquipmentPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := equipment.Filter{
		Zone:   strings.TrimSpace(q.Get("zone")),
		Family: strings.TrimSpace(q.Get("family")),
		Entity: strings.TrimSpace(q.Get("entity")),
		Search: strings.TrimSpace(q.Get("search")),
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	if f.PageSize, err = intParam(q.Get("page_size")); err != nil {
		writeError(w, r, http.StatusBadRequest, "page_size must be a positive integer")
		return
	}

	page, err := a.equipment.ListFiltered(r.Context(), f)
	if err != nil {
		handleEquipmentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// intParam parses an optional positive integer query parameter; empty means
// zero, letting the service apply its defaults.
func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func (a *API) stageEquipment(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}

	var in equipment.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateEquipmentInput(in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.equipment.Stage(r.Context(), in, id.Username); err != nil {
		handleEquipmentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "staged",
		"code":   in.Code,
	})
}

func (a *API) updateStagedEquipment(w http.ResponseWriter, r *http.Request, code string) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}

	var in equipment.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in.Code = code
	if err := validateEquipmentInput(in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.equipment.UpdateStaged(r.Context(), in, id.Username); err != nil {
		handleEquipmentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "updated",
		"code":   code,
	})
}

func (a *API) handleEquipmentApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.equipment == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !a.requireRole(w, r, "admin") {
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}

	if err := a.equipment.Approve(r.Context(), code, id.Username); err != nil {
		handleEquipmentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "approved",
		"code":   code,
	})
}

func validateEquipmentInput(in equipment.Input) error {
	switch {
	case strings.TrimSpace(in.Code) == "":
		return errors.New("code is required")
	case strings.TrimSpace(in.Family) == "":
		return errors.New("family is required")
	case strings.TrimSpace(in.Entity) == "":
		return errors.New("entity is required")
	}
	return nil
}

func handleEquipmentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, equipment.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "equipment not found")
	case errors.Is(err, equipment.ErrBadQuery):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.Error("equipment operation failed", map[string]any{
			"path": r.URL.Path, "error": err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "equipment operation failed")
	}
}
