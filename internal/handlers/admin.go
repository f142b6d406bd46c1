package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/repository"
	"github.com/mihaisavezi/claude-relay/internal/response"
	"github.com/mihaisavezi/claude-relay/internal/transformers"
)

// AdminHandler serves the management API for providers, keys, route configs and logs.
type AdminHandler struct {
	repos  *repository.Set
	keys   *keypool.Manager
	logs   *repository.LogWriter
	logger *slog.Logger
}

// NewAdminHandler wires the admin API. logs may be nil; when set it is flushed before log reads
// so they include requests that already finished.
func NewAdminHandler(repos *repository.Set, keys *keypool.Manager, logs *repository.LogWriter, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		repos:  repos,
		keys:   keys,
		logs:   logs,
		logger: logger,
	}
}

// Routes returns the admin router, to be mounted under /admin.
func (h *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/providers", func(r chi.Router) {
		r.Get("/", h.listProviders)
		r.Post("/", h.createProvider)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getProvider)
			r.Put("/", h.updateProvider)
			r.Delete("/", h.deleteProvider)

			r.Route("/keys", func(r chi.Router) {
				r.Get("/", h.listKeys)
				r.Post("/", h.importKeys)
				r.Get("/stats", h.keyStats)
				r.Post("/reset", h.resetKeys)
				r.Post("/{keyID}/enable", h.enableKey)
				r.Post("/{keyID}/disable", h.disableKey)
				r.Delete("/{keyID}", h.removeKey)
			})
		})
	})

	r.Route("/route-configs", func(r chi.Router) {
		r.Get("/", h.listRouteConfigs)
		r.Post("/", h.saveRouteConfig)
		r.Get("/{id}", h.getRouteConfig)
		r.Put("/{id}", h.saveRouteConfig)
		r.Delete("/{id}", h.deleteRouteConfig)
	})

	r.Get("/keys/stats", h.allKeyStats)

	r.Get("/selected-config", h.getSelected)
	r.Put("/selected-config", h.putSelected)

	r.Get("/logs", h.listLogs)
	r.Get("/logs/stats", h.logStats)
	r.Delete("/logs", h.clearLogs)

	r.Get("/usage", h.usage)

	return r
}

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

func (h *AdminHandler) ok(w http.ResponseWriter, r *http.Request, status int, data any) {
	response.Write(w, r, response.JSON(status, envelope{Success: true, Data: data}), h.logger)
}

// fail maps repository and key-pool errors to statuses.
func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var inUse *repository.ErrProviderInUse

	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, keypool.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrValidation), errors.Is(err, repository.ErrImmutableField), errors.Is(err, errBadBody):
		status = http.StatusBadRequest
	case errors.As(err, &inUse), errors.Is(err, repository.ErrRouteSelected):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	response.Write(w, r, response.Error(err, status), h.logger)
}

var errBadBody = errors.New("invalid request body")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

func (h *AdminHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.repos.Providers.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, providers)
}

func (h *AdminHandler) getProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.repos.Providers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, p)
}

type createProviderRequest struct {
	repository.Provider
	Keys []string `json:"keys,omitempty"`
}

func (h *AdminHandler) createProvider(w http.ResponseWriter, r *http.Request) {
	var body createProviderRequest
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	if body.Type == "" {
		t, err := transformers.InferType(body.BaseURL)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: type is required: %v", repository.ErrValidation, err))
			return
		}
		body.Type = t
	}

	p, err := h.repos.Providers.Create(r.Context(), body.Provider)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if len(body.Keys) > 0 {
		if _, err := h.keys.BatchImportKeys(r.Context(), p.ID, body.Keys); err != nil {
			h.fail(w, r, fmt.Errorf("import keys: %w", err))
			return
		}
	}

	h.logger.Info("Provider created", "provider", p.ID, "type", p.Type, "keys", len(body.Keys))
	h.ok(w, r, http.StatusCreated, p)
}

func (h *AdminHandler) updateProvider(w http.ResponseWriter, r *http.Request) {
	var changes repository.Provider
	if err := decodeBody(r, &changes); err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.repos.Providers.Update(r.Context(), chi.URLParam(r, "id"), changes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, p)
}

func (h *AdminHandler) deleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.repos.Providers.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.keys.RemovePool(r.Context(), id); err != nil {
		h.fail(w, r, fmt.Errorf("remove key pool: %w", err))
		return
	}

	h.logger.Info("Provider deleted", "provider", id)
	h.ok(w, r, http.StatusOK, nil)
}

// keyView is an APIKey with the secret masked.
type keyView struct {
	keypool.APIKey
	Key string `json:"key"`
}

func (h *AdminHandler) provider(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := h.repos.Providers.Get(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return id, true
}

func (h *AdminHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := h.provider(w, r)
	if !ok {
		return
	}

	pool, err := h.keys.Pool(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	keys := pool.GetKeys()
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView{APIKey: k, Key: keypool.Mask(k.Key)})
	}
	h.ok(w, r, http.StatusOK, views)
}

type importKeysRequest struct {
	Keys []string `json:"keys"`
}

func (h *AdminHandler) importKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := h.provider(w, r)
	if !ok {
		return
	}

	var body importKeysRequest
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if len(body.Keys) == 0 {
		h.fail(w, r, fmt.Errorf("%w: keys must not be empty", errBadBody))
		return
	}

	added, err := h.keys.BatchImportKeys(r.Context(), id, body.Keys)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("Keys imported", "provider", id, "submitted", len(body.Keys), "added", len(added))
	h.ok(w, r, http.StatusOK, map[string]any{
		"added":   len(added),
		"skipped": len(body.Keys) - len(added),
		"ids":     added,
	})
}

func (h *AdminHandler) keyStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.provider(w, r)
	if !ok {
		return
	}

	pool, err := h.keys.Pool(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, pool.GetStats())
}

// allKeyStats reports every provider's pool, loading pools that no request has touched yet.
func (h *AdminHandler) allKeyStats(w http.ResponseWriter, r *http.Request) {
	providers, err := h.repos.Providers.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, p := range providers {
		if _, err := h.keys.Pool(r.Context(), p.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	h.ok(w, r, http.StatusOK, h.keys.AllStats())
}

func (h *AdminHandler) resetKeys(w http.ResponseWriter, r *http.Request) {
	id, ok := h.provider(w, r)
	if !ok {
		return
	}

	n, err := h.keys.ResetExhausted(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, map[string]int{"reset": n})
}

func (h *AdminHandler) enableKey(w http.ResponseWriter, r *http.Request) {
	h.keyAction(w, r, h.keys.EnableKey)
}

func (h *AdminHandler) disableKey(w http.ResponseWriter, r *http.Request) {
	h.keyAction(w, r, h.keys.DisableKey)
}

func (h *AdminHandler) removeKey(w http.ResponseWriter, r *http.Request) {
	h.keyAction(w, r, h.keys.RemoveKey)
}

func (h *AdminHandler) keyAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, providerID, keyID string) error) {
	id, ok := h.provider(w, r)
	if !ok {
		return
	}

	if err := action(r.Context(), id, chi.URLParam(r, "keyID")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, nil)
}

func (h *AdminHandler) listRouteConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.repos.Routes.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, configs)
}

func (h *AdminHandler) getRouteConfig(w http.ResponseWriter, r *http.Request) {
	rc, err := h.repos.Routes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, rc)
}

// saveRouteConfig handles both POST (create) and PUT /{id} (replace). Every rule target must
// name an existing provider.
func (h *AdminHandler) saveRouteConfig(w http.ResponseWriter, r *http.Request) {
	var rc repository.RouteConfig
	if err := decodeBody(r, &rc); err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if id := chi.URLParam(r, "id"); id != "" {
		if _, err := h.repos.Routes.Get(r.Context(), id); err != nil {
			h.fail(w, r, err)
			return
		}
		rc.ID = id
		status = http.StatusOK
	}

	for _, nt := range rc.Rules.Configured() {
		if _, err := h.repos.Providers.Get(r.Context(), nt.Target.ProviderID); err != nil {
			h.fail(w, r, fmt.Errorf("%w: rule %s: %v", repository.ErrValidation, nt.Rule, err))
			return
		}
	}

	saved, err := h.repos.Routes.Save(r.Context(), rc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, status, saved)
}

func (h *AdminHandler) deleteRouteConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.repos.Routes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, nil)
}

func (h *AdminHandler) getSelected(w http.ResponseWriter, r *http.Request) {
	sel, err := h.repos.Routes.Selected(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, sel)
}

func (h *AdminHandler) putSelected(w http.ResponseWriter, r *http.Request) {
	var sel repository.SelectedConfig
	if err := decodeBody(r, &sel); err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.repos.Routes.Select(r.Context(), sel); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("Selected config changed", "type", sel.Type, "id", sel.ID)
	h.ok(w, r, http.StatusOK, sel)
}

func (h *AdminHandler) flushLogs(r *http.Request) {
	if h.logs == nil {
		return
	}
	if err := h.logs.Flush(r.Context()); err != nil {
		h.logger.Debug("Log flush interrupted", "error", err)
	}
}

func (h *AdminHandler) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := repository.LogQuery{
		Status:     q.Get("status"),
		ProviderID: q.Get("provider"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadBody))
			return
		}
		query.Limit = n
	}
	if v := q.Get("cursor"); v != "" {
		cursor, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: cursor must be an RFC 3339 timestamp", errBadBody))
			return
		}
		query.Cursor = cursor
	}

	h.flushLogs(r)

	page, err := h.repos.Logs.List(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, page)
}

func (h *AdminHandler) logStats(w http.ResponseWriter, r *http.Request) {
	h.flushLogs(r)

	stats, err := h.repos.Logs.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, stats)
}

func (h *AdminHandler) clearLogs(w http.ResponseWriter, r *http.Request) {
	h.flushLogs(r)

	if err := h.repos.Logs.Clear(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, nil)
}

func (h *AdminHandler) usage(w http.ResponseWriter, r *http.Request) {
	h.flushLogs(r)

	stats, err := h.repos.Usage.Daily(r.Context(), strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, stats)
}
