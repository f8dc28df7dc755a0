// Package admin provides the HTTP broker and administration API of the
// credential gateway. Routes expose credential selection, usage reporting,
// cooldown and risk inspection, and plugin management.
// All routes are protected by bearer-token authentication via AuthMiddleware.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	credgateway "github.com/ferro-labs/credential-gateway"
	"github.com/ferro-labs/credential-gateway/credential"
	"github.com/ferro-labs/credential-gateway/internal/logging"
	"github.com/ferro-labs/credential-gateway/plugin"
)

// PluginAdmin exposes the plugin operations needed by the admin API.
type PluginAdmin interface {
	Registry() *plugin.Registry
	SetPluginEnabled(ctx context.Context, id string, enabled bool) error
}

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Manager *credgateway.Manager
	Plugins PluginAdmin
}

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	// Read-only endpoints (accessible with read-only or admin scope).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/pools", h.listPools)
		r.Get("/pools/{provider}/credentials", h.listCredentials)
		r.Get("/credentials/{id}/risk", h.getRisk)
		r.Get("/risk-control", h.getRiskControl)
		r.Get("/cooldowns", h.listCooldowns)
		r.Get("/quota", h.listQuota)
		r.Get("/plugins", h.listPlugins)
	})

	// Write endpoints (admin scope only).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Post("/pools/{provider}/select", h.selectCredential)
		r.Post("/pools/{provider}/credentials/{id}/success", h.reportSuccess)
		r.Post("/pools/{provider}/credentials/{id}/failure", h.reportFailure)
		r.Post("/pools/{provider}/credentials/{id}/clear-cooldown", h.clearCooldown)
		r.Post("/pools/{provider}/credentials/{id}/disable", h.disable)
		r.Post("/pools/{provider}/credentials/{id}/enable", h.enable)
		r.Put("/risk-control", h.setRiskControl)
		r.Post("/plugins/{id}/enable", h.enablePlugin)
		r.Post("/plugins/{id}/disable", h.disablePlugin)
	})

	return r
}

func (h *Handlers) listPools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": h.Manager.Pools()})
}

func (h *Handlers) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Manager.Credentials(chi.URLParam(r, "provider"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": creds})
}

func (h *Handlers) selectCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Exclude []string `json:"exclude"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	sel, err := h.Manager.SelectCredential(r.Context(), chi.URLParam(r, "provider"), body.Exclude...)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (h *Handlers) reportSuccess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LatencyMs int64 `json:"latency_ms"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	provider, id := chi.URLParam(r, "provider"), chi.URLParam(r, "id")
	if err := h.Manager.ReportSuccess(r.Context(), provider, id, body.LatencyMs); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failureRequest struct {
	credgateway.Failure
	// QuotaExceeded reports quota exhaustion instead of a failed call.
	QuotaExceeded bool `json:"quota_exceeded,omitempty"`
	// ResetAt is the RFC3339 quota reset time, if the provider announced one.
	ResetAt string `json:"reset_at,omitempty"`
	// Plugin classifies the failure with that plugin's error parser.
	Plugin string `json:"plugin,omitempty"`
}

type failureResponse struct {
	CooldownSeconds int64                     `json:"cooldown_seconds"`
	CooldownApplied bool                      `json:"cooldown_applied"`
	ErrorType       plugin.ErrorType          `json:"error_type,omitempty"`
	Switch          *credgateway.SwitchResult `json:"switch,omitempty"`
}

func (h *Handlers) reportFailure(w http.ResponseWriter, r *http.Request) {
	var body failureRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	ctx := r.Context()
	provider, id := chi.URLParam(r, "provider"), chi.URLParam(r, "id")

	if body.QuotaExceeded {
		var resetAt time.Time
		if body.ResetAt != "" {
			t, err := time.Parse(time.RFC3339, body.ResetAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid reset_at: must be RFC3339 format", "invalid_request_error", "invalid_request")
				return
			}
			resetAt = t
		}
		res, err := h.Manager.ReportQuotaExceeded(ctx, provider, id, resetAt)
		if err != nil {
			writeManagerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, failureResponse{Switch: &res})
		return
	}

	if body.Plugin != "" {
		p, ok := h.Plugins.Registry().Enabled(body.Plugin)
		if !ok {
			writeError(w, http.StatusNotFound, "plugin not found", "not_found_error", "plugin_not_found")
			return
		}
		pe := p.ParseError(body.StatusCode, body.Body)
		if pe != nil {
			if pe.CooldownSeconds == nil {
				if secs, ok := h.Manager.Risk().ParseRetryAfter(body.RetryAfter); ok {
					pe.CooldownSeconds = &secs
				}
			}
			secs, applied, err := h.Manager.ReportProviderError(ctx, provider, id, pe)
			if err != nil {
				writeManagerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, failureResponse{CooldownSeconds: secs, CooldownApplied: applied, ErrorType: pe.Type})
			return
		}
	}

	secs, applied, err := h.Manager.ReportFailure(ctx, provider, id, body.Failure)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, failureResponse{CooldownSeconds: secs, CooldownApplied: applied})
}

func (h *Handlers) clearCooldown(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.ClearCooldown(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) disable(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.Disable(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) enable(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.Enable(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) getRisk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	provider, ok := h.Manager.Provider(id)
	if !ok {
		writeError(w, http.StatusNotFound, "credential not found", "not_found_error", "credential_not_found")
		return
	}
	state, err := h.Manager.State(provider, id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": provider,
		"state":    state,
		"risk":     h.Manager.RiskStatus(id),
	})
}

func (h *Handlers) getRiskControl(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.Manager.IsRiskControlEnabled()})
}

func (h *Handlers) setRiskControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required", "invalid_request_error", "invalid_request")
		return
	}
	h.Manager.SetRiskControlEnabled(*body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}

func (h *Handlers) listCooldowns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": h.Manager.Cooldowns()})
}

func (h *Handlers) listQuota(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": h.Manager.QuotaRecords()})
}

func (h *Handlers) listPlugins(w http.ResponseWriter, _ *http.Request) {
	var infos []plugin.Info
	if h.Plugins != nil {
		infos = h.Plugins.Registry().Infos()
	}
	if infos == nil {
		infos = []plugin.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": infos})
}

func (h *Handlers) enablePlugin(w http.ResponseWriter, r *http.Request) {
	h.setPluginEnabled(w, r, true)
}

func (h *Handlers) disablePlugin(w http.ResponseWriter, r *http.Request) {
	h.setPluginEnabled(w, r, false)
}

func (h *Handlers) setPluginEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if h.Plugins == nil {
		writeError(w, http.StatusNotFound, "plugin not found", "not_found_error", "plugin_not_found")
		return
	}
	if err := h.Plugins.SetPluginEnabled(r.Context(), chi.URLParam(r, "id"), enabled); err != nil {
		if errors.Is(err, plugin.ErrPluginNotFound) {
			writeError(w, http.StatusNotFound, "plugin not found", "not_found_error", "plugin_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeOptional decodes a JSON body into v, accepting an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
	return false
}

// writeManagerError maps manager errors to HTTP statuses. Quota exhaustion
// carries the earliest reset time.
func writeManagerError(w http.ResponseWriter, err error) {
	var exhausted *credgateway.AllExhaustedError
	switch {
	case errors.As(err, &exhausted):
		writeErrorDetail(w, http.StatusServiceUnavailable, err.Error(), "service_unavailable", "credentials_exhausted",
			map[string]interface{}{"reset_at": exhausted.EarliestReset.UTC().Format(time.RFC3339)})
	case errors.Is(err, credential.ErrAllExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "service_unavailable", "no_eligible_credential")
	case errors.Is(err, credential.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error", "not_found")
	default:
		logging.Logger.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
	}
}
