// internal/controller/config_controller.go
package controller

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/smsforward/internal/handler"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/service"
)

const maxImportSize = 1 << 20

type ConfigController struct {
	ConfigService  *service.ConfigService
	ChannelService *service.ChannelService
}

func (c *ConfigController) Routes(r chi.Router) {
	r.Get("/targets", c.ListTargets)
	r.Post("/targets", c.CreateTarget)
	r.Post("/targets/test", c.TestTargetConfig)
	r.Post("/targets/test-proxy", c.TestProxyConfig)
	r.Get("/targets/{id}", c.GetTarget)
	r.Put("/targets/{id}", c.UpdateTarget)
	r.Delete("/targets/{id}", c.DeleteTarget)
	r.Post("/targets/{id}/toggle", c.ToggleTarget)
	r.Post("/targets/{id}/test", c.TestTarget)
	r.Post("/targets/{id}/test-proxy", c.TestProxy)

	r.Get("/config/export", c.ExportConfig)
	r.Post("/config/import", c.ImportConfig)

	r.Get("/channels", c.ListChannels)
	r.Put("/channels", c.ReportChannels)
	r.Put("/channels/{slot}", c.SetChannelEnabled)
}

func decodeTarget(w http.ResponseWriter, r *http.Request) (model.TransportTarget, bool) {
	var t model.TransportTarget
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return t, false
	}
	return t, true
}

func (c *ConfigController) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := c.ConfigService.ListTargets(r.Context())
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	if targets == nil {
		targets = []model.TransportTarget{}
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": targets})
}

func (c *ConfigController) GetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := c.ConfigService.GetTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, t)
}

func (c *ConfigController) CreateTarget(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	created, err := c.ConfigService.AddTarget(r.Context(), body)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, created)
}

func (c *ConfigController) UpdateTarget(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	body.ID = chi.URLParam(r, "id")
	updated, err := c.ConfigService.UpdateTarget(r.Context(), body)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, updated)
}

func (c *ConfigController) DeleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := c.ConfigService.DeleteTarget(r.Context(), chi.URLParam(r, "id")); err != nil {
		handler.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *ConfigController) ToggleTarget(w http.ResponseWriter, r *http.Request) {
	t, err := c.ConfigService.ToggleTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, t)
}

func (c *ConfigController) TestTarget(w http.ResponseWriter, r *http.Request) {
	t, err := c.ConfigService.GetTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	c.runConnectionTest(w, r, *t)
}

// TestTargetConfig probes an unsaved target from the request body.
func (c *ConfigController) TestTargetConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	c.runConnectionTest(w, r, body)
}

func (c *ConfigController) runConnectionTest(w http.ResponseWriter, r *http.Request, t model.TransportTarget) {
	if err := c.ConfigService.TestTarget(r.Context(), t); err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (c *ConfigController) TestProxy(w http.ResponseWriter, r *http.Request) {
	t, err := c.ConfigService.GetTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	c.runProxyTest(w, r, *t)
}

func (c *ConfigController) TestProxyConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	c.runProxyTest(w, r, body)
}

func (c *ConfigController) runProxyTest(w http.ResponseWriter, r *http.Request, t model.TransportTarget) {
	msg, err := c.ConfigService.TestProxyReachability(r.Context(), t)
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

// ExportConfig answers the backup text as text/plain, or 404 when nothing is cached.
func (c *ConfigController) ExportConfig(w http.ResponseWriter, r *http.Request) {
	text, ok := c.ConfigService.ExportConfig()
	if !ok {
		http.Error(w, "no configuration to export", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, text)
}

func (c *ConfigController) ImportConfig(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportSize))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	targets, err := c.ConfigService.ImportConfig(r.Context(), string(data))
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"imported": len(targets)})
}

func (c *ConfigController) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := c.ChannelService.ListChannels(r.Context())
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	if channels == nil {
		channels = []model.Channel{}
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": channels})
}

// ReportChannels is how the platform tells us which channels it has now.
func (c *ConfigController) ReportChannels(w http.ResponseWriter, r *http.Request) {
	var body []struct {
		SubscriptionID int `json:"subscriptionId"`
		// unset means enabled
		IsEnabled *bool `json:"isEnabled"`
		model.Channel
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	reported := make([]service.ReportedChannel, len(body))
	for i, b := range body {
		ch := b.Channel
		ch.Enabled = b.IsEnabled == nil || *b.IsEnabled
		reported[i] = service.ReportedChannel{SubscriptionID: b.SubscriptionID, Channel: ch}
	}
	if err := c.ChannelService.RefreshSubscriptions(r.Context(), reported); err != nil {
		handler.WriteError(w, err)
		return
	}
	c.ListChannels(w, r)
}

func (c *ConfigController) SetChannelEnabled(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		http.Error(w, "invalid slot", http.StatusBadRequest)
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := c.ConfigService.SetChannelEnabled(r.Context(), slot, body.Enabled); err != nil {
		handler.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
