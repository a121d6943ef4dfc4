package rest

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"
)

// HandleGetConfig handles GET /api/v1/config
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	if h.configManager == nil {
		writeError(w, http.StatusServiceUnavailable, "config_not_configured", "config manager not configured")
		return
	}

	doc, err := yamlDocument(h.configManager.Redacted())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleGetConfigSection handles GET /api/v1/config/{section}
func (h *Handlers) HandleGetConfigSection(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	if h.configManager == nil {
		writeError(w, http.StatusServiceUnavailable, "config_not_configured", "config manager not configured")
		return
	}

	section := mux.Vars(r)["section"]
	data, err := h.configManager.GetSection(section)
	if err != nil {
		writeError(w, http.StatusNotFound, "section_not_found", err.Error())
		return
	}

	doc, err := yamlDocument(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleReloadConfig handles POST /api/v1/config/reload
func (h *Handlers) HandleReloadConfig(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	if h.configManager == nil {
		writeError(w, http.StatusServiceUnavailable, "config_not_configured", "config manager not configured")
		return
	}

	if h.configManager.GetConfigFile() == "" {
		writeError(w, http.StatusBadRequest, "reload_not_supported", "config reload requires file-based configuration")
		return
	}

	if err := h.configManager.Reload(); err != nil {
		writeError(w, http.StatusBadRequest, "reload_failed", err.Error())
		return
	}

	h.auditLog(r, "config reloaded")
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "config reloaded",
	})
}

// HandleSaveConfig handles POST /api/v1/config/save
func (h *Handlers) HandleSaveConfig(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)

	if h.configManager == nil {
		writeError(w, http.StatusServiceUnavailable, "config_not_configured", "config manager not configured")
		return
	}

	if h.configManager.GetConfigFile() == "" {
		writeError(w, http.StatusBadRequest, "save_not_supported", "config save requires file-based configuration")
		return
	}

	if err := h.configManager.SaveToFile(); err != nil {
		writeError(w, http.StatusInternalServerError, "save_failed", err.Error())
		return
	}

	h.auditLog(r, "config saved to file", "filePath", h.configManager.GetConfigFile())
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "config saved",
		"filePath": h.configManager.GetConfigFile(),
	})
}

// yamlDocument round-trips v through YAML so the JSON response uses the
// configuration file's key names.
func yamlDocument(v interface{}) (interface{}, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
