package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"logward/internal/auth"
	"logward/internal/config"
	"logward/internal/database"
	"logward/internal/support"

	"github.com/charmbracelet/log"
)

type handlers struct {
	deps Deps
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := auth.CheckAdminPassword(body.Password); err != nil {
		if errors.Is(err, auth.ErrNoAdminSecret) {
			writeError(w, "Admin login not configured", http.StatusServiceUnavailable)
			return
		}
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := auth.IssueToken()
	if err != nil {
		writeError(w, "Could not issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *handlers) listBlocks(w http.ResponseWriter, r *http.Request) {
	records, err := database.ListActiveBlockRecords(time.Now())
	if err != nil {
		writeError(w, "Could not load blocks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handlers) unblock(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if !support.IsValidIP(ip) {
		writeError(w, "Invalid IP", http.StatusBadRequest)
		return
	}
	if err := h.deps.Defender.Unblock(r.Context(), ip); err != nil {
		log.Error("manual unblock failed", "ip", ip, "error", err)
		writeError(w, "Unblock failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip, "status": "unblocked"})
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := database.ListRecentAttackEvents(100)
	if err != nil {
		writeError(w, "Could not load events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) listWhitelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Whitelist.List())
}

func (h *handlers) addWhitelist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !support.IsValidIP(body.IP) {
		writeError(w, "Invalid IP", http.StatusBadRequest)
		return
	}
	if err := h.deps.Defender.AddToWhitelist(r.Context(), body.IP); err != nil {
		log.Error("whitelist add failed", "ip", body.IP, "error", err)
		writeError(w, "Whitelist update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Whitelist.List())
}

func (h *handlers) removeWhitelist(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if _, err := h.deps.Whitelist.Remove(ip); err != nil {
		writeError(w, "Whitelist update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Whitelist.List())
}

func (h *handlers) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Stats.Snapshot())
}

func (h *handlers) getRanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Ranges.Ranges())
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func (h *handlers) saveSettings(w http.ResponseWriter, r *http.Request) {
	var newConfig config.Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	config.SetConfig(newConfig)
	if h.deps.ApplySettings != nil {
		h.deps.ApplySettings()
	}
	writeJSON(w, http.StatusOK, config.GetConfig())
}
