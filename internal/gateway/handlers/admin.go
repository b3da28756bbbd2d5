package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/pool"
	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

// TokenPool is the slice of the credential pool exposed to operators
type TokenPool interface {
	Register(credential string, tier models.Tier)
	Remove(credential string) bool
	Sweep()
	Status() map[string]map[string]models.TokenStatus
	Usage(sso, model string) map[string]map[string]models.UsageRecord
	RateTables() models.RateTables
}

// ClearanceSetter accepts an operator supplied clearance cookie
type ClearanceSetter interface {
	Set(value string)
}

// LogReader lists recent request log entries
type LogReader interface {
	RecentLogs(ctx context.Context, limit int) ([]models.GatewayLog, error)
}

type AdminHandler struct {
	pool              TokenPool
	clearance         ClearanceSetter
	logs              LogReader
	customCredentials bool
}

// NewAdminHandler creates the operator handler. logs may be nil when no request log is configured.
func NewAdminHandler(tokens TokenPool, clearance ClearanceSetter, logs LogReader, customCredentials bool) *AdminHandler {
	return &AdminHandler{
		pool:              tokens,
		clearance:         clearance,
		logs:              logs,
		customCredentials: customCredentials,
	}
}

type tokenRequest struct {
	SSO  string `json:"sso"`
	Type string `json:"type"`
}

// HandleGetTokens handles GET /get/tokens
func (h *AdminHandler) HandleGetTokens(w http.ResponseWriter, r *http.Request) {
	if h.rejectCustomMode(w, "token status is unavailable in custom credential mode") {
		return
	}
	h.pool.Sweep()
	writeJSON(w, http.StatusOK, h.pool.Status())
}

// HandleAddToken handles POST /add/token
func (h *AdminHandler) HandleAddToken(w http.ResponseWriter, r *http.Request) {
	if h.rejectCustomMode(w, "tokens cannot be added in custom credential mode") {
		return
	}
	req, ok := decodeTokenRequest(w, r)
	if !ok {
		return
	}

	h.pool.Register(pool.CredentialFromSSO(req.SSO), models.ParseTier(req.Type))
	writeJSON(w, http.StatusOK, h.pool.Status()[req.SSO])
}

// HandleDeleteToken handles POST /delete/token
func (h *AdminHandler) HandleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if h.rejectCustomMode(w, "tokens cannot be deleted in custom credential mode") {
		return
	}
	req, ok := decodeTokenRequest(w, r)
	if !ok {
		return
	}

	if !h.pool.Remove(pool.CredentialFromSSO(req.SSO)) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "token not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "token deleted"})
}

// HandleSetClearance handles POST /set/cf_clearance
func (h *AdminHandler) HandleSetClearance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"cf_clearance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Value) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cf_clearance is required"})
		return
	}
	h.clearance.Set(req.Value)
	writeJSON(w, http.StatusOK, map[string]string{"message": "cf_clearance updated"})
}

type tierLimit struct {
	Limit      int     `json:"limit"`
	ResetHours float64 `json:"reset_hours"`
}

// HandleUsageStatistics handles GET /get/usage_statistics?sso=&model=
func (h *AdminHandler) HandleUsageStatistics(w http.ResponseWriter, r *http.Request) {
	h.pool.Sweep()

	sso := r.URL.Query().Get("sso")
	model := r.URL.Query().Get("model")

	writeJSON(w, http.StatusOK, map[string]any{
		"current_time": time.Now().UnixMilli(),
		"statistics":   h.pool.Usage(sso, model),
		"token_status": h.pool.Status(),
		"model_limits": modelLimits(h.pool.RateTables()),
	})
}

// HandleRequestLogs handles GET /get/request_logs?limit=
func (h *AdminHandler) HandleRequestLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request log is not configured"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	entries, err := h.logs.RecentLogs(r.Context(), limit)
	if err != nil {
		log.WithError(err).Error("Failed to read request log")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read request log"})
		return
	}
	if entries == nil {
		entries = []models.GatewayLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// modelLimits reshapes the rate tables as bucket -> tier -> limit
func modelLimits(tables models.RateTables) map[string]map[models.Tier]tierLimit {
	out := make(map[string]map[models.Tier]tierLimit)
	for _, tier := range []models.Tier{models.TierNormal, models.TierSuper} {
		for bucket, limit := range tables.For(tier) {
			if out[bucket] == nil {
				out[bucket] = make(map[models.Tier]tierLimit)
			}
			out[bucket][tier] = tierLimit{Limit: limit.RequestFrequency, ResetHours: limit.Expiration.Hours()}
		}
	}
	return out
}

func (h *AdminHandler) rejectCustomMode(w http.ResponseWriter, message string) bool {
	if !h.customCredentials {
		return false
	}
	writeJSON(w, http.StatusForbidden, map[string]string{"error": message})
	return true
}

func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	req.SSO = strings.TrimSpace(req.SSO)
	if req.SSO == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sso is required"})
		return req, false
	}
	return req, true
}
