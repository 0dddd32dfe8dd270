package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"riskguard/internal/risk"
)

const (
	defaultReportLimit = 50
	maxReportLimit     = 500
)

// knownPolicies допустимые значения параметра {policy}
var knownPolicies = map[string]bool{
	"liquidation": true,
	"funding":     true,
	"leverage":    true,
	"volatility":  true,
	"arbitrage":   true,
	"spread":      true,
	"position":    true,
}

// ReportHandler отдает журнал действий движка.
//
// Endpoints:
// - GET /api/v1/report?limit=N - последние записи всех политик
// - GET /api/v1/report/{policy}?limit=N - записи одной политики
type ReportHandler struct {
	ledger *risk.Ledger
}

// NewReportHandler создает новый ReportHandler
func NewReportHandler(ledger *risk.Ledger) *ReportHandler {
	return &ReportHandler{ledger: ledger}
}

// GetReport возвращает последние записи журнала в порядке добавления
//
// GET /api/v1/report
func (h *ReportHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	records := h.ledger.Report(limit)
	writeJSON(w, http.StatusOK, &SuccessResponse{Data: records})
}

// GetPolicyReport возвращает записи одной политики
//
// GET /api/v1/report/{policy}
func (h *ReportHandler) GetPolicyReport(w http.ResponseWriter, r *http.Request) {
	policy := mux.Vars(r)["policy"]
	if !knownPolicies[policy] {
		writeError(w, http.StatusNotFound, "unknown policy: "+policy)
		return
	}
	limit := parseLimit(r)
	records := h.ledger.ReportByPolicy(policy, limit)
	writeJSON(w, http.StatusOK, &SuccessResponse{Data: records})
}

func parseLimit(r *http.Request) int {
	limit := defaultReportLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxReportLimit {
		limit = maxReportLimit
	}
	return limit
}
