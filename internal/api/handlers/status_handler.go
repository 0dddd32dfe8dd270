package handlers

import (
	"net/http"
	"time"

	"riskguard/internal/risk"
)

// PolicyStatus снимок состояния одного контрольного цикла
type PolicyStatus struct {
	Policy   string `json:"policy"`
	State    string `json:"state"`
	Interval string `json:"interval"`
}

// StatusResponse ответ endpoint /status
type StatusResponse struct {
	Uptime   string         `json:"uptime"`
	Records  int            `json:"records"`
	Policies []PolicyStatus `json:"policies"`
}

// StatusHandler отдает состояние всех контрольных циклов
//
// GET /api/v1/status
type StatusHandler struct {
	loops     []*risk.ControlLoop
	ledger    *risk.Ledger
	startedAt time.Time
}

// NewStatusHandler создает новый StatusHandler
func NewStatusHandler(loops []*risk.ControlLoop, ledger *risk.Ledger) *StatusHandler {
	return &StatusHandler{
		loops:     loops,
		ledger:    ledger,
		startedAt: time.Now(),
	}
}

// GetStatus возвращает состояние циклов и размер журнала
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]PolicyStatus, 0, len(h.loops))
	for _, loop := range h.loops {
		statuses = append(statuses, PolicyStatus{
			Policy:   loop.Policy().Name(),
			State:    loop.State().String(),
			Interval: loop.Policy().Interval().String(),
		})
	}
	writeJSON(w, http.StatusOK, &StatusResponse{
		Uptime:   time.Since(h.startedAt).Round(time.Second).String(),
		Records:  h.ledger.Len(),
		Policies: statuses,
	})
}
