package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"riskguard/internal/api/handlers"
	"riskguard/internal/api/middleware"
	"riskguard/internal/risk"
	"riskguard/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Ledger       *risk.Ledger
	Loops        []*risk.ControlLoop
	Hub          *websocket.Hub
	APITokenHash string
	Logger       *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения.
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /report - последние записи журнала действий
//	├── /report/{policy} - записи одной политики
//	└── /status - состояние контрольных циклов
//
// /ws/stream - WebSocket с записями журнала в реальном времени
// /healthz - проверка живости
// /metrics - метрики Prometheus
//
// Middleware применяется в порядке: Recovery, Logging, CORS,
// затем Auth только для /api/v1.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS)

	reportHandler := handlers.NewReportHandler(deps.Ledger)
	statusHandler := handlers.NewStatusHandler(deps.Loops, deps.Ledger)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(deps.APITokenHash))

	api.HandleFunc("/report", reportHandler.GetReport).Methods("GET")
	api.HandleFunc("/report/{policy}", reportHandler.GetPolicyReport).Methods("GET")
	api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(deps.Hub, w, r)
		})
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
