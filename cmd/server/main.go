package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskguard/internal/api"
	"riskguard/internal/config"
	"riskguard/internal/repository"
	"riskguard/internal/risk"
	"riskguard/internal/venue"
	"riskguard/internal/websocket"
	"riskguard/pkg/utils"
)

func main() {
	// .env опционален, в контейнере конфигурация приходит из окружения
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.MustInitLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	adapters, err := buildAdapters(cfg)
	if err != nil {
		logger.Fatal("venue setup failed", zap.Error(err))
	}
	logger.Info("venues connected", zap.Int("count", len(adapters)))

	// WebSocket hub для трансляции журнала
	hub := websocket.NewHub(logger)
	go hub.Run()

	// Долговременное хранилище журнала опционально
	var store risk.Store
	var db *sql.DB
	if cfg.Database.Enabled {
		db, err = initDatabase(cfg)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()

		repo := repository.NewLedgerRepository(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := repo.EnsureSchema(ctx); err != nil {
			cancel()
			logger.Fatal("schema setup failed", zap.Error(err))
		}
		cancel()
		store = repo
		logger.Info("database connected", zap.String("dsn", cfg.Database.DSNWithoutPassword()))
	}

	sampler := risk.NewSampler(adapters, cfg.Engine.SampleTimeout, logger)
	coordinator := risk.NewCoordinator(adapters, logger)
	ledger := risk.NewLedger(store, hub, logger)

	liq := cfg.Policies.Liquidation
	composer := risk.NewComposer(risk.ComposerConfig{
		MaxHedgeRatio:    liq.MaxHedgeRatio,
		CorrelationRatio: liq.CorrelationRatio,
		MinCorrelation:   liq.MinCorrelation,
		MaxCorrSymbols:   liq.MaxCorrSymbols,
		HedgeCapCombined: cfg.Engine.HedgeCapCombined,
	}, defaultCorrelations())

	bases := cfg.Engine.BaseAssets
	leveragePolicy := risk.NewLeveragePolicy(cfg.Policies.Leverage, bases, sampler, logger)

	policies := []risk.Policy{
		risk.NewLiquidationPolicy(liq, sampler, composer, logger),
		risk.NewFundingPolicy(cfg.Policies.Funding, bases, sampler, logger),
		leveragePolicy,
		risk.NewVolatilityPolicy(cfg.Policies.Volatility, bases, sampler, logger),
		risk.NewArbitragePolicy(cfg.Policies.Arbitrage, bases, sampler, coordinator, ledger, logger),
		risk.NewSpreadPolicy(cfg.Policies.Spread, bases, sampler, coordinator, ledger, logger),
		risk.NewPositionPolicy(cfg.Policies.Position, bases, sampler, coordinator, ledger, logger),
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// стартовая установка плеча до запуска циклов
	initCtx, initCancel := context.WithTimeout(rootCtx, time.Minute)
	leveragePolicy.InitLeverage(initCtx)
	initCancel()

	loops := make([]*risk.ControlLoop, 0, len(policies))
	for _, policy := range policies {
		loop := risk.NewControlLoop(policy, coordinator, ledger, logger)
		loops = append(loops, loop)
		loop.Start(rootCtx)
	}

	router := api.SetupRoutes(&api.Dependencies{
		Ledger:       ledger,
		Loops:        loops,
		Hub:          hub,
		APITokenHash: cfg.Security.APITokenHash,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// циклам даем дозавершить текущую итерацию
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	for _, loop := range loops {
		if err := loop.Stop(stopCtx); err != nil {
			logger.Warn("loop stop timeout",
				zap.String("policy", loop.Policy().Name()),
				zap.Error(err))
		}
	}
	rootCancel()

	if err := server.Shutdown(stopCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	for id, adapter := range adapters {
		if err := adapter.Close(); err != nil {
			logger.Warn("adapter close failed", zap.String("venue", string(id)), zap.Error(err))
		}
	}
	venue.CloseSharedClient()

	logger.Info("server exited")
}

// buildAdapters создает адаптеры включенных площадок, расшифровывая
// их ключи мастер-ключом
func buildAdapters(cfg *config.Config) (map[venue.ID]venue.Adapter, error) {
	masterKey := []byte(cfg.Security.EncryptionKey)
	adapters := make(map[venue.ID]venue.Adapter, len(cfg.Venues.Enabled))

	for _, name := range cfg.Venues.Enabled {
		id := venue.ID(strings.ToLower(name))
		if !venue.IsSupported(id) {
			return nil, fmt.Errorf("unsupported venue in config: %s", name)
		}

		var keys config.VenueKeys
		switch id {
		case venue.Binance:
			keys = cfg.Venues.Binance
		case venue.OKX:
			keys = cfg.Venues.OKX
		}

		creds, err := venue.Credentials{
			APIKey:     keys.APIKey,
			SecretKey:  keys.SecretKey,
			Passphrase: keys.Passphrase,
		}.Decrypt(masterKey)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}

		adapter, err := venue.NewAdapter(id, creds)
		if err != nil {
			return nil, err
		}
		adapters[id] = adapter
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no venues configured")
	}
	return adapters, nil
}

// defaultCorrelations - статическая таблица корреляций основных активов
func defaultCorrelations() risk.StaticCorrelations {
	return risk.StaticCorrelations{
		"BTC": {
			{Base: "ETH", Coefficient: decimal.RequireFromString("0.85")},
			{Base: "SOL", Coefficient: decimal.RequireFromString("0.78")},
		},
		"ETH": {
			{Base: "BTC", Coefficient: decimal.RequireFromString("0.85")},
			{Base: "SOL", Coefficient: decimal.RequireFromString("0.80")},
		},
		"SOL": {
			{Base: "ETH", Coefficient: decimal.RequireFromString("0.80")},
			{Base: "BTC", Coefficient: decimal.RequireFromString("0.78")},
		},
	}
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
