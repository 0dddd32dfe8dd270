// Package config загружает конфигурацию движка из переменных окружения.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError описывает некорректный параметр конфигурации.
// Фатальна только на старте процесса.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Venues   VenuesConfig
	Engine   EngineConfig
	Policies PoliciesConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig - настройки подключения к БД.
// База опциональна: без неё журнал действий живёт только в памяти.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey - мастер-ключ AES-256 для расшифровки API ключей площадок
	EncryptionKey string
	// APITokenHash - bcrypt-хеш токена доступа к API отчётов.
	// Пустое значение отключает авторизацию (режим разработки).
	APITokenHash string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// VenueKeys - ключи доступа к одной площадке (зашифрованы при EncryptionKey)
type VenueKeys struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// VenuesConfig - подключаемые площадки
type VenuesConfig struct {
	Enabled []string
	Binance VenueKeys
	OKX     VenueKeys
}

// EngineConfig - общие параметры контрольного цикла
type EngineConfig struct {
	BaseAssets       []string      // отслеживаемые базовые активы
	SampleTimeout    time.Duration // таймаут опроса одной площадки
	OrderBookDepth   int           // глубина запрашиваемого стакана
	DefaultLeverage  int           // плечо, устанавливаемое при старте
	HedgeCapCombined bool          // ограничивать суммарный номинал хеджей номиналом первичной ноги
}

// PoliciesConfig - параметры всех политик
type PoliciesConfig struct {
	Liquidation LiquidationConfig
	Funding     FundingConfig
	Leverage    LeverageConfig
	Volatility  VolatilityConfig
	Arbitrage   ArbitrageConfig
	Spread      SpreadConfig
	Position    PositionConfig
}

// LiquidationConfig - защита от ликвидации
type LiquidationConfig struct {
	Interval         time.Duration
	RiskThreshold    decimal.Decimal // позиции с riskDistance выше не отслеживаются
	CriticalBand     decimal.Decimal // riskDistance ниже - CRITICAL
	HighBand         decimal.Decimal
	MediumBand       decimal.Decimal
	MaxHedgeRatio    decimal.Decimal // доля позиции, переносимая кросс-хеджем
	CorrelationRatio decimal.Decimal // доля позиции для коррелированных хеджей
	MinCorrelation   decimal.Decimal
	MaxCorrSymbols   int
}

// FundingConfig - эскалация по ставке финансирования
type FundingConfig struct {
	Interval    time.Duration
	WarningTier decimal.Decimal // |rate| выше - WARNING
	ActionTier  decimal.Decimal
	ExtremeTier decimal.Decimal
	HedgeRatio  decimal.Decimal
}

// LeverageConfig - перенастройка плеча
type LeverageConfig struct {
	Interval       time.Duration
	BaseLeverage   int
	MinLeverage    int
	MaxLeverage    int
	Adjustments    map[string]decimal.Decimal // поправка плеча по площадкам
	MarginRatioMax decimal.Decimal            // выше - принудительный хедж
	AutoHedgeRatio decimal.Decimal
	ATRPeriod      int
	KlineInterval  string
	KlineLimit     int
}

// VolatilityConfig - волатильностное хеджирование
type VolatilityConfig struct {
	Interval           time.Duration
	HighBand           decimal.Decimal // ATR ratio выше - high
	ExtremeBand        decimal.Decimal
	BaseHedgeRatio     decimal.Decimal
	MaxHedgeRatio      decimal.Decimal
	RebalanceDeviation decimal.Decimal
	HedgeExpiry        time.Duration
	RSIPeriod          int
	RSIFactor          decimal.Decimal // вклад перекупленности (RSI-70) в долю хеджа
}

// ArbitrageConfig - межплощадочный арбитраж
type ArbitrageConfig struct {
	Interval          time.Duration
	MinProfitRate     decimal.Decimal
	MinLiquidity      decimal.Decimal
	PerTradeCap       decimal.Decimal
	LiquidityFraction decimal.Decimal
	FeeRate           decimal.Decimal // тейкер-комиссия одной ноги
	ExitThreshold     decimal.Decimal
	MaxPositionAge    time.Duration
}

// SpreadConfig - календарный спред
type SpreadConfig struct {
	Interval       time.Duration
	Venue          string // площадка с линейкой фьючерсов
	EntryContango  decimal.Decimal
	EntryBackward  decimal.Decimal
	MinAnnualYield decimal.Decimal
	ProfitExit     decimal.Decimal // абсолютный спред, при схождении к нему фиксируем прибыль
	LossExit       decimal.Decimal // абсолютный спред, при расширении до него режем убыток
	MaxPositionAge time.Duration
	TwapMinutes    int // советующий параметр, исполнение пока одним ордером
	PerTradeCap    decimal.Decimal
}

// PositionConfig - ребалансировка и стопы
type PositionConfig struct {
	Interval           time.Duration
	ImbalanceThreshold decimal.Decimal
	TakeProfit         decimal.Decimal
	StopLoss           decimal.Decimal
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "riskguard"),
			User:     getEnv("DB_USER", "riskguard"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			APITokenHash:  getEnv("API_TOKEN_HASH", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Venues: VenuesConfig{
			Enabled: getEnvAsList("VENUES", []string{"binance", "okx"}),
			Binance: VenueKeys{
				APIKey:    getEnv("BINANCE_API_KEY", ""),
				SecretKey: getEnv("BINANCE_SECRET_KEY", ""),
			},
			OKX: VenueKeys{
				APIKey:     getEnv("OKX_API_KEY", ""),
				SecretKey:  getEnv("OKX_SECRET_KEY", ""),
				Passphrase: getEnv("OKX_PASSPHRASE", ""),
			},
		},
		Engine: EngineConfig{
			BaseAssets:       getEnvAsList("BASE_ASSETS", []string{"BTC"}),
			SampleTimeout:    getEnvAsDuration("SAMPLE_TIMEOUT", 10*time.Second),
			OrderBookDepth:   getEnvAsInt("ORDER_BOOK_DEPTH", 20),
			DefaultLeverage:  getEnvAsInt("DEFAULT_LEVERAGE", 10),
			HedgeCapCombined: getEnvAsBool("HEDGE_CAP_COMBINED", false),
		},
		Policies: PoliciesConfig{
			Liquidation: LiquidationConfig{
				Interval:         getEnvAsDuration("LIQUIDATION_INTERVAL", 30*time.Second),
				RiskThreshold:    getEnvAsDecimal("LIQUIDATION_RISK_THRESHOLD", "0.05"),
				CriticalBand:     getEnvAsDecimal("LIQUIDATION_CRITICAL_BAND", "0.01"),
				HighBand:         getEnvAsDecimal("LIQUIDATION_HIGH_BAND", "0.03"),
				MediumBand:       getEnvAsDecimal("LIQUIDATION_MEDIUM_BAND", "0.05"),
				MaxHedgeRatio:    getEnvAsDecimal("LIQUIDATION_MAX_HEDGE_RATIO", "0.5"),
				CorrelationRatio: getEnvAsDecimal("LIQUIDATION_CORRELATION_RATIO", "0.3"),
				MinCorrelation:   getEnvAsDecimal("LIQUIDATION_MIN_CORRELATION", "0.7"),
				MaxCorrSymbols:   getEnvAsInt("LIQUIDATION_MAX_CORR_SYMBOLS", 3),
			},
			Funding: FundingConfig{
				Interval:    getEnvAsDuration("FUNDING_INTERVAL", 5*time.Minute),
				WarningTier: getEnvAsDecimal("FUNDING_WARNING_TIER", "0.0005"),
				ActionTier:  getEnvAsDecimal("FUNDING_ACTION_TIER", "0.001"),
				ExtremeTier: getEnvAsDecimal("FUNDING_EXTREME_TIER", "0.003"),
				HedgeRatio:  getEnvAsDecimal("FUNDING_HEDGE_RATIO", "0.5"),
			},
			Leverage: LeverageConfig{
				Interval:       getEnvAsDuration("LEVERAGE_INTERVAL", 5*time.Minute),
				BaseLeverage:   getEnvAsInt("LEVERAGE_BASE", 10),
				MinLeverage:    getEnvAsInt("LEVERAGE_MIN", 1),
				MaxLeverage:    getEnvAsInt("LEVERAGE_MAX", 20),
				Adjustments:    getEnvAsDecimalMap("LEVERAGE_VENUE_ADJUSTMENTS", "binance=1.0,okx=1.0"),
				MarginRatioMax: getEnvAsDecimal("LEVERAGE_MARGIN_RATIO_MAX", "0.9"),
				AutoHedgeRatio: getEnvAsDecimal("LEVERAGE_AUTO_HEDGE_RATIO", "0.5"),
				ATRPeriod:      getEnvAsInt("LEVERAGE_ATR_PERIOD", 14),
				KlineInterval:  getEnv("LEVERAGE_KLINE_INTERVAL", "1h"),
				KlineLimit:     getEnvAsInt("LEVERAGE_KLINE_LIMIT", 48),
			},
			Volatility: VolatilityConfig{
				Interval:           getEnvAsDuration("VOLATILITY_INTERVAL", 5*time.Minute),
				HighBand:           getEnvAsDecimal("VOLATILITY_HIGH_BAND", "0.02"),
				ExtremeBand:        getEnvAsDecimal("VOLATILITY_EXTREME_BAND", "0.04"),
				BaseHedgeRatio:     getEnvAsDecimal("VOLATILITY_BASE_HEDGE_RATIO", "0.3"),
				MaxHedgeRatio:      getEnvAsDecimal("VOLATILITY_MAX_HEDGE_RATIO", "0.8"),
				RebalanceDeviation: getEnvAsDecimal("VOLATILITY_REBALANCE_DEVIATION", "0.05"),
				HedgeExpiry:        getEnvAsDuration("VOLATILITY_HEDGE_EXPIRY", 6*time.Hour),
				RSIPeriod:          getEnvAsInt("VOLATILITY_RSI_PERIOD", 14),
				RSIFactor:          getEnvAsDecimal("VOLATILITY_RSI_FACTOR", "0.005"),
			},
			Arbitrage: ArbitrageConfig{
				Interval:          getEnvAsDuration("ARBITRAGE_INTERVAL", 10*time.Second),
				MinProfitRate:     getEnvAsDecimal("ARBITRAGE_MIN_PROFIT_RATE", "0.005"),
				MinLiquidity:      getEnvAsDecimal("ARBITRAGE_MIN_LIQUIDITY", "1"),
				PerTradeCap:       getEnvAsDecimal("ARBITRAGE_PER_TRADE_CAP", "0.1"),
				LiquidityFraction: getEnvAsDecimal("ARBITRAGE_LIQUIDITY_FRACTION", "0.1"),
				FeeRate:           getEnvAsDecimal("ARBITRAGE_FEE_RATE", "0.0005"),
				ExitThreshold:     getEnvAsDecimal("ARBITRAGE_EXIT_THRESHOLD", "0.001"),
				MaxPositionAge:    getEnvAsDuration("ARBITRAGE_MAX_POSITION_AGE", 30*time.Minute),
			},
			Spread: SpreadConfig{
				Interval:       getEnvAsDuration("SPREAD_INTERVAL", time.Minute),
				Venue:          getEnv("SPREAD_VENUE", "okx"),
				EntryContango:  getEnvAsDecimal("SPREAD_ENTRY_CONTANGO", "100"),
				EntryBackward:  getEnvAsDecimal("SPREAD_ENTRY_BACKWARDATION", "-100"),
				MinAnnualYield: getEnvAsDecimal("SPREAD_MIN_ANNUAL_YIELD", "0.05"),
				ProfitExit:     getEnvAsDecimal("SPREAD_PROFIT_EXIT", "20"),
				LossExit:       getEnvAsDecimal("SPREAD_LOSS_EXIT", "150"),
				MaxPositionAge: getEnvAsDuration("SPREAD_MAX_POSITION_AGE", 24*time.Hour),
				TwapMinutes:    getEnvAsInt("SPREAD_TWAP_MINUTES", 5),
				PerTradeCap:    getEnvAsDecimal("SPREAD_PER_TRADE_CAP", "0.1"),
			},
			Position: PositionConfig{
				Interval:           getEnvAsDuration("POSITION_INTERVAL", time.Minute),
				ImbalanceThreshold: getEnvAsDecimal("POSITION_IMBALANCE_THRESHOLD", "0.05"),
				TakeProfit:         getEnvAsDecimal("POSITION_TAKE_PROFIT", "0.05"),
				StopLoss:           getEnvAsDecimal("POSITION_STOP_LOSS", "-0.03"),
			},
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}
	if err := cfg.validatePolicies(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// мастер-ключ обязателен: ключи площадок хранятся зашифрованными
	if c.Security.EncryptionKey == "" {
		return &ValidationError{Field: "ENCRYPTION_KEY", Reason: "required for decrypting venue API keys"}
	}
	if len(c.Security.EncryptionKey) != 32 {
		return &ValidationError{Field: "ENCRYPTION_KEY", Reason: "must be exactly 32 bytes for AES-256"}
	}
	return nil
}

// validateRanges проверяет числовые диапазоны общих параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "SERVER_PORT", Reason: fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port)}
	}
	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		return &ValidationError{Field: "DB_PORT", Reason: fmt.Sprintf("must be between 1 and 65535, got %d", c.Database.Port)}
	}
	if len(c.Venues.Enabled) < 2 {
		return &ValidationError{Field: "VENUES", Reason: "at least two venues are required for cross-venue hedging"}
	}
	if len(c.Engine.BaseAssets) == 0 {
		return &ValidationError{Field: "BASE_ASSETS", Reason: "at least one base asset is required"}
	}
	if c.Engine.SampleTimeout <= 0 {
		return &ValidationError{Field: "SAMPLE_TIMEOUT", Reason: "must be positive"}
	}
	if c.Engine.OrderBookDepth < 3 {
		return &ValidationError{Field: "ORDER_BOOK_DEPTH", Reason: "must be at least 3 for liquidity estimation"}
	}
	if c.Engine.DefaultLeverage < 1 {
		return &ValidationError{Field: "DEFAULT_LEVERAGE", Reason: "must be at least 1"}
	}
	return nil
}

// validatePolicies проверяет параметры политик
func (c *Config) validatePolicies() error {
	p := &c.Policies

	intervals := map[string]time.Duration{
		"LIQUIDATION_INTERVAL": p.Liquidation.Interval,
		"FUNDING_INTERVAL":     p.Funding.Interval,
		"LEVERAGE_INTERVAL":    p.Leverage.Interval,
		"VOLATILITY_INTERVAL":  p.Volatility.Interval,
		"ARBITRAGE_INTERVAL":   p.Arbitrage.Interval,
		"SPREAD_INTERVAL":      p.Spread.Interval,
		"POSITION_INTERVAL":    p.Position.Interval,
	}
	for field, iv := range intervals {
		if iv <= 0 {
			return &ValidationError{Field: field, Reason: "must be positive"}
		}
	}

	// границы ликвидации должны нарастать от critical к medium
	l := p.Liquidation
	if !l.CriticalBand.IsPositive() {
		return &ValidationError{Field: "LIQUIDATION_CRITICAL_BAND", Reason: "must be positive"}
	}
	if l.HighBand.LessThanOrEqual(l.CriticalBand) || l.MediumBand.LessThanOrEqual(l.HighBand) {
		return &ValidationError{Field: "LIQUIDATION_*_BAND", Reason: "bands must be strictly increasing: critical < high < medium"}
	}

	// тиры финансирования нарастают от warning к extreme
	f := p.Funding
	if !f.WarningTier.IsPositive() {
		return &ValidationError{Field: "FUNDING_WARNING_TIER", Reason: "must be positive"}
	}
	if f.ActionTier.LessThanOrEqual(f.WarningTier) || f.ExtremeTier.LessThanOrEqual(f.ActionTier) {
		return &ValidationError{Field: "FUNDING_*_TIER", Reason: "tiers must be strictly increasing: warning < action < extreme"}
	}

	lev := p.Leverage
	if lev.MinLeverage < 1 || lev.MaxLeverage < lev.MinLeverage {
		return &ValidationError{Field: "LEVERAGE_MIN/MAX", Reason: "require 1 <= min <= max"}
	}
	if lev.BaseLeverage < lev.MinLeverage || lev.BaseLeverage > lev.MaxLeverage {
		return &ValidationError{Field: "LEVERAGE_BASE", Reason: "must lie within [min, max]"}
	}
	if lev.ATRPeriod < 2 {
		return &ValidationError{Field: "LEVERAGE_ATR_PERIOD", Reason: "must be at least 2"}
	}
	if lev.KlineLimit <= lev.ATRPeriod {
		return &ValidationError{Field: "LEVERAGE_KLINE_LIMIT", Reason: "must exceed ATR period"}
	}

	v := p.Volatility
	if v.ExtremeBand.LessThanOrEqual(v.HighBand) {
		return &ValidationError{Field: "VOLATILITY_EXTREME_BAND", Reason: "must exceed high band"}
	}
	if v.MaxHedgeRatio.LessThan(v.BaseHedgeRatio) {
		return &ValidationError{Field: "VOLATILITY_MAX_HEDGE_RATIO", Reason: "must not be below base hedge ratio"}
	}

	a := p.Arbitrage
	if !a.MinProfitRate.IsPositive() {
		return &ValidationError{Field: "ARBITRAGE_MIN_PROFIT_RATE", Reason: "must be positive"}
	}
	if a.PerTradeCap.LessThanOrEqual(decimal.Zero) || a.PerTradeCap.GreaterThan(decimal.NewFromInt(1)) {
		return &ValidationError{Field: "ARBITRAGE_PER_TRADE_CAP", Reason: "must be in (0, 1]"}
	}
	if a.LiquidityFraction.LessThanOrEqual(decimal.Zero) || a.LiquidityFraction.GreaterThan(decimal.NewFromInt(1)) {
		return &ValidationError{Field: "ARBITRAGE_LIQUIDITY_FRACTION", Reason: "must be in (0, 1]"}
	}
	if a.MaxPositionAge <= 0 {
		return &ValidationError{Field: "ARBITRAGE_MAX_POSITION_AGE", Reason: "must be positive"}
	}

	s := p.Spread
	if s.LossExit.LessThanOrEqual(s.ProfitExit) {
		// стоп срабатывает при расширении спреда дальше уровня фиксации прибыли
		return &ValidationError{Field: "SPREAD_LOSS_EXIT", Reason: "must exceed profit exit"}
	}
	if !s.EntryContango.IsPositive() || s.EntryBackward.GreaterThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "SPREAD_ENTRY_CONTANGO", Reason: "contango threshold must be positive, backwardation negative"}
	}

	pos := p.Position
	if pos.StopLoss.GreaterThanOrEqual(pos.TakeProfit) {
		return &ValidationError{Field: "POSITION_STOP_LOSS", Reason: "must be below take profit"}
	}
	if !pos.ImbalanceThreshold.IsPositive() {
		return &ValidationError{Field: "POSITION_IMBALANCE_THRESHOLD", Reason: "must be positive"}
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDecimal читает десятичное значение; default задаётся строкой,
// чтобы литералы в коде не проходили через float64
func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		value, _ = decimal.NewFromString(defaultValue)
	}
	return value
}

// getEnvAsDecimalMap читает отображение вида "binance=1.0,okx=0.8"
func getEnvAsDecimalMap(key, defaultValue string) map[string]decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(valueStr, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		if v, err := decimal.NewFromString(parts[1]); err == nil {
			out[parts[0]] = v
		}
	}
	return out
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
