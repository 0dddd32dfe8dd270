// Package risk реализует контрольный цикл управления рисками и
// политики поверх него: защита от ликвидации, эскалация по финансированию,
// перенастройка плеча, волатильностное хеджирование, межплощадочный и
// календарный арбитраж, ребалансировка позиций.
package risk

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/venue"
)

func init() {
	// Единая точность деления для всех денежных расчётов движка
	decimal.DivisionPrecision = 8
}

// ErrInsufficientData возвращается политикой, когда выборка пуста
// или охватывает слишком мало площадок для принятия решения
var ErrInsufficientData = errors.New("insufficient market data")

// SeverityLevel дискретный уровень серьёзности риска или привлекательности
// возможности. Сравним: большее значение означает более серьёзный уровень.
type SeverityLevel int

const (
	SeverityLow SeverityLevel = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s SeverityLevel) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityHigh:
		return "HIGH"
	case SeverityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Urgency срочность исполнения ноги плана
type Urgency int

const (
	// UrgencyNormal - лимитная цена от середины спреда с небольшим буфером
	UrgencyNormal Urgency = iota
	// UrgencyUrgent - агрессивное пересечение спреда
	UrgencyUrgent
)

// PositionRisk снимок позиции с вычисленной дистанцией до ликвидации
type PositionRisk struct {
	Position     venue.Position
	RiskDistance decimal.Decimal // (mark-liq)/mark для long, (liq-mark)/mark для short
}

// ActionLeg одна нога плана: корректирующий или хеджирующий ордер.
// Instrument - нативный символ площадки; пустой Instrument означает,
// что символ выводится из Base при исполнении. Пустой Type означает
// лимитный ордер с ценой по срочности.
type ActionLeg struct {
	Venue      venue.ID
	Instrument string
	Base       string
	Side       venue.Side
	Type       venue.OrderType
	Size       decimal.Decimal
	Urgency    Urgency
	ReduceOnly bool
	Reason     string
}

// ActionPlan план реагирования: одна первичная нога плюс ноль или
// более поддерживающих хеджей
type ActionPlan struct {
	Policy    string
	Primary   ActionLeg
	Hedges    []ActionLeg
	CreatedAt time.Time
}

// Legs возвращает все ноги плана, первичная первой
func (p *ActionPlan) Legs() []ActionLeg {
	legs := make([]ActionLeg, 0, 1+len(p.Hedges))
	legs = append(legs, p.Primary)
	legs = append(legs, p.Hedges...)
	return legs
}

// ExecutionResult итог исполнения одной ноги
type ExecutionResult struct {
	Leg        ActionLeg
	Order      *venue.Order
	Price      decimal.Decimal
	Err        error
	ExecutedAt time.Time
}

// Success сообщает, был ли ордер размещён
func (r *ExecutionResult) Success() bool {
	return r.Err == nil
}

// LedgerRecord запись журнала действий, по одной на каждую ногу
type LedgerRecord struct {
	ID         int64           `json:"id"`
	Policy     string          `json:"policy"`
	Venue      venue.ID        `json:"venue"`
	Instrument string          `json:"instrument"`
	Side       venue.Side      `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	IsHedge    bool            `json:"is_hedge"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ActivePositionRecord открытая арбитражная или спредовая позиция,
// отслеживаемая политикой до выхода
type ActivePositionRecord struct {
	ID          string
	Policy      string
	Base        string
	Legs        []ActionLeg
	EntryMetric decimal.Decimal // спред или базис на входе
	Size        decimal.Decimal
	OpenedAt    time.Time
}

// Age возвращает возраст позиции
func (r *ActivePositionRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.OpenedAt)
}
