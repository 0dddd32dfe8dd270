package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/venue"
)

// Correlation коэффициент корреляции с другим базовым активом
type Correlation struct {
	Base        string
	Coefficient decimal.Decimal
}

// CorrelationSource поставляет коррелированные активы для хеджирования
type CorrelationSource interface {
	// Correlated возвращает активы по убыванию коэффициента, без самого base
	Correlated(base string) []Correlation
}

// StaticCorrelations простая таблица корреляций, заданная конфигурацией
type StaticCorrelations map[string][]Correlation

func (s StaticCorrelations) Correlated(base string) []Correlation {
	out := make([]Correlation, len(s[base]))
	copy(out, s[base])
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Coefficient.GreaterThan(out[j].Coefficient)
	})
	return out
}

// sizingTable доля позиции, закрываемая первичной ногой на каждом уровне
var sizingTable = map[SeverityLevel]decimal.Decimal{
	SeverityCritical: decimal.RequireFromString("1.0"),
	SeverityHigh:     decimal.RequireFromString("0.7"),
	SeverityMedium:   decimal.RequireFromString("0.5"),
	SeverityLow:      decimal.RequireFromString("0.3"),
}

// SizeMultiplier возвращает множитель размера для уровня серьёзности
func SizeMultiplier(level SeverityLevel) decimal.Decimal {
	return sizingTable[level]
}

// ComposerConfig параметры построения защитных планов
type ComposerConfig struct {
	MaxHedgeRatio    decimal.Decimal // доля первичной ноги для кросс-хеджа
	CorrelationRatio decimal.Decimal // доля первичной ноги для коррелированных хеджей
	MinCorrelation   decimal.Decimal
	MaxCorrSymbols   int
	HedgeCapCombined bool // ограничить суммарный размер хеджей размером первичной ноги
}

// Composer строит план реагирования: первичная нога по таблице размеров
// плюс кросс-площадочные и корреляционные хеджи
type Composer struct {
	cfg          ComposerConfig
	correlations CorrelationSource
}

// NewComposer создает Composer; source может быть nil, тогда
// корреляционные хеджи не добавляются
func NewComposer(cfg ComposerConfig, source CorrelationSource) *Composer {
	return &Composer{cfg: cfg, correlations: source}
}

// DefensePlan строит план защиты позиции:
// первичная нога сокращает позицию, хеджи переносят экспозицию
// на другие площадки и коррелированные активы.
func (c *Composer) DefensePlan(policy string, risk PositionRisk, level SeverityLevel, others []venue.ID, base string) *ActionPlan {
	pos := risk.Position

	urgency := UrgencyNormal
	if level >= SeverityHigh {
		urgency = UrgencyUrgent
	}

	// На уровне CRITICAL немедленное исполнение важнее цены
	orderType := venue.OrderTypeLimit
	if level == SeverityCritical {
		orderType = venue.OrderTypeMarket
	}

	plan := &ActionPlan{
		Policy: policy,
		Primary: ActionLeg{
			Venue:      pos.Venue,
			Instrument: pos.Instrument,
			Side:       pos.Side.CloseSide(),
			Type:       orderType,
			Size:       pos.Size.Abs().Mul(SizeMultiplier(level)),
			Urgency:    urgency,
			ReduceOnly: true,
			Reason:     fmt.Sprintf("liquidation_defense(%s)", level),
		},
		CreatedAt: time.Now(),
	}

	c.addCrossVenueHedges(plan, pos, others, base)
	c.addCorrelationHedges(plan, pos, base)

	if c.cfg.HedgeCapCombined {
		capHedges(plan)
	}
	return plan
}

// addCrossVenueHedges восстанавливает часть закрываемой экспозиции
// на остальных площадках, поровну между ними.
// Суммарный размер кросс-хеджей равен MaxHedgeRatio от первичной ноги,
// поэтому на любом уровне серьёзности хеджи сжимаются вместе с ней.
func (c *Composer) addCrossVenueHedges(plan *ActionPlan, pos venue.Position, others []venue.ID, base string) {
	if len(others) == 0 || !c.cfg.MaxHedgeRatio.IsPositive() {
		return
	}

	share := plan.Primary.Size.Mul(c.cfg.MaxHedgeRatio).Div(decimal.NewFromInt(int64(len(others))))
	side := venue.SideBuy
	if pos.Side == venue.Short {
		side = venue.SideSell
	}

	for _, other := range others {
		plan.Hedges = append(plan.Hedges, ActionLeg{
			Venue:   other,
			Base:    base,
			Side:    side,
			Size:    share,
			Urgency: UrgencyNormal,
			Reason:  "cross_venue_hedge",
		})
	}
}

// addCorrelationHedges хеджирует коррелированными активами на той же площадке
func (c *Composer) addCorrelationHedges(plan *ActionPlan, pos venue.Position, base string) {
	if c.correlations == nil || !c.cfg.CorrelationRatio.IsPositive() || c.cfg.MaxCorrSymbols <= 0 {
		return
	}

	selected := make([]Correlation, 0, c.cfg.MaxCorrSymbols)
	for _, corr := range c.correlations.Correlated(base) {
		if corr.Coefficient.LessThanOrEqual(c.cfg.MinCorrelation) {
			continue
		}
		selected = append(selected, corr)
		if len(selected) == c.cfg.MaxCorrSymbols {
			break
		}
	}
	if len(selected) == 0 {
		return
	}

	share := plan.Primary.Size.Mul(c.cfg.CorrelationRatio).Div(decimal.NewFromInt(int64(len(selected))))
	side := venue.SideBuy
	if pos.Side == venue.Short {
		side = venue.SideSell
	}

	for _, corr := range selected {
		plan.Hedges = append(plan.Hedges, ActionLeg{
			Venue:   pos.Venue,
			Base:    corr.Base,
			Side:    side,
			Size:    share,
			Urgency: UrgencyNormal,
			Reason:  fmt.Sprintf("correlation_hedge(%s)", corr.Base),
		})
	}
}

// capHedges масштабирует хеджи так, чтобы их суммарный размер
// не превышал размер первичной ноги
func capHedges(plan *ActionPlan) {
	total := decimal.Zero
	for _, h := range plan.Hedges {
		total = total.Add(h.Size)
	}
	if total.LessThanOrEqual(plan.Primary.Size) || total.IsZero() {
		return
	}
	scale := plan.Primary.Size.Div(total)
	for i := range plan.Hedges {
		plan.Hedges[i].Size = plan.Hedges[i].Size.Mul(scale)
	}
}

// WorstPosition выбирает позицию с наибольшим риском:
// сперва по маржин-ратио, затем по дистанции до ликвидации,
// при равенстве детерминированно по площадке и инструменту
func WorstPosition(risks []PositionRisk) (PositionRisk, bool) {
	if len(risks) == 0 {
		return PositionRisk{}, false
	}
	worst := risks[0]
	for _, r := range risks[1:] {
		if riskier(r, worst) {
			worst = r
		}
	}
	return worst, true
}

func riskier(a, b PositionRisk) bool {
	if !a.Position.MarginRatio.Equal(b.Position.MarginRatio) {
		return a.Position.MarginRatio.GreaterThan(b.Position.MarginRatio)
	}
	if !a.RiskDistance.Equal(b.RiskDistance) {
		return a.RiskDistance.LessThan(b.RiskDistance)
	}
	if a.Position.Venue != b.Position.Venue {
		return a.Position.Venue < b.Position.Venue
	}
	return a.Position.Instrument < b.Position.Instrument
}

// OpportunitySize ограничивает размер входа балансом и ликвидностью:
// min(balance × perTradeCap / price, liquidity × fraction)
func OpportunitySize(balance, price, perTradeCap, liquidity, fraction decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	byBalance := balance.Mul(perTradeCap).Div(price)
	byLiquidity := liquidity.Mul(fraction)
	if byBalance.LessThan(byLiquidity) {
		return byBalance
	}
	return byLiquidity
}
