package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction определяет, в какую сторону метрика ухудшается
type Direction int

const (
	// LowerIsWorse - меньшее значение метрики опаснее
	// (дистанция до ликвидации); границы проверяются строгим '<'
	LowerIsWorse Direction = iota
	// HigherIsWorse - большее значение метрики опаснее
	// (|funding rate|, ATR ratio); границы проверяются '>='
	HigherIsWorse
)

// Band одна граница: уровень присваивается при пересечении boundary
type Band struct {
	Level    SeverityLevel
	Boundary decimal.Decimal
}

// Thresholds упорядоченная таблица границ классификации.
// Проверяется от самого серьёзного уровня к наименее серьёзному,
// первый сработавший предел выигрывает.
type Thresholds struct {
	direction Direction
	bands     []Band
	fallback  SeverityLevel
}

// NewThresholds строит таблицу классификации.
// Ленты задаются от самого серьёзного уровня к наименее серьёзному;
// границы должны монотонно следовать направлению, иначе классификация
// стала бы недетерминированной.
func NewThresholds(direction Direction, bands []Band, fallback SeverityLevel) (*Thresholds, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("thresholds: at least one band is required")
	}

	for i := 1; i < len(bands); i++ {
		if bands[i].Level >= bands[i-1].Level {
			return nil, fmt.Errorf("thresholds: bands must be ordered most severe first, got %s before %s",
				bands[i-1].Level, bands[i].Level)
		}
		ordered := bands[i].Boundary.GreaterThan(bands[i-1].Boundary)
		if direction == HigherIsWorse {
			ordered = bands[i].Boundary.LessThan(bands[i-1].Boundary)
		}
		if !ordered {
			return nil, fmt.Errorf("thresholds: band boundaries out of order at %s", bands[i].Level)
		}
	}
	if bands[len(bands)-1].Level <= fallback {
		return nil, fmt.Errorf("thresholds: fallback level %s must be below the least severe band", fallback)
	}

	copied := make([]Band, len(bands))
	copy(copied, bands)
	return &Thresholds{direction: direction, bands: copied, fallback: fallback}, nil
}

// MustThresholds паникует при некорректной таблице; для статических таблиц
func MustThresholds(direction Direction, bands []Band, fallback SeverityLevel) *Thresholds {
	t, err := NewThresholds(direction, bands, fallback)
	if err != nil {
		panic(err)
	}
	return t
}

// Classify отображает метрику на уровень серьёзности.
// Чистая функция: одинаковая метрика всегда даёт одинаковый уровень.
func (t *Thresholds) Classify(metric decimal.Decimal) SeverityLevel {
	for _, band := range t.bands {
		if t.direction == LowerIsWorse {
			if metric.LessThan(band.Boundary) {
				return band.Level
			}
		} else {
			if metric.GreaterThanOrEqual(band.Boundary) {
				return band.Level
			}
		}
	}
	return t.fallback
}
