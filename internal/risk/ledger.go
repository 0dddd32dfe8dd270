package risk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store персистентное хранилище журнала; опционально
type Store interface {
	SaveRecords(ctx context.Context, records []LedgerRecord) error
}

// Broadcaster получает каждую новую запись журнала; опционально
type Broadcaster interface {
	BroadcastRecord(record LedgerRecord)
}

// Ledger хранит журнал исполнения в памяти, только с дозаписью.
// При наличии Store каждая партия записей дублируется в него;
// отказ хранилища логируется и никогда не фатален.
type Ledger struct {
	mu      sync.RWMutex
	records []LedgerRecord
	nextID  int64

	store       Store
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewLedger создает журнал; store и broadcaster могут быть nil
func NewLedger(store Store, broadcaster Broadcaster, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		nextID:      1,
	}
}

// Record фиксирует итоги всех нóг плана, успешных и неуспешных
func (l *Ledger) Record(ctx context.Context, plan *ActionPlan, results []ExecutionResult) {
	now := time.Now()
	batch := make([]LedgerRecord, 0, len(results))

	l.mu.Lock()
	for i, r := range results {
		record := LedgerRecord{
			ID:         l.nextID,
			Policy:     plan.Policy,
			Venue:      r.Leg.Venue,
			Instrument: legInstrument(r.Leg),
			Side:       r.Leg.Side,
			Size:       r.Leg.Size,
			Price:      r.Price,
			IsHedge:    i > 0,
			Success:    r.Success(),
			Reason:     r.Leg.Reason,
			CreatedAt:  now,
		}
		if r.Err != nil {
			record.Error = r.Err.Error()
		}
		l.nextID++
		l.records = append(l.records, record)
		batch = append(batch, record)
	}
	l.mu.Unlock()

	if l.broadcaster != nil {
		for _, record := range batch {
			l.broadcaster.BroadcastRecord(record)
		}
	}

	if l.store != nil {
		if err := l.store.SaveRecords(ctx, batch); err != nil {
			l.logger.Error("ledger store save failed",
				zap.String("policy", plan.Policy),
				zap.Int("records", len(batch)),
				zap.Error(err))
		}
	}
}

// Report возвращает последние n записей в порядке добавления
func (l *Ledger) Report(n int) []LedgerRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return lastN(l.records, n, func(LedgerRecord) bool { return true })
}

// ReportByPolicy возвращает последние n записей политики в порядке добавления
func (l *Ledger) ReportByPolicy(policy string, n int) []LedgerRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return lastN(l.records, n, func(r LedgerRecord) bool { return r.Policy == policy })
}

// Len возвращает число записей в журнале
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// lastN отбирает последние n подходящих записей, сохраняя порядок добавления
func lastN(records []LedgerRecord, n int, match func(LedgerRecord) bool) []LedgerRecord {
	if n <= 0 {
		return nil
	}
	out := make([]LedgerRecord, 0, n)
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		if match(records[i]) {
			out = append(out, records[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func legInstrument(leg ActionLeg) string {
	if leg.Instrument != "" {
		return leg.Instrument
	}
	return leg.Base
}
