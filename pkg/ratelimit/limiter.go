package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter - Token Bucket rate limiter для контроля частоты запросов к venue
//
// Алгоритм Token Bucket:
// - ведро наполняется токенами с постоянной скоростью (rate токенов/сек)
// - максимальная ёмкость ведра = burst
// - каждый запрос потребляет 1 токен; без токенов запрос ждёт
//
// Burst важен для фазы Execute: все ноги плана отправляются одновременно,
// и ведро должно вмещать целый план без ожидания.
type Limiter struct {
	rate       float64   // токенов в секунду
	burst      float64   // ёмкость ведра
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	mu         sync.Mutex
}

// NewLimiter создаёт rate limiter
//
// Параметры:
//   - rate: запросов в секунду (binance futures: 10, okx: 20)
//   - burst: максимальный всплеск (обычно 2x rate)
func NewLimiter(rate, burst float64) *Limiter {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate * 2
	}

	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// refill пополняет ведро; вызывается под mutex
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		// lastRefill может быть в будущем после Backoff
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}

// Allow - неблокирующая проверка: забирает токен, если он есть
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Wait блокирует до появления токена или отмены контекста
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.refill(now)

		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		// Сколько ждать до следующего токена
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Backoff приостанавливает выдачу токенов на указанный период.
//
// Используется при VenueRateLimitError: venue сам сообщил, что
// нужно притормозить, и ведро опустошается до конца периода.
func (l *Limiter) Backoff(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = 0
	l.lastRefill = time.Now().Add(d)
}
