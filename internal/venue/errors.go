package venue

import (
	"errors"
	"fmt"
	"time"
)

// FetchError ошибка получения рыночных данных или состояния аккаунта
type FetchError struct {
	Venue ID
	Op    string // "balance", "positions", "ticker", ...
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: fetch %s: %v", e.Venue, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RateLimitError сигнализирует о превышении лимита запросов площадки
type RateLimitError struct {
	Venue      ID
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exceeded, retry after %s", e.Venue, e.RetryAfter)
}

// OrderError ошибка размещения или отмены ордера
type OrderError struct {
	Venue      ID
	Instrument string
	Code       string
	Message    string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s: order %s failed: [%s] %s", e.Venue, e.Instrument, e.Code, e.Message)
}

// APIError ошибка, возвращённая API площадки
type APIError struct {
	Venue   ID
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error [%s] %s", e.Venue, e.Code, e.Message)
}

// IsRateLimited сообщает, вызвана ли ошибка превышением лимита запросов
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
