package venue

import (
	stdjson "encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

// json заменяет encoding/json, ответы бирж парсятся в горячем пути
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rawMessage откладывает разбор вложенного поля ответа
type rawMessage = stdjson.RawMessage

// dec парсит десятичное число из строки API.
// Биржи отдают числа строками; пустая или битая строка превращается в ноль.
func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// decField парсит значение из ответа смешанного типа (строка или число)
func decField(v interface{}) decimal.Decimal {
	switch x := v.(type) {
	case string:
		return dec(x)
	case float64:
		return decimal.NewFromFloat(x)
	default:
		return decimal.Zero
	}
}

// readBody вычитывает тело ответа с ограничением размера
func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

// parseRetryAfter извлекает задержку из заголовка Retry-After
func parseRetryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// wrapOrderErr приводит ошибку размещения ордера к OrderError,
// сохраняя RateLimitError как есть для корректного ретрая
func wrapOrderErr(venue ID, instrument string, err error) error {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &OrderError{Venue: venue, Instrument: instrument, Code: apiErr.Code, Message: apiErr.Message}
	}
	return &OrderError{Venue: venue, Instrument: instrument, Code: "network", Message: err.Error()}
}
