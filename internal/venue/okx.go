package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/pkg/ratelimit"
)

const okxBaseURL = "https://www.okx.com"

// OKXAdapter реализует интерфейс Adapter для деривативов OKX v5
type OKXAdapter struct {
	apiKey     string
	secretKey  string
	passphrase string

	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// NewOKX создает адаптер OKX
func NewOKX(apiKey, secretKey, passphrase string) *OKXAdapter {
	return &OKXAdapter{
		apiKey:     apiKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		httpClient: SharedHTTPClient().Client(),
		limiter:    ratelimit.NewLimiter(15, 30),
	}
}

func (o *OKXAdapter) Name() ID {
	return OKX
}

// MapSymbol преобразует базовый актив в символ OKX ("BTC" -> "BTC-USDT-SWAP")
func (o *OKXAdapter) MapSymbol(base string) string {
	return strings.ToUpper(base) + "-USDT-SWAP"
}

// sign создаёт подпись запроса по схеме OKX v5:
// base64(HMAC-SHA256(timestamp + method + requestPath + body))
func (o *OKXAdapter) sign(timestamp, method, requestPath, body string) string {
	h := hmac.New(sha256.New, []byte(o.secretKey))
	h.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к OKX API и разворачивает конверт ответа
func (o *OKXAdapter) doRequest(ctx context.Context, method, endpoint string, params map[string]string, bodyObj interface{}, signed bool) ([]byte, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	requestPath := endpoint
	if len(params) > 0 {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		requestPath += "?" + query.Encode()
	}

	var reqBody string
	if bodyObj != nil {
		raw, err := json.Marshal(bodyObj)
		if err != nil {
			return nil, err
		}
		reqBody = string(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, okxBaseURL+requestPath, bytes.NewReader([]byte(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", o.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", o.sign(timestamp, method, requestPath, reqBody))
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp, 30*time.Second)
		o.limiter.Backoff(retryAfter)
		return nil, &RateLimitError{Venue: OKX, RetryAfter: retryAfter}
	}

	var envelope struct {
		Code string     `json:"code"`
		Msg  string     `json:"msg"`
		Data rawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("okx: malformed response: %w", err)
	}
	if envelope.Code != "0" {
		return nil, &APIError{Venue: OKX, Code: envelope.Code, Message: envelope.Msg}
	}

	return envelope.Data, nil
}

func (o *OKXAdapter) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	params := map[string]string{"ccy": "USDT"}
	data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/account/balance", params, nil, true)
	if err != nil {
		return decimal.Zero, &FetchError{Venue: OKX, Op: "balance", Err: err}
	}

	var accounts []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return decimal.Zero, &FetchError{Venue: OKX, Op: "balance", Err: err}
	}

	for _, acc := range accounts {
		for _, d := range acc.Details {
			if d.Ccy == "USDT" {
				return dec(d.AvailBal), nil
			}
		}
	}
	return decimal.Zero, nil
}

func (o *OKXAdapter) FetchPositions(ctx context.Context) ([]Position, error) {
	data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/account/positions", nil, nil, true)
	if err != nil {
		return nil, &FetchError{Venue: OKX, Op: "positions", Err: err}
	}

	var raw []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		MarkPx   string `json:"markPx"`
		LiqPx    string `json:"liqPx"`
		Lever    string `json:"lever"`
		Upl      string `json:"upl"`
		MgnRatio string `json:"mgnRatio"`
		UTime    string `json:"uTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &FetchError{Venue: OKX, Op: "positions", Err: err}
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		pos := dec(p.Pos)
		if pos.IsZero() {
			continue
		}

		side := Long
		switch {
		case p.PosSide == "short":
			side = Short
		case p.PosSide == "net" && pos.IsNegative():
			side = Short
		}

		// OKX отдаёт отношение маржи к поддерживающей (выше значит безопаснее),
		// приводим к единой шкале, где 1.0 означает ликвидацию
		marginRatio := decimal.Zero
		if mr := dec(p.MgnRatio); mr.IsPositive() {
			marginRatio = decimal.NewFromInt(1).Div(mr)
		}

		uTime, _ := strconv.ParseInt(p.UTime, 10, 64)
		positions = append(positions, Position{
			Venue:            OKX,
			Instrument:       p.InstID,
			Side:             side,
			Size:             pos.Abs(),
			EntryPrice:       dec(p.AvgPx),
			MarkPrice:        dec(p.MarkPx),
			LiquidationPrice: dec(p.LiqPx),
			MarginRatio:      marginRatio,
			Leverage:         int(dec(p.Lever).IntPart()),
			UnrealizedPnl:    dec(p.Upl),
			UpdatedAt:        time.UnixMilli(uTime),
		})
	}
	return positions, nil
}

func (o *OKXAdapter) FetchTicker(ctx context.Context, instrument string) (*Ticker, error) {
	params := map[string]string{"instId": instrument}
	data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/market/ticker", params, nil, false)
	if err != nil {
		return nil, &FetchError{Venue: OKX, Op: "ticker", Err: err}
	}

	var tickers []struct {
		InstID string `json:"instId"`
		BidPx  string `json:"bidPx"`
		AskPx  string `json:"askPx"`
		Last   string `json:"last"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return nil, &FetchError{Venue: OKX, Op: "ticker", Err: err}
	}
	if len(tickers) == 0 {
		return nil, &FetchError{Venue: OKX, Op: "ticker", Err: fmt.Errorf("no data for %s", instrument)}
	}

	t := tickers[0]
	ts, _ := strconv.ParseInt(t.Ts, 10, 64)
	return &Ticker{
		Instrument: t.InstID,
		Bid:        dec(t.BidPx),
		Ask:        dec(t.AskPx),
		Last:       dec(t.Last),
		Timestamp:  time.UnixMilli(ts),
	}, nil
}

func (o *OKXAdapter) FetchOrderBook(ctx context.Context, instrument string, depth int) (*OrderBook, error) {
	if depth > 400 {
		depth = 400
	}
	params := map[string]string{
		"instId": instrument,
		"sz":     strconv.Itoa(depth),
	}
	data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/market/books", params, nil, false)
	if err != nil {
		return nil, &FetchError{Venue: OKX, Op: "orderbook", Err: err}
	}

	var books []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Ts   string     `json:"ts"`
	}
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, &FetchError{Venue: OKX, Op: "orderbook", Err: err}
	}
	if len(books) == 0 {
		return nil, &FetchError{Venue: OKX, Op: "orderbook", Err: fmt.Errorf("no data for %s", instrument)}
	}

	book := books[0]
	ts, _ := strconv.ParseInt(book.Ts, 10, 64)
	ob := &OrderBook{
		Instrument: instrument,
		Bids:       make([]PriceLevel, 0, len(book.Bids)),
		Asks:       make([]PriceLevel, 0, len(book.Asks)),
		Timestamp:  time.UnixMilli(ts),
	}
	for _, lvl := range book.Bids {
		if len(lvl) >= 2 {
			ob.Bids = append(ob.Bids, PriceLevel{Price: dec(lvl[0]), Size: dec(lvl[1])})
		}
	}
	for _, lvl := range book.Asks {
		if len(lvl) >= 2 {
			ob.Asks = append(ob.Asks, PriceLevel{Price: dec(lvl[0]), Size: dec(lvl[1])})
		}
	}
	return ob, nil
}

func (o *OKXAdapter) FetchKlines(ctx context.Context, instrument, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"instId": instrument,
		"bar":    okxBar(interval),
		"limit":  strconv.Itoa(limit),
	}
	data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/market/candles", params, nil, false)
	if err != nil {
		return nil, &FetchError{Venue: OKX, Op: "klines", Err: err}
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &FetchError{Venue: OKX, Op: "klines", Err: err}
	}

	// OKX отдаёт свечи новыми вперед, разворачиваем к порядку "старые первыми"
	klines := make([]Kline, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(ts),
			Open:     dec(row[1]),
			High:     dec(row[2]),
			Low:      dec(row[3]),
			Close:    dec(row[4]),
			Volume:   dec(row[5]),
		})
	}
	return klines, nil
}

// okxBar приводит общий интервал к формату OKX ("1h" -> "1H")
func okxBar(interval string) string {
	if strings.HasSuffix(interval, "h") || strings.HasSuffix(interval, "d") || strings.HasSuffix(interval, "w") {
		return strings.ToUpper(interval)
	}
	return interval
}

func (o *OKXAdapter) FetchFundingRate(ctx context.Context, instrument string) (decimal.Decimal, error) {
	params := map[string]string{"instId": instrument}
	data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/funding-rate", params, nil, false)
	if err != nil {
		return decimal.Zero, &FetchError{Venue: OKX, Op: "funding_rate", Err: err}
	}

	var rates []struct {
		FundingRate string `json:"fundingRate"`
	}
	if err := json.Unmarshal(data, &rates); err != nil {
		return decimal.Zero, &FetchError{Venue: OKX, Op: "funding_rate", Err: err}
	}
	if len(rates) == 0 {
		return decimal.Zero, &FetchError{Venue: OKX, Op: "funding_rate", Err: fmt.Errorf("no data for %s", instrument)}
	}
	return dec(rates[0].FundingRate), nil
}

func (o *OKXAdapter) FetchMarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	params := map[string]string{
		"instId":   instrument,
		"instType": okxInstType(instrument),
	}
	data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/mark-price", params, nil, false)
	if err != nil {
		return decimal.Zero, &FetchError{Venue: OKX, Op: "mark_price", Err: err}
	}

	var marks []struct {
		MarkPx string `json:"markPx"`
	}
	if err := json.Unmarshal(data, &marks); err != nil {
		return decimal.Zero, &FetchError{Venue: OKX, Op: "mark_price", Err: err}
	}
	if len(marks) == 0 {
		return decimal.Zero, &FetchError{Venue: OKX, Op: "mark_price", Err: fmt.Errorf("no data for %s", instrument)}
	}
	return dec(marks[0].MarkPx), nil
}

// okxInstType определяет тип инструмента по символу
func okxInstType(instrument string) string {
	if strings.HasSuffix(instrument, "-SWAP") {
		return "SWAP"
	}
	return "FUTURES"
}

func (o *OKXAdapter) ListInstruments(ctx context.Context, base string) ([]Instrument, error) {
	uly := strings.ToUpper(base) + "-USDT"
	instruments := make([]Instrument, 0)

	for _, instType := range []string{"SWAP", "FUTURES"} {
		params := map[string]string{
			"instType": instType,
			"uly":      uly,
		}
		data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/public/instruments", params, nil, false)
		if err != nil {
			return nil, &FetchError{Venue: OKX, Op: "instruments", Err: err}
		}

		var raw []struct {
			InstID  string `json:"instId"`
			ExpTime string `json:"expTime"`
			State   string `json:"state"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &FetchError{Venue: OKX, Op: "instruments", Err: err}
		}

		for _, inst := range raw {
			if inst.State != "live" {
				continue
			}
			item := Instrument{Symbol: inst.InstID, Base: strings.ToUpper(base)}
			if exp, err := strconv.ParseInt(inst.ExpTime, 10, 64); err == nil && exp > 0 {
				item.Expiry = time.UnixMilli(exp)
			}
			instruments = append(instruments, item)
		}
	}
	return instruments, nil
}

func (o *OKXAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body := map[string]string{
		"instId": req.Instrument,
		"tdMode": "cross",
		"side":   string(req.Side),
		"sz":     req.Size.String(),
	}
	switch req.Type {
	case OrderTypeLimit:
		body["ordType"] = "limit"
		body["px"] = req.Price.String()
	default:
		body["ordType"] = "market"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "true"
	}

	data, err := o.doRequest(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, true)
	if err != nil {
		return nil, wrapOrderErr(OKX, req.Instrument, err)
	}

	var results []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, wrapOrderErr(OKX, req.Instrument, err)
	}
	if len(results) == 0 {
		return nil, &OrderError{Venue: OKX, Instrument: req.Instrument, Code: "empty", Message: "empty order response"}
	}
	if results[0].SCode != "0" {
		return nil, &OrderError{Venue: OKX, Instrument: req.Instrument, Code: results[0].SCode, Message: results[0].SMsg}
	}

	return &Order{
		ID:         results[0].OrdID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Size:       req.Size,
		Price:      req.Price,
		Status:     OrderStatusNew,
		CreatedAt:  time.Now(),
	}, nil
}

func (o *OKXAdapter) CancelOrder(ctx context.Context, instrument, orderID string) error {
	body := map[string]string{
		"instId": instrument,
		"ordId":  orderID,
	}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, true)
	if err != nil {
		return wrapOrderErr(OKX, instrument, err)
	}
	return nil
}

// CancelAllOrders отменяет все открытые ордера по инструменту.
// OKX не имеет единого endpoint, отменяем найденные ордера пакетом.
func (o *OKXAdapter) CancelAllOrders(ctx context.Context, instrument string) error {
	params := map[string]string{"instId": instrument}
	data, err := o.doRequest(ctx, http.MethodGet, "/api/v5/trade/orders-pending", params, nil, true)
	if err != nil {
		return wrapOrderErr(OKX, instrument, err)
	}

	var pending []struct {
		OrdID string `json:"ordId"`
	}
	if err := json.Unmarshal(data, &pending); err != nil {
		return wrapOrderErr(OKX, instrument, err)
	}
	if len(pending) == 0 {
		return nil
	}

	batch := make([]map[string]string, 0, len(pending))
	for _, ord := range pending {
		batch = append(batch, map[string]string{
			"instId": instrument,
			"ordId":  ord.OrdID,
		})
	}
	_, err = o.doRequest(ctx, http.MethodPost, "/api/v5/trade/cancel-batch-orders", nil, batch, true)
	if err != nil {
		return wrapOrderErr(OKX, instrument, err)
	}
	return nil
}

func (o *OKXAdapter) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	body := map[string]string{
		"instId":  instrument,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	_, err := o.doRequest(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, body, true)
	if err != nil {
		return fmt.Errorf("set leverage %s: %w", instrument, err)
	}
	return nil
}

func (o *OKXAdapter) Close() error {
	return nil
}
