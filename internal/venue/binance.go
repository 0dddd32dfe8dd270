package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/pkg/ratelimit"
)

const (
	binanceBaseURL    = "https://fapi.binance.com"
	binanceRecvWindow = "5000"
)

// BinanceAdapter реализует интерфейс Adapter для USDT-M фьючерсов Binance
type BinanceAdapter struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// NewBinance создает адаптер Binance.
// Использует общий HTTP клиент процесса с connection pooling.
func NewBinance(apiKey, secretKey string) *BinanceAdapter {
	return &BinanceAdapter{
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: SharedHTTPClient().Client(),
		// Binance допускает 2400 weight/min, держимся значительно ниже
		limiter: ratelimit.NewLimiter(20, 40),
	}
}

func (b *BinanceAdapter) Name() ID {
	return Binance
}

// MapSymbol преобразует базовый актив в символ Binance ("BTC" -> "BTCUSDT")
func (b *BinanceAdapter) MapSymbol(base string) string {
	return strings.ToUpper(base) + "USDT"
}

// sign создаёт подпись HMAC-SHA256 для приватных запросов
func (b *BinanceAdapter) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Binance Futures API
func (b *BinanceAdapter) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	if signed {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query.Set("recvWindow", binanceRecvWindow)
		query.Set("signature", b.sign(query.Encode()))
	}

	reqURL := binanceBaseURL + endpoint
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	// 429/418 означают превышение лимита, придерживаем все запросы к площадке
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		retryAfter := parseRetryAfter(resp, 30*time.Second)
		b.limiter.Backoff(retryAfter)
		return nil, &RateLimitError{Venue: Binance, RetryAfter: retryAfter}
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
			return nil, &APIError{Venue: Binance, Code: strconv.Itoa(apiErr.Code), Message: apiErr.Msg}
		}
		return nil, &APIError{Venue: Binance, Code: strconv.Itoa(resp.StatusCode), Message: string(body)}
	}

	return body, nil
}

func (b *BinanceAdapter) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return decimal.Zero, &FetchError{Venue: Binance, Op: "balance", Err: err}
	}

	var assets []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &assets); err != nil {
		return decimal.Zero, &FetchError{Venue: Binance, Op: "balance", Err: err}
	}

	for _, a := range assets {
		if a.Asset == "USDT" {
			return dec(a.AvailableBalance), nil
		}
	}
	return decimal.Zero, nil
}

func (b *BinanceAdapter) FetchPositions(ctx context.Context) ([]Position, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, &FetchError{Venue: Binance, Op: "positions", Err: err}
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		UpdateTime       int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &FetchError{Venue: Binance, Op: "positions", Err: err}
	}

	// Binance не отдаёт маржин-ратио в positionRisk, берём уровень аккаунта
	marginRatio, err := b.accountMarginRatio(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		amt := dec(p.PositionAmt)
		if amt.IsZero() {
			continue
		}

		side := Long
		if amt.IsNegative() {
			side = Short
		}

		positions = append(positions, Position{
			Venue:            Binance,
			Instrument:       p.Symbol,
			Side:             side,
			Size:             amt.Abs(),
			EntryPrice:       dec(p.EntryPrice),
			MarkPrice:        dec(p.MarkPrice),
			LiquidationPrice: dec(p.LiquidationPrice),
			MarginRatio:      marginRatio,
			Leverage:         int(dec(p.Leverage).IntPart()),
			UnrealizedPnl:    dec(p.UnRealizedProfit),
			UpdatedAt:        time.UnixMilli(p.UpdateTime),
		})
	}
	return positions, nil
}

// accountMarginRatio возвращает отношение поддерживающей маржи к балансу маржи
func (b *BinanceAdapter) accountMarginRatio(ctx context.Context) (decimal.Decimal, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return decimal.Zero, &FetchError{Venue: Binance, Op: "account", Err: err}
	}

	var acc struct {
		TotalMaintMargin  string `json:"totalMaintMargin"`
		TotalMarginBalance string `json:"totalMarginBalance"`
	}
	if err := json.Unmarshal(body, &acc); err != nil {
		return decimal.Zero, &FetchError{Venue: Binance, Op: "account", Err: err}
	}

	balance := dec(acc.TotalMarginBalance)
	if balance.IsZero() {
		return decimal.Zero, nil
	}
	return dec(acc.TotalMaintMargin).Div(balance), nil
}

func (b *BinanceAdapter) FetchTicker(ctx context.Context, instrument string) (*Ticker, error) {
	params := map[string]string{"symbol": instrument}
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false)
	if err != nil {
		return nil, &FetchError{Venue: Binance, Op: "ticker", Err: err}
	}

	var t struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, &FetchError{Venue: Binance, Op: "ticker", Err: err}
	}

	return &Ticker{
		Instrument: t.Symbol,
		Bid:        dec(t.BidPrice),
		Ask:        dec(t.AskPrice),
		Timestamp:  time.Now(),
	}, nil
}

func (b *BinanceAdapter) FetchOrderBook(ctx context.Context, instrument string, depth int) (*OrderBook, error) {
	if depth > 1000 {
		depth = 1000
	}
	params := map[string]string{
		"symbol": instrument,
		"limit":  strconv.Itoa(depth),
	}
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/depth", params, false)
	if err != nil {
		return nil, &FetchError{Venue: Binance, Op: "orderbook", Err: err}
	}

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		T    int64      `json:"T"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &FetchError{Venue: Binance, Op: "orderbook", Err: err}
	}

	ob := &OrderBook{
		Instrument: instrument,
		Bids:       make([]PriceLevel, 0, len(raw.Bids)),
		Asks:       make([]PriceLevel, 0, len(raw.Asks)),
		Timestamp:  time.UnixMilli(raw.T),
	}
	for _, lvl := range raw.Bids {
		if len(lvl) >= 2 {
			ob.Bids = append(ob.Bids, PriceLevel{Price: dec(lvl[0]), Size: dec(lvl[1])})
		}
	}
	for _, lvl := range raw.Asks {
		if len(lvl) >= 2 {
			ob.Asks = append(ob.Asks, PriceLevel{Price: dec(lvl[0]), Size: dec(lvl[1])})
		}
	}
	return ob, nil
}

func (b *BinanceAdapter) FetchKlines(ctx context.Context, instrument, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   instrument,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, &FetchError{Venue: Binance, Op: "klines", Err: err}
	}

	// Свеча приходит массивом: [openTime, open, high, low, close, volume, ...]
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &FetchError{Venue: Binance, Op: "klines", Err: err}
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTime, _ := row[0].(float64)
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(int64(openTime)),
			Open:     decField(row[1]),
			High:     decField(row[2]),
			Low:      decField(row[3]),
			Close:    decField(row[4]),
			Volume:   decField(row[5]),
		})
	}
	return klines, nil
}

func (b *BinanceAdapter) FetchFundingRate(ctx context.Context, instrument string) (decimal.Decimal, error) {
	pi, err := b.premiumIndex(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(pi.LastFundingRate), nil
}

func (b *BinanceAdapter) FetchMarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	pi, err := b.premiumIndex(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(pi.MarkPrice), nil
}

type binancePremiumIndex struct {
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
}

func (b *BinanceAdapter) premiumIndex(ctx context.Context, instrument string) (*binancePremiumIndex, error) {
	params := map[string]string{"symbol": instrument}
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return nil, &FetchError{Venue: Binance, Op: "premium_index", Err: err}
	}

	var pi binancePremiumIndex
	if err := json.Unmarshal(body, &pi); err != nil {
		return nil, &FetchError{Venue: Binance, Op: "premium_index", Err: err}
	}
	return &pi, nil
}

func (b *BinanceAdapter) ListInstruments(ctx context.Context, base string) ([]Instrument, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, &FetchError{Venue: Binance, Op: "instruments", Err: err}
	}

	var info struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			BaseAsset    string `json:"baseAsset"`
			QuoteAsset   string `json:"quoteAsset"`
			ContractType string `json:"contractType"`
			DeliveryDate int64  `json:"deliveryDate"`
			Status       string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &FetchError{Venue: Binance, Op: "instruments", Err: err}
	}

	upperBase := strings.ToUpper(base)
	instruments := make([]Instrument, 0)
	for _, s := range info.Symbols {
		if s.BaseAsset != upperBase || s.QuoteAsset != "USDT" || s.Status != "TRADING" {
			continue
		}
		inst := Instrument{Symbol: s.Symbol, Base: s.BaseAsset}
		// Поставочные контракты несут реальную дату экспирации,
		// у перпетуалов Binance ставит плейсхолдер в далёком будущем
		if s.ContractType != "PERPETUAL" && s.DeliveryDate > 0 {
			inst.Expiry = time.UnixMilli(s.DeliveryDate)
		}
		instruments = append(instruments, inst)
	}
	return instruments, nil
}

func (b *BinanceAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := map[string]string{
		"symbol":   req.Instrument,
		"side":     strings.ToUpper(string(req.Side)),
		"quantity": req.Size.String(),
	}
	switch req.Type {
	case OrderTypeLimit:
		params["type"] = "LIMIT"
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	default:
		params["type"] = "MARKET"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, wrapOrderErr(Binance, req.Instrument, err)
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, wrapOrderErr(Binance, req.Instrument, err)
	}

	return &Order{
		ID:         strconv.FormatInt(resp.OrderID, 10),
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Size:       req.Size,
		Price:      req.Price,
		FilledSize: dec(resp.ExecutedQty),
		AvgPrice:   dec(resp.AvgPrice),
		Status:     mapBinanceOrderStatus(resp.Status),
		CreatedAt:  time.Now(),
	}, nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, instrument, orderID string) error {
	params := map[string]string{
		"symbol":  instrument,
		"orderId": orderID,
	}
	_, err := b.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		return wrapOrderErr(Binance, instrument, err)
	}
	return nil
}

func (b *BinanceAdapter) CancelAllOrders(ctx context.Context, instrument string) error {
	params := map[string]string{"symbol": instrument}
	_, err := b.doRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	if err != nil {
		return wrapOrderErr(Binance, instrument, err)
	}
	return nil
}

func (b *BinanceAdapter) SetLeverage(ctx context.Context, instrument string, leverage int) error {
	params := map[string]string{
		"symbol":   instrument,
		"leverage": strconv.Itoa(leverage),
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	if err != nil {
		return fmt.Errorf("set leverage %s: %w", instrument, err)
	}
	return nil
}

func (b *BinanceAdapter) Close() error {
	return nil
}

func mapBinanceOrderStatus(status string) string {
	switch status {
	case "FILLED":
		return OrderStatusFilled
	case "PARTIALLY_FILLED":
		return OrderStatusPartial
	case "CANCELED", "EXPIRED":
		return OrderStatusCancelled
	case "REJECTED":
		return OrderStatusRejected
	default:
		return OrderStatusNew
	}
}
