package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client клиент для взаимодействия с Bitget futures REST API
type Client struct {
	creds      models.Credentials
	marginCoin string
	httpClient *http.Client
	resolver   *Resolver
	limiter    Limiter
	retry      config.RetryConfig
	now        func() time.Time
}

// Limiter ограничитель частоты исходящих запросов
type Limiter interface {
	Wait(ctx context.Context) error
}

// Option настройка клиента
type Option func(*Client)

// WithHTTPClient подменяет HTTP-клиент (используется и резолвером, если он не задан явно)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithResolver подменяет резолвер эндпоинтов
func WithResolver(r *Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithLimiter подменяет ограничитель частоты запросов
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithClock подменяет источник времени для подписи
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient создает новый клиент Bitget
func NewClient(cfg config.ExchangeConfig, opts ...Option) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}

	c := &Client{
		creds:      cfg.Credentials,
		marginCoin: cfg.MarginCoin,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		limiter:    rate.NewLimiter(limit, burst),
		retry:      retry,
		now:        time.Now,
	}
	if c.marginCoin == "" {
		c.marginCoin = "USDT"
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = NewResolver(cfg.Endpoints, c.httpClient, cfg.ProbeTimeout())
	}
	return c
}

// Resolver возвращает резолвер клиента
func (c *Client) Resolver() *Resolver {
	return c.resolver
}

// Endpoint возвращает текущий эндпоинт, при необходимости запуская поиск
func (c *Client) Endpoint(ctx context.Context) (models.ResolvedEndpoint, error) {
	return c.resolver.Resolve(ctx)
}

// requestBuilder строит параметры запроса под конкретную версию API
type requestBuilder func(d dialect) (url.Values, interface{})

// ServerTime получает время сервера
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "ServerTime", routeServerTime, nil, &raw); err != nil {
		return time.Time{}, err
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms), nil
	}
	var data serverTimeData
	if err := json.Unmarshal(raw, &data); err == nil && data.ServerTime != "" {
		if ms, err := strconv.ParseInt(data.ServerTime, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
	}
	return time.Time{}, fmt.Errorf("ошибка разбора времени сервера: %s", string(raw))
}

// GetBalance получает капитал и доступный остаток в валюте маржи
func (c *Client) GetBalance(ctx context.Context) (models.AccountState, error) {
	var accounts []accountData
	err := c.call(ctx, "GetBalance", routeAccounts, func(d dialect) (url.Values, interface{}) {
		return url.Values{"productType": {d.productType}}, nil
	}, &accounts)
	if err != nil {
		return models.AccountState{}, err
	}

	for _, acct := range accounts {
		if strings.EqualFold(acct.MarginCoin, c.marginCoin) {
			return acct.toState(), nil
		}
	}
	return models.AccountState{}, fmt.Errorf("счет в валюте %s не найден", c.marginCoin)
}

// GetSymbolRules получает шаг цены, шаг объема и минимальный объем контракта
func (c *Client) GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	var contracts []contractData
	err := c.call(ctx, "GetSymbolRules", routeContracts, func(d dialect) (url.Values, interface{}) {
		return url.Values{"productType": {d.productType}}, nil
	}, &contracts)
	if err != nil {
		return models.SymbolRules{}, err
	}

	for _, ct := range contracts {
		if sameSymbol(ct.Symbol, symbol) {
			return ct.toRules(symbol), nil
		}
	}
	return models.SymbolRules{}, &APIError{
		Kind:    KindBusinessRule,
		Op:      "GetSymbolRules",
		Code:    "40034",
		Message: "symbol " + symbol + " not found",
		Hint:    HintFor("40034", 0),
	}
}

// GetMarketPrice получает последнюю цену
func (c *Client) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	var raw json.RawMessage
	err := c.call(ctx, "GetMarketPrice", routeTicker, func(d dialect) (url.Values, interface{}) {
		return url.Values{"symbol": {d.symbol(symbol)}, "productType": {d.productType}}, nil
	}, &raw)
	if err != nil {
		return 0, err
	}

	var tickers []tickerData
	if err := json.Unmarshal(raw, &tickers); err != nil {
		var single tickerData
		if err := json.Unmarshal(raw, &single); err != nil {
			return 0, fmt.Errorf("ошибка разбора тикера %s: %w", symbol, err)
		}
		tickers = []tickerData{single}
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("тикер %s не найден", symbol)
	}

	price := parseFloat(firstNonEmpty(tickers[0].Last, tickers[0].LastPr, tickers[0].MarkPrice))
	if price <= 0 {
		return 0, fmt.Errorf("некорректная цена %s: %s", symbol, string(raw))
	}
	return price, nil
}

// GetCandles получает исторические свечи в порядке возрастания времени
func (c *Client) GetCandles(ctx context.Context, symbol, granularity string, limit int) ([]models.Candle, error) {
	end := c.now()
	start := end.Add(-time.Duration(limit) * getIntervalDuration(granularity))

	var raw [][]string
	err := c.call(ctx, "GetCandles", routeCandles, func(d dialect) (url.Values, interface{}) {
		return url.Values{
			"symbol":      {d.symbol(symbol)},
			"productType": {d.productType},
			"granularity": {granularity},
			"limit":       {strconv.Itoa(limit)},
			"startTime":   {strconv.FormatInt(start.UnixMilli(), 10)},
			"endTime":     {strconv.FormatInt(end.UnixMilli(), 10)},
		}, nil
	}, &raw)
	if err != nil {
		return nil, err
	}

	candles := parseCandles(raw)
	for i := 1; i < len(candles); i++ {
		if candles[i].Time.Before(candles[i-1].Time) {
			// Биржа может отдать свечи в обратном порядке
			for l, r := 0, len(candles)-1; l < r; l, r = l+1, r-1 {
				candles[l], candles[r] = candles[r], candles[l]
			}
			break
		}
	}
	return candles, nil
}

// SetLeverage устанавливает плечо для символа
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return c.call(ctx, "SetLeverage", routeSetLeverage, func(d dialect) (url.Values, interface{}) {
		body := map[string]string{
			"symbol":     d.symbol(symbol),
			"marginCoin": c.marginCoin,
			"leverage":   strconv.Itoa(leverage),
		}
		if d.version == "v2" {
			body["productType"] = d.productType
		}
		return nil, body
	}, nil)
}

// PlaceOrder отправляет ордер. Вход и частичное закрытие идут обычными ордерами,
// тейк-профит и стоп-лосс - плановыми ордерами позиции.
func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (models.OrderAck, error) {
	if order.Quantity <= 0 {
		return models.OrderAck{}, &APIError{Kind: KindBusinessRule, Op: "PlaceOrder", Message: "quantity must be positive", Hint: HintFor("45110", 0)}
	}
	if !order.Side.Valid() {
		return models.OrderAck{}, &APIError{Kind: KindBusinessRule, Op: "PlaceOrder", Message: "unknown side " + string(order.Side)}
	}
	if order.ClientOID == "" {
		order.ClientOID = uuid.NewString()
	}

	var ack orderAckData
	var err error
	if order.Type.IsPlan() {
		err = c.call(ctx, "PlaceOrder/"+string(order.Type), routePlaceTPSL, func(d dialect) (url.Values, interface{}) {
			return nil, planOrderBody(d, c.marginCoin, order)
		}, &ack)
	} else {
		err = c.call(ctx, "PlaceOrder/"+string(order.Type), routePlaceOrder, func(d dialect) (url.Values, interface{}) {
			return nil, orderBody(d, c.marginCoin, order)
		}, &ack)
	}
	if err != nil {
		return models.OrderAck{}, err
	}

	if ack.ClientOID == "" {
		ack.ClientOID = order.ClientOID
	}
	logger.Info("Ордер принят биржей",
		zap.String("symbol", order.Symbol),
		zap.String("type", string(order.Type)),
		zap.Float64("qty", order.Quantity),
		zap.Float64("price", order.Price),
		zap.String("order_id", ack.OrderID))
	return models.OrderAck{OrderID: ack.OrderID, ClientOID: ack.ClientOID}, nil
}

func orderBody(d dialect, marginCoin string, order models.Order) map[string]string {
	closing := order.Type == models.OrderTypePartialClose
	orderType := "limit"
	if order.Market {
		orderType = "market"
	}

	body := map[string]string{
		"symbol":     d.symbol(order.Symbol),
		"marginCoin": marginCoin,
		"size":       models.FormatDecimal(order.Quantity),
		"orderType":  orderType,
		"clientOid":  order.ClientOID,
	}
	if !order.Market {
		body["price"] = models.FormatDecimal(order.Price)
	}

	if d.version == "v1" {
		action := "open_"
		if closing {
			action = "close_"
		}
		body["side"] = action + string(order.Side)
		body["timeInForceValue"] = "normal"
		return body
	}

	body["productType"] = d.productType
	body["marginMode"] = "crossed"
	body["force"] = "gtc"
	// В режиме хеджирования v2 сторона указывает направление позиции, а tradeSide - открытие или закрытие
	if order.Side == models.SideLong {
		body["side"] = "buy"
	} else {
		body["side"] = "sell"
	}
	if closing {
		body["tradeSide"] = "close"
	} else {
		body["tradeSide"] = "open"
	}
	return body
}

func planOrderBody(d dialect, marginCoin string, order models.Order) map[string]string {
	planType := "profit_plan"
	if order.Type == models.OrderTypeStopLoss {
		planType = "loss_plan"
	}
	body := map[string]string{
		"symbol":       d.symbol(order.Symbol),
		"marginCoin":   marginCoin,
		"planType":     planType,
		"triggerPrice": models.FormatDecimal(order.Price),
		"holdSide":     string(order.Side),
		"size":         models.FormatDecimal(order.Quantity),
		"clientOid":    order.ClientOID,
	}
	if d.version == "v2" {
		body["productType"] = d.productType
		body["triggerType"] = "fill_price"
	}
	return body
}

// CancelOrder отменяет ордер; для TP/SL отменяется плановый ордер
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string, orderType models.OrderType) error {
	id := routeCancelOrder
	if orderType.IsPlan() {
		id = routeCancelPlan
	}
	return c.call(ctx, "CancelOrder", id, func(d dialect) (url.Values, interface{}) {
		body := map[string]string{
			"symbol":     d.symbol(symbol),
			"marginCoin": c.marginCoin,
			"orderId":    orderID,
		}
		if orderType.IsPlan() {
			if orderType == models.OrderTypeStopLoss {
				body["planType"] = "loss_plan"
			} else {
				body["planType"] = "profit_plan"
			}
		}
		if d.version == "v2" {
			body["productType"] = d.productType
		}
		return nil, body
	}, nil)
}

// GetOrder получает состояние исполнения ордера
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (models.OrderFill, error) {
	var detail orderDetailData
	err := c.call(ctx, "GetOrder", routeOrderDetail, func(d dialect) (url.Values, interface{}) {
		return url.Values{
			"symbol":      {d.symbol(symbol)},
			"orderId":     {orderID},
			"productType": {d.productType},
		}, nil
	}, &detail)
	if err != nil {
		return models.OrderFill{}, err
	}
	fill := detail.toFill()
	if fill.OrderID == "" {
		fill.OrderID = orderID
	}
	return fill, nil
}

// GetPosition получает позицию по символу. Закрытая позиция возвращается с нулевым объемом.
func (c *Client) GetPosition(ctx context.Context, symbol string) (models.PositionState, error) {
	var positions []positionData
	err := c.call(ctx, "GetPosition", routeSinglePosition, func(d dialect) (url.Values, interface{}) {
		return url.Values{
			"symbol":      {d.symbol(symbol)},
			"marginCoin":  {c.marginCoin},
			"productType": {d.productType},
		}, nil
	}, &positions)
	if err != nil {
		return models.PositionState{}, err
	}

	best := models.PositionState{Symbol: symbol}
	for _, p := range positions {
		st := p.toState(symbol)
		if st.Quantity > best.Quantity {
			best = st
		}
	}
	return best, nil
}

// GetPositions получает все открытые позиции
func (c *Client) GetPositions(ctx context.Context) ([]models.PositionState, error) {
	var positions []positionData
	err := c.call(ctx, "GetPositions", routeAllPositions, func(d dialect) (url.Values, interface{}) {
		return url.Values{
			"marginCoin":  {c.marginCoin},
			"productType": {d.productType},
		}, nil
	}, &positions)
	if err != nil {
		return nil, err
	}

	var open []models.PositionState
	for _, p := range positions {
		if st := p.toState(p.Symbol); st.Open() {
			open = append(open, st)
		}
	}
	return open, nil
}

// ClosePosition закрывает часть позиции по рынку
func (c *Client) ClosePosition(ctx context.Context, symbol string, side models.Side, quantity float64) (models.OrderAck, error) {
	return c.PlaceOrder(ctx, models.Order{
		Symbol:   symbol,
		Side:     side,
		Type:     models.OrderTypePartialClose,
		Quantity: quantity,
		Market:   true,
	})
}

// GetPendingOrders получает активные заявки
func (c *Client) GetPendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	var raw json.RawMessage
	err := c.call(ctx, "GetPendingOrders", routePendingOrders, func(d dialect) (url.Values, interface{}) {
		return url.Values{
			"marginCoin":  {c.marginCoin},
			"productType": {d.productType},
		}, nil
	}, &raw)
	if err != nil {
		return nil, err
	}

	var list []pendingOrderData
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped pendingListData
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("ошибка разбора активных заявок: %w", err)
		}
		list = wrapped.EntrustedList
	}

	orders := make([]models.PendingOrder, 0, len(list))
	for _, o := range list {
		orders = append(orders, o.toPending())
	}
	return orders, nil
}

// CancelAllPending отменяет все активные заявки и возвращает число отмененных
func (c *Client) CancelAllPending(ctx context.Context) (int, error) {
	pending, err := c.GetPendingOrders(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	cancelled := 0
	for _, o := range pending {
		if o.Symbol == "" || o.OrderID == "" {
			continue
		}
		if err := c.CancelOrder(ctx, o.Symbol, o.OrderID, models.OrderTypeEntry); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", o.Symbol, o.OrderID, err))
			continue
		}
		cancelled++
	}
	return cancelled, errors.Join(errs...)
}

// call выполняет запрос с политикой повторов:
// временные ошибки повторяются с экспоненциальной задержкой,
// "маршрут не найден" приводит к одному повторному поиску эндпоинта и одному повтору вызова.
func (c *Client) call(ctx context.Context, op string, id routeID, build requestBuilder, out interface{}) error {
	ep, err := c.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = c.callWithRetry(ctx, op, ep, id, build, out)
	if !isKind(err, KindEndpointNotFound) {
		return err
	}

	logger.Warn("Маршрут не найден, повторный поиск эндпоинта",
		zap.String("op", op), zap.Stringer("endpoint", ep), zap.Error(err))

	fresh, rerr := c.resolver.Reresolve(ctx, ep)
	if rerr != nil {
		return &APIError{Kind: KindEndpointUnavailable, Op: op, Err: rerr, Hint: HintFor("40404", 0)}
	}

	err = c.callWithRetry(ctx, op, fresh, id, build, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindEndpointNotFound {
		apiErr.Kind = KindEndpointUnavailable
		return apiErr
	}
	return err
}

func (c *Client) callWithRetry(ctx context.Context, op string, ep models.ResolvedEndpoint, id routeID, build requestBuilder, out interface{}) error {
	b := &backoff.Backoff{
		Min:    c.retry.InitialBackoff(),
		Max:    c.retry.MaxBackoff(),
		Factor: 2,
	}

	for attempt := 1; ; attempt++ {
		err := c.send(ctx, op, ep, id, build, out)
		if !isKind(err, KindTransient) || attempt >= c.retry.MaxAttempts {
			return err
		}

		delay := b.Duration()
		logger.Warn("Временная ошибка, повтор запроса",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) send(ctx context.Context, op string, ep models.ResolvedEndpoint, id routeID, build requestBuilder, out interface{}) error {
	d := dialectFor(ep.Version)
	rt, ok := d.routes[id]
	if !ok {
		return fmt.Errorf("%s: маршрут не поддерживается версией %s", op, d.version)
	}

	var params url.Values
	var payload interface{}
	if build != nil {
		params, payload = build(d)
	}

	requestPath := ep.PathPrefix + rt.path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("%s: ошибка сериализации запроса: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, rt.method, ep.BaseURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: ошибка создания запроса: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")

	// Подпись ставится после ожидания лимитера, чтобы метка времени была свежей
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if rt.private {
		Sign(c.creds.APISecret, c.creds.Passphrase, c.creds.APIKey,
			rt.method, requestPath, c.now().UnixMilli(), string(body)).Apply(req.Header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &APIError{Kind: classify(0, "", err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindTransient, Op: op, HTTPStatus: resp.StatusCode, Err: err}
	}

	logger.Debug("Ответ биржи",
		zap.String("op", op),
		zap.String("method", rt.method),
		zap.String("path", requestPath),
		zap.Int("status", resp.StatusCode))

	var env envelope
	if jerr := json.Unmarshal(raw, &env); jerr != nil && resp.StatusCode == http.StatusOK {
		return &APIError{Kind: KindTransient, Op: op, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("некорректный ответ: %w", jerr)}
	}

	if kind := classify(resp.StatusCode, env.Code, nil); kind != KindNone {
		return &APIError{
			Kind:       kind,
			Op:         op,
			HTTPStatus: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Msg,
			Hint:       HintFor(env.Code, resp.StatusCode),
		}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: ошибка разбора ответа: %w", op, err)
		}
	}
	return nil
}

func isKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// getIntervalDuration конвертирует строковый интервал в duration
func getIntervalDuration(interval string) time.Duration {
	switch strings.ToLower(interval) {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}
