package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
)

// Exchange операции биржи, нужные исполнителю
type Exchange interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, order models.Order) (models.OrderAck, error)
	GetOrder(ctx context.Context, symbol, orderID string) (models.OrderFill, error)
	GetPosition(ctx context.Context, symbol string) (models.PositionState, error)
	CancelOrder(ctx context.Context, symbol, orderID string, orderType models.OrderType) error
	ClosePosition(ctx context.Context, symbol string, side models.Side, quantity float64) (models.OrderAck, error)
}

// EventSink получатель сигналов для оператора
type EventSink interface {
	Publish(event models.Event)
}

// Executor выставляет брекеты: вход, затем тейк-профит и стоп-лосс
type Executor struct {
	client Exchange
	events EventSink
	cfg    config.TradingConfig

	fillPoll    time.Duration
	fillTimeout time.Duration
	legMin      time.Duration
	legMax      time.Duration
	now         func() time.Time
}

// Option настройка исполнителя
type Option func(*Executor)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithFillTiming задает интервал опроса и таймаут исполнения входа
func WithFillTiming(poll, timeout time.Duration) Option {
	return func(e *Executor) {
		e.fillPoll = poll
		e.fillTimeout = timeout
	}
}

// WithLegBackoff задает задержки между повторами ног
func WithLegBackoff(minDelay, maxDelay time.Duration) Option {
	return func(e *Executor) {
		e.legMin = minDelay
		e.legMax = maxDelay
	}
}

// NewExecutor создает исполнителя
func NewExecutor(client Exchange, events EventSink, cfg config.TradingConfig, opts ...Option) *Executor {
	e := &Executor{
		client:      client,
		events:      events,
		cfg:         cfg,
		fillPoll:    cfg.FillPollInterval(),
		fillTimeout: cfg.FillTimeout(),
		legMin:      500 * time.Millisecond,
		legMax:      5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.LegRetryAttempts <= 0 {
		e.cfg.LegRetryAttempts = 1
	}
	return e
}

func (e *Executor) closeUnprotected() bool {
	return e.cfg.CloseUnprotected == nil || *e.cfg.CloseUnprotected
}

func (e *Executor) emit(event models.Event) {
	if e.events == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = e.now()
	}
	e.events.Publish(event)
}

// Execute выставляет брекет для принятой сделки.
// Ошибка входа прерывает сделку. Ошибка ноги приводит к аварийному закрытию;
// если и оно не удалось, позиция возвращается с Unprotected=true вместе с ошибкой.
func (e *Executor) Execute(ctx context.Context, res models.SizingResult) (*models.Position, error) {
	c := res.Candidate
	entry := models.RoundToStep(c.EntryPrice, c.TickSize)
	target := models.RoundToStep(c.TargetPrice, c.TickSize)
	stop := models.RoundToStep(c.StopLossPrice, c.TickSize)
	market := e.cfg.EntryOrderType == "market"

	pos := &models.Position{
		Symbol:            c.Symbol,
		Side:              c.Side,
		Quantity:          res.Quantity,
		EntryPrice:        entry,
		TargetPrice:       target,
		CurrentStopLoss:   stop,
		CurrentTakeProfit: target,
		BaseIncrement:     c.BaseIncrement,
		TickSize:          c.TickSize,
	}

	if e.cfg.DryRun {
		logger.Info("[DRY RUN] Брекет не отправлен",
			zap.String("symbol", c.Symbol),
			zap.String("side", string(c.Side)),
			zap.Float64("qty", res.Quantity),
			zap.Float64("entry", entry),
			zap.Float64("target", target),
			zap.Float64("stop", stop),
			zap.Float64("risk", res.RiskAmount),
			zap.Bool("market", market))
		pos.DryRun = true
		pos.OpenedAt = e.now()
		return pos, nil
	}

	b := newBracket(c.Symbol)

	if err := e.client.SetLeverage(ctx, c.Symbol, e.cfg.Leverage); err != nil {
		// Плечо могло быть выставлено ранее, вход все равно пробуем
		logger.Warn("Не удалось установить плечо", zap.String("symbol", c.Symbol), zap.Error(err))
	}

	entryOrder := models.Order{
		Symbol:    c.Symbol,
		Side:      c.Side,
		Type:      models.OrderTypeEntry,
		Price:     entry,
		Quantity:  res.Quantity,
		Market:    market,
		ClientOID: uuid.NewString(),
	}
	ack, err := e.client.PlaceOrder(ctx, entryOrder)
	if err != nil {
		b.transition(StateAborted, zap.Error(err))
		return nil, &OrderPlacementError{Leg: models.OrderTypeEntry, Symbol: c.Symbol, ClientOID: entryOrder.ClientOID, Err: err}
	}

	// Вход отправлен: остаток брекета доводится до конца даже при остановке процесса
	ctx = context.WithoutCancel(ctx)

	fill, fillErr := e.awaitFill(ctx, c.Symbol, ack.OrderID)
	if fillErr != nil {
		fill, fillErr = e.fillFromPosition(ctx, c.Symbol, fill, fillErr)
	}
	if fillErr != nil {
		// Вход мог исполниться: позиция остается под наблюдением как незащищенная
		pos.Unprotected = true
		pos.OpenedAt = e.now()
		b.transition(StateUnprotected, zap.Error(fillErr))
		e.emit(models.Event{
			Type:     models.EventLegFailure,
			Severity: models.SeverityCritical,
			Symbol:   c.Symbol,
			Message:  fmt.Sprintf("исполнение входа неизвестно, позиция может быть открыта без защиты: %v", fillErr),
			Fields:   map[string]float64{"qty": pos.Quantity},
		})
		return pos, &OrderPlacementError{Leg: models.OrderTypeEntry, Symbol: c.Symbol, ClientOID: entryOrder.ClientOID, Err: fillErr}
	}
	if fill.FilledQty <= 0 {
		b.transition(StateAborted, zap.String("order_id", ack.OrderID))
		return nil, &OrderPlacementError{Leg: models.OrderTypeEntry, Symbol: c.Symbol, ClientOID: entryOrder.ClientOID, Err: errEntryNotFilled}
	}

	pos.Quantity = min(fill.FilledQty, res.Quantity)
	if market && fill.AvgPrice > 0 {
		pos.EntryPrice = models.RoundToStep(fill.AvgPrice, c.TickSize)
	}
	pos.OpenedAt = e.now()
	b.transition(StateEntryFilled, zap.Float64("filled", pos.Quantity), zap.Float64("avg_price", fill.AvgPrice))

	b.transition(StateLegsPending)
	tpID, tpErr := e.PlaceLeg(ctx, models.Order{
		Symbol: c.Symbol, Side: c.Side, Type: models.OrderTypeTakeProfit, Price: target, Quantity: pos.Quantity,
	})
	slID, slErr := e.PlaceLeg(ctx, models.Order{
		Symbol: c.Symbol, Side: c.Side, Type: models.OrderTypeStopLoss, Price: stop, Quantity: pos.Quantity,
	})
	pos.TakeProfitOrderID = tpID
	pos.StopLossOrderID = slID

	legErr := errors.Join(tpErr, slErr)
	if legErr == nil {
		b.transition(StateProtected)
		e.emit(models.Event{
			Type:     models.EventPositionOpened,
			Severity: models.SeverityInfo,
			Symbol:   c.Symbol,
			Message:  fmt.Sprintf("позиция %s открыта: %s @ %s", c.Side, models.FormatDecimal(pos.Quantity), models.FormatDecimal(pos.EntryPrice)),
			Fields:   map[string]float64{"qty": pos.Quantity, "entry": pos.EntryPrice, "target": target, "stop": stop},
		})
		return pos, nil
	}

	for _, err := range []error{tpErr, slErr} {
		if err == nil {
			continue
		}
		e.emit(models.Event{
			Type:     models.EventLegFailure,
			Severity: models.SeverityCritical,
			Symbol:   c.Symbol,
			Message:  err.Error(),
		})
	}

	if !e.closeUnprotected() {
		pos.Unprotected = true
		b.transition(StateUnprotected, zap.Error(legErr))
		return pos, legErr
	}

	if _, err := e.client.ClosePosition(ctx, c.Symbol, c.Side, pos.Quantity); err != nil {
		pos.Unprotected = true
		b.transition(StateUnprotected, zap.Error(err))
		e.emit(models.Event{
			Type:     models.EventLegFailure,
			Severity: models.SeverityCritical,
			Symbol:   c.Symbol,
			Message:  fmt.Sprintf("аварийное закрытие не удалось, позиция без защиты: %v", err),
		})
		return pos, errors.Join(legErr, fmt.Errorf("ошибка аварийного закрытия: %w", err))
	}

	e.cancelLeg(ctx, c.Symbol, tpID, models.OrderTypeTakeProfit)
	e.cancelLeg(ctx, c.Symbol, slID, models.OrderTypeStopLoss)

	b.transition(StateAborted, zap.String("reason", "emergency-close"))
	e.emit(models.Event{
		Type:     models.EventEmergencyClose,
		Severity: models.SeverityCritical,
		Symbol:   c.Symbol,
		Message:  "позиция закрыта по рынку: защитные ордера не выставлены",
		Fields:   map[string]float64{"qty": pos.Quantity},
	})
	return nil, legErr
}

// awaitFill опрашивает входной ордер до исполнения или таймаута; по таймауту ордер отменяется.
// Ошибка означает, что итоговое исполнение неизвестно.
func (e *Executor) awaitFill(ctx context.Context, symbol, orderID string) (models.OrderFill, error) {
	deadline := e.now().Add(e.fillTimeout)
	var last models.OrderFill

	for {
		fill, err := e.client.GetOrder(ctx, symbol, orderID)
		if err != nil {
			logger.Warn("Ошибка получения статуса ордера", zap.String("symbol", symbol), zap.String("order_id", orderID), zap.Error(err))
		} else {
			last = fill
			switch fill.Status {
			case models.OrderStatusFilled, models.OrderStatusCancelled:
				return fill, nil
			}
		}

		if !e.now().Before(deadline) {
			break
		}
		time.Sleep(e.fillPoll)
	}

	logger.Warn("Вход не исполнен полностью за отведенное время, отмена",
		zap.String("symbol", symbol),
		zap.String("order_id", orderID),
		zap.Float64("filled", last.FilledQty))

	if err := e.client.CancelOrder(ctx, symbol, orderID, models.OrderTypeEntry); err != nil {
		logger.Warn("Ошибка отмены входного ордера", zap.String("symbol", symbol), zap.Error(err))
	}

	// Ордер мог доисполниться между последним опросом и отменой
	fill, err := e.client.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return last, fmt.Errorf("статус входного ордера %s неизвестен: %w", orderID, err)
	}
	return fill, nil
}

// fillFromPosition берет исполненный объем входа из позиции на бирже, когда статус ордера недоступен
func (e *Executor) fillFromPosition(ctx context.Context, symbol string, last models.OrderFill, orderErr error) (models.OrderFill, error) {
	st, err := e.client.GetPosition(ctx, symbol)
	if err != nil {
		return last, errors.Join(orderErr, fmt.Errorf("ошибка получения позиции: %w", err))
	}

	logger.Warn("Статус входа получен по позиции на бирже",
		zap.String("symbol", symbol),
		zap.Float64("qty", st.Quantity),
		zap.Float64("entry", st.EntryPrice),
		zap.NamedError("order_error", orderErr))
	return models.OrderFill{
		OrderID:   last.OrderID,
		Status:    last.Status,
		FilledQty: st.Quantity,
		AvgPrice:  st.EntryPrice,
	}, nil
}

// PlaceLeg выставляет плановый ордер (TP/SL) с повторами и одним clientOid на все попытки
func (e *Executor) PlaceLeg(ctx context.Context, order models.Order) (string, error) {
	if order.ClientOID == "" {
		order.ClientOID = uuid.NewString()
	}
	b := &backoff.Backoff{Min: e.legMin, Max: e.legMax, Factor: 2}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.LegRetryAttempts; attempt++ {
		ack, err := e.client.PlaceOrder(ctx, order)
		if err == nil {
			return ack.OrderID, nil
		}
		lastErr = err
		logger.Warn("Ошибка выставления защитного ордера",
			zap.String("symbol", order.Symbol),
			zap.String("leg", string(order.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < e.cfg.LegRetryAttempts {
			time.Sleep(b.Duration())
		}
	}
	return "", &OrderPlacementError{Leg: order.Type, Symbol: order.Symbol, ClientOID: order.ClientOID, Err: lastErr}
}

func (e *Executor) cancelLeg(ctx context.Context, symbol, orderID string, orderType models.OrderType) {
	if orderID == "" {
		return
	}
	if err := e.client.CancelOrder(ctx, symbol, orderID, orderType); err != nil {
		logger.Warn("Ошибка отмены защитного ордера",
			zap.String("symbol", symbol),
			zap.String("leg", string(orderType)),
			zap.Error(err))
	}
}
