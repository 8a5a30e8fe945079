package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exchange операции биржи, нужные монитору
type Exchange interface {
	GetPosition(ctx context.Context, symbol string) (models.PositionState, error)
	GetPositions(ctx context.Context) ([]models.PositionState, error)
	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string, orderType models.OrderType) error
}

// LegPlacer выставляет защитный ордер с повторами
type LegPlacer interface {
	PlaceLeg(ctx context.Context, order models.Order) (string, error)
}

// EventSink получатель сигналов для оператора
type EventSink interface {
	Publish(event models.Event)
}

// Monitor периодически опрашивает открытые позиции и управляет ими:
// частичная фиксация прибыли, перенос стопа в безубыток, предупреждение о возрасте позиции.
type Monitor struct {
	client Exchange
	legs   LegPlacer
	events EventSink
	cfg    config.MonitorConfig
	now    func() time.Time

	mu        sync.RWMutex
	positions map[string]*models.Position
}

// Option настройка монитора
type Option func(*Monitor)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor создает монитор позиций
func NewMonitor(client Exchange, legs LegPlacer, events EventSink, cfg config.MonitorConfig, opts ...Option) *Monitor {
	m := &Monitor{
		client:    client,
		legs:      legs,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
		positions: make(map[string]*models.Position),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxConcurrentPolls <= 0 {
		m.cfg.MaxConcurrentPolls = 1
	}
	return m
}

// Track добавляет позицию под наблюдение
func (m *Monitor) Track(pos *models.Position) {
	p := *pos
	if p.OpenedAt.IsZero() {
		p.OpenedAt = m.now()
	}
	m.mu.Lock()
	m.positions[p.Symbol] = &p
	m.mu.Unlock()

	logger.Info("Позиция под наблюдением",
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.Float64("qty", p.Quantity),
		zap.Bool("dry_run", p.DryRun))
}

// Untrack снимает позицию с наблюдения
func (m *Monitor) Untrack(symbol string) {
	m.mu.Lock()
	delete(m.positions, symbol)
	m.mu.Unlock()
}

// Tracked проверяет, наблюдается ли символ
func (m *Monitor) Tracked(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.positions[symbol]
	return ok
}

// Snapshot копии отслеживаемых позиций, отсортированные по символу
func (m *Monitor) Snapshot() []models.Position {
	m.mu.RLock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ResetAgeAlert разрешает повторное предупреждение о возрасте позиции
func (m *Monitor) ResetAgeAlert(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok {
		p.AgeAlerted = false
	}
}

func (m *Monitor) get(symbol string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// store сохраняет результат опроса, если позицию не сняли с наблюдения за это время.
// before - копия, с которой начинался опрос.
func (m *Monitor) store(before, p models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.positions[p.Symbol]
	if !ok {
		return
	}
	// ResetAgeAlert пришел во время опроса
	if before.AgeAlerted && !cur.AgeAlerted {
		p.AgeAlerted = false
	}
	*cur = p
}

func (m *Monitor) emit(event models.Event) {
	if m.events == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = m.now()
	}
	m.events.Publish(event)
}

// Run опрашивает позиции с заданным интервалом до отмены контекста.
// Текущий опрос доводится до конца перед возвратом.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	logger.Info("Мониторинг позиций запущен", zap.Duration("interval", m.cfg.PollInterval()))
	m.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Мониторинг позиций остановлен")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll один проход по всем отслеживаемым позициям, по запросу на символ, параллельно с ограничением
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.RLock()
	symbols := make([]string, 0, len(m.positions))
	for s := range m.positions {
		symbols = append(symbols, s)
	}
	m.mu.RUnlock()

	if len(symbols) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentPolls)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			m.pollOne(gctx, symbol)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) pollOne(ctx context.Context, symbol string) {
	p, ok := m.get(symbol)
	if !ok {
		return
	}
	before := p

	if p.DryRun {
		m.pollDryRun(ctx, p)
		return
	}

	st, err := m.client.GetPosition(ctx, symbol)
	if err != nil {
		// Позиция остается под наблюдением, повтор на следующем цикле
		logger.Warn("Ошибка опроса позиции, пропуск цикла", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	if !st.Open() {
		m.Untrack(symbol)
		logger.Info("Позиция закрыта на бирже", zap.String("symbol", symbol))
		m.emit(models.Event{
			Type:     models.EventPositionClosed,
			Severity: models.SeverityInfo,
			Symbol:   symbol,
			Message:  "позиция закрыта на бирже",
			Fields:   map[string]float64{"qty": p.Quantity, "entry": p.EntryPrice},
		})
		return
	}

	if st.Quantity < p.Quantity {
		logger.Info("Объем позиции уменьшился на бирже",
			zap.String("symbol", symbol),
			zap.Float64("tracked", p.Quantity),
			zap.Float64("exchange", st.Quantity))
		m.reconcilePartial(&p, st.Quantity)
		p.Quantity = st.Quantity
	}

	price := st.MarkPrice
	if price <= 0 {
		if price, err = m.client.GetMarketPrice(ctx, symbol); err != nil {
			logger.Warn("Ошибка получения цены", zap.String("symbol", symbol), zap.Error(err))
			price = 0
		}
	}

	// Корректирующие ордера не прерываются остановкой процесса
	adjCtx := context.WithoutCancel(ctx)
	if price > 0 {
		m.checkPartial(adjCtx, &p, price)
	}
	m.checkStopMove(adjCtx, &p)
	m.checkAge(&p)
	m.store(before, p)
}

// PartialTrigger цена срабатывания частичной фиксации: entry + fraction*(target-entry)
func PartialTrigger(p models.Position, fraction float64) float64 {
	entry := decimal.NewFromFloat(p.EntryPrice)
	dist := decimal.NewFromFloat(p.TargetPrice).Sub(entry)
	return entry.Add(dist.Mul(decimal.NewFromFloat(fraction))).InexactFloat64()
}

func partialReached(p models.Position, price, trigger float64) bool {
	if p.Side == models.SideShort {
		return price <= trigger
	}
	return price >= trigger
}

// partialQuantity объем частичного закрытия, округленный вниз до шага
func partialQuantity(p models.Position, fraction float64) (closeQty, remaining float64) {
	qty := decimal.NewFromFloat(p.Quantity)
	part := models.FloorToStepDec(qty.Mul(decimal.NewFromFloat(fraction)), p.BaseIncrement)
	return part.InexactFloat64(), qty.Sub(part).InexactFloat64()
}

func (m *Monitor) checkPartial(ctx context.Context, p *models.Position, price float64) {
	if p.PartialTaken {
		return
	}
	trigger := PartialTrigger(*p, m.cfg.PartialTriggerFraction)
	if !partialReached(*p, price, trigger) {
		return
	}

	closeQty, remaining := partialQuantity(*p, m.cfg.PartialProfitFraction)
	if closeQty > 0 {
		limit := m.cfg.PartialOrderType == "limit"
		// Повтор идет с тем же clientOid, биржа не исполнит его дважды
		if p.PartialCloseOID == "" {
			p.PartialCloseOID = uuid.NewString()
		}
		_, err := m.client.PlaceOrder(ctx, models.Order{
			Symbol:    p.Symbol,
			Side:      p.Side,
			Type:      models.OrderTypePartialClose,
			Price:     models.RoundToStep(price, p.TickSize),
			Quantity:  closeQty,
			Market:    !limit,
			ClientOID: p.PartialCloseOID,
		})
		if err != nil {
			logger.Warn("Ошибка частичного закрытия, повтор на следующем цикле",
				zap.String("symbol", p.Symbol), zap.Float64("qty", closeQty), zap.Error(err))
			return
		}
		p.Quantity = remaining
	} else {
		// Объем не делится на шаг: фиксации нет, стоп переносится на весь объем
		logger.Warn("Объем слишком мал для частичного закрытия",
			zap.String("symbol", p.Symbol), zap.Float64("qty", p.Quantity))
	}

	m.markPartialTaken(p, closeQty, price)
}

// reconcilePartial засчитывает частичное закрытие, исполненное биржей без подтверждения:
// объем упал до ожидаемого остатка, пока ответ на закрытие не получен
func (m *Monitor) reconcilePartial(p *models.Position, exchangeQty float64) {
	if p.PartialTaken || p.PartialCloseOID == "" {
		return
	}
	closeQty, remaining := partialQuantity(*p, m.cfg.PartialProfitFraction)
	if exchangeQty > remaining {
		return
	}
	logger.Warn("Частичное закрытие исполнено без подтверждения",
		zap.String("symbol", p.Symbol),
		zap.String("client_oid", p.PartialCloseOID),
		zap.Float64("exchange", exchangeQty))
	p.Quantity = exchangeQty
	m.markPartialTaken(p, closeQty, 0)
}

func (m *Monitor) markPartialTaken(p *models.Position, closeQty, price float64) {
	p.PartialTaken = true
	p.PartialCloseOID = ""
	logger.Info("Частичная фиксация прибыли",
		zap.String("symbol", p.Symbol),
		zap.Float64("price", price),
		zap.Float64("closed", closeQty),
		zap.Float64("remaining", p.Quantity))

	msg := fmt.Sprintf("зафиксировано %s", models.FormatDecimal(closeQty))
	if price > 0 {
		msg += " по " + models.FormatDecimal(price)
	}
	m.emit(models.Event{
		Type:     models.EventPartialTaken,
		Severity: models.SeverityInfo,
		Symbol:   p.Symbol,
		Message:  msg,
		Fields:   map[string]float64{"closed": closeQty, "remaining": p.Quantity, "price": price},
	})
}

// checkStopMove переносит стоп точно на цену входа после частичной фиксации.
// Новый стоп выставляется до отмены старого, позиция не остается без стопа.
func (m *Monitor) checkStopMove(ctx context.Context, p *models.Position) {
	if !p.PartialTaken {
		return
	}
	if p.StopMoved {
		m.cancelStaleStop(ctx, p)
		return
	}

	id, err := m.legs.PlaceLeg(ctx, models.Order{
		Symbol:   p.Symbol,
		Side:     p.Side,
		Type:     models.OrderTypeStopLoss,
		Price:    p.EntryPrice,
		Quantity: p.Quantity,
	})
	if err != nil {
		m.emit(models.Event{
			Type:     models.EventLegFailure,
			Severity: models.SeverityCritical,
			Symbol:   p.Symbol,
			Message:  fmt.Sprintf("стоп в безубыток не выставлен: %v", err),
		})
		return
	}

	p.StaleStopOrderID = p.StopLossOrderID
	p.StopLossOrderID = id
	p.CurrentStopLoss = p.EntryPrice
	p.StopMoved = true
	m.emit(models.Event{
		Type:     models.EventStopMoved,
		Severity: models.SeverityInfo,
		Symbol:   p.Symbol,
		Message:  fmt.Sprintf("стоп перенесен в безубыток %s", models.FormatDecimal(p.EntryPrice)),
		Fields:   map[string]float64{"stop": p.EntryPrice, "qty": p.Quantity},
	})
	m.cancelStaleStop(ctx, p)
}

// cancelStaleStop отменяет прежний стоп; при ошибке его id сохраняется до следующего опроса
func (m *Monitor) cancelStaleStop(ctx context.Context, p *models.Position) {
	if p.StaleStopOrderID == "" {
		return
	}
	if err := m.client.CancelOrder(ctx, p.Symbol, p.StaleStopOrderID, models.OrderTypeStopLoss); err != nil {
		logger.Warn("Ошибка отмены старого стопа, повтор на следующем цикле",
			zap.String("symbol", p.Symbol),
			zap.String("order_id", p.StaleStopOrderID),
			zap.Error(err))
		return
	}
	p.StaleStopOrderID = ""
}

func (m *Monitor) checkAge(p *models.Position) {
	if p.AgeAlerted {
		return
	}
	age := m.now().Sub(p.OpenedAt)
	if age < m.cfg.AgeAlertThreshold() {
		return
	}

	p.AgeAlerted = true
	m.emit(models.Event{
		Type:     models.EventAgeWarning,
		Severity: models.SeverityWarning,
		Symbol:   p.Symbol,
		Message:  fmt.Sprintf("позиция открыта %.1f ч, проверьте ее вручную", age.Hours()),
		Fields:   map[string]float64{"age_hours": age.Hours()},
	})
}

// pollDryRun ведет бумажную позицию по рыночной цене без отправки ордеров
func (m *Monitor) pollDryRun(ctx context.Context, p models.Position) {
	before := p
	price, err := m.client.GetMarketPrice(ctx, p.Symbol)
	if err != nil {
		logger.Warn("Ошибка получения цены", zap.String("symbol", p.Symbol), zap.Error(err))
		return
	}

	hitStop := price <= p.CurrentStopLoss
	hitTarget := price >= p.TargetPrice
	if p.Side == models.SideShort {
		hitStop = price >= p.CurrentStopLoss
		hitTarget = price <= p.TargetPrice
	}
	if hitStop || hitTarget {
		m.Untrack(p.Symbol)
		m.emit(models.Event{
			Type:     models.EventPositionClosed,
			Severity: models.SeverityInfo,
			Symbol:   p.Symbol,
			Message:  fmt.Sprintf("[DRY RUN] позиция закрыта по %s", models.FormatDecimal(price)),
			Fields:   map[string]float64{"price": price},
		})
		return
	}

	if !p.PartialTaken && partialReached(p, price, PartialTrigger(p, m.cfg.PartialTriggerFraction)) {
		_, p.Quantity = partialQuantity(p, m.cfg.PartialProfitFraction)
		p.PartialTaken = true
		p.StopMoved = true
		p.CurrentStopLoss = p.EntryPrice
		m.emit(models.Event{
			Type:     models.EventPartialTaken,
			Severity: models.SeverityInfo,
			Symbol:   p.Symbol,
			Message:  fmt.Sprintf("[DRY RUN] частичная фиксация по %s, стоп в безубыток", models.FormatDecimal(price)),
			Fields:   map[string]float64{"price": price, "remaining": p.Quantity},
		})
	}
	m.checkAge(&p)
	m.store(before, p)
}

// Adopt берет под наблюдение уже открытые на бирже позиции, для которых есть кандидат в конфигурации
func (m *Monitor) Adopt(ctx context.Context, candidates []models.TradeCandidate) (int, error) {
	states, err := m.client.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения открытых позиций: %w", err)
	}

	adopted := 0
	for _, st := range states {
		for _, c := range candidates {
			if models.BaseSymbol(c.Symbol) != models.BaseSymbol(st.Symbol) {
				continue
			}
			if st.Side.Valid() && st.Side != c.Side {
				continue
			}
			if m.Tracked(c.Symbol) {
				break
			}

			entry := st.EntryPrice
			if entry <= 0 {
				entry = c.EntryPrice
			}
			m.Track(&models.Position{
				Symbol:            c.Symbol,
				Side:              c.Side,
				Quantity:          st.Quantity,
				EntryPrice:        models.RoundToStep(entry, c.TickSize),
				TargetPrice:       c.TargetPrice,
				CurrentStopLoss:   c.StopLossPrice,
				CurrentTakeProfit: c.TargetPrice,
				OpenedAt:          m.now(),
				BaseIncrement:     c.BaseIncrement,
				TickSize:          c.TickSize,
			})
			adopted++
			break
		}
	}
	return adopted, nil
}
