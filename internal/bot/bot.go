package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/skalibog/bgbot/internal/analysis/technical"
	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/internal/exchange"
	"github.com/skalibog/bgbot/internal/risk"
	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
)

// candleLimit сколько свечей запрашивается для оценки кандидата
const candleLimit = 100

// Exchange операции биржи, нужные оркестратору
type Exchange interface {
	Endpoint(ctx context.Context) (models.ResolvedEndpoint, error)
	ServerTime(ctx context.Context) (time.Time, error)
	GetBalance(ctx context.Context) (models.AccountState, error)
	GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error)
	GetCandles(ctx context.Context, symbol, granularity string, limit int) ([]models.Candle, error)
	GetPositions(ctx context.Context) ([]models.PositionState, error)
	GetPendingOrders(ctx context.Context) ([]models.PendingOrder, error)
	CancelAllPending(ctx context.Context) (int, error)
}

// Executor выставляет брекеты
type Executor interface {
	Execute(ctx context.Context, res models.SizingResult) (*models.Position, error)
}

// Monitor сопровождает открытые позиции
type Monitor interface {
	Track(pos *models.Position)
	Snapshot() []models.Position
	Adopt(ctx context.Context, candidates []models.TradeCandidate) (int, error)
	Run(ctx context.Context)
}

// EventSink получатель сигналов для оператора
type EventSink interface {
	Publish(event models.Event)
}

// Store история свечей и событий
type Store interface {
	SaveCandles(ctx context.Context, symbol, interval string, candles []models.Candle) error
	RecentEvents(ctx context.Context, limit int) ([]models.Event, error)
}

// Bot связывает биржу, риск-менеджер, исполнитель и монитор в один торговый цикл
type Bot struct {
	client   Exchange
	executor Executor
	monitor  Monitor
	events   EventSink
	scorer   *technical.Scorer
	store    Store

	trading    config.TradingConfig
	candidates []models.TradeCandidate
	now        func() time.Time
}

// Option настраивает Bot
type Option func(*Bot)

// WithStore подключает хранилище свечей и событий
func WithStore(s Store) Option {
	return func(b *Bot) { b.store = s }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(b *Bot) { b.now = now }
}

// New создает бота
func New(client Exchange, executor Executor, monitor Monitor, events EventSink, cfg *config.Config, opts ...Option) *Bot {
	b := &Bot{
		client:     client,
		executor:   executor,
		monitor:    monitor,
		events:     events,
		scorer:     technical.NewScorer(technical.DefaultWindow),
		trading:    cfg.Trading,
		candidates: cfg.TradeOpportunities,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bot) emit(event models.Event) {
	if b.events == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = b.now()
	}
	b.events.Publish(event)
}

// VerifyConnectivity находит рабочий эндпоинт и сверяет часы с биржей
func (b *Bot) VerifyConnectivity(ctx context.Context) (models.ResolvedEndpoint, error) {
	ep, err := b.client.Endpoint(ctx)
	if err != nil {
		b.emit(models.Event{
			Type:     models.EventConnectivityTest,
			Severity: models.SeverityCritical,
			Message:  fmt.Sprintf("не удалось подключиться ни к одному эндпоинту Bitget: %v", err),
		})
		return models.ResolvedEndpoint{}, fmt.Errorf("ошибка проверки соединения: %w", err)
	}

	fields := map[string]float64{}
	if serverTime, err := b.client.ServerTime(ctx); err != nil {
		logger.Warn("Не удалось получить время сервера", zap.Error(err))
	} else {
		skew := b.now().Sub(serverTime)
		fields["skew_ms"] = float64(skew.Milliseconds())
		if math.Abs(skew.Seconds()) > 5 {
			logger.Warn("Системные часы расходятся с биржей", zap.Duration("skew", skew))
		}
	}

	logger.Info("Подключение к Bitget установлено", zap.Stringer("endpoint", ep))
	b.emit(models.Event{
		Type:     models.EventConnectivityTest,
		Severity: models.SeverityInfo,
		Message:  fmt.Sprintf("подключено к %s", ep),
		Fields:   fields,
	})
	return ep, nil
}

// generalAuthHints общие шаги проверки ключей
var generalAuthHints = []string{
	"проверьте API key, secret и passphrase",
	"убедитесь, что в ключах нет пробелов",
	"проверьте, что у ключа есть права на торговлю фьючерсами",
	"если включен белый список IP, добавьте текущий адрес",
	"создайте новые ключи на Bitget",
}

// AuthHints подсказки оператору: сначала по коду биржи, затем общие
func AuthHints(err error) []string {
	var hints []string
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) && apiErr.Hint != "" {
		hints = append(hints, apiErr.Hint)
	}
	return append(hints, generalAuthHints...)
}

// TestAuthentication проверяет ключи запросом баланса
func (b *Bot) TestAuthentication(ctx context.Context) (models.AccountState, error) {
	if _, err := b.VerifyConnectivity(ctx); err != nil {
		return models.AccountState{}, err
	}

	account, err := b.client.GetBalance(ctx)
	if err != nil {
		hints := AuthHints(err)
		logger.Error("Проверка аутентификации не пройдена",
			zap.Error(err),
			zap.Strings("hints", hints))
		b.emit(models.Event{
			Type:     models.EventAuthTest,
			Severity: models.SeverityCritical,
			Message:  fmt.Sprintf("аутентификация не пройдена: %v\n- %s", err, strings.Join(hints, "\n- ")),
		})
		return models.AccountState{}, fmt.Errorf("ошибка аутентификации: %w", err)
	}

	logger.Info("Аутентификация успешна",
		zap.Float64("equity", account.Equity),
		zap.Float64("available", account.AvailableBalance))
	b.emit(models.Event{
		Type:     models.EventAuthTest,
		Severity: models.SeverityInfo,
		Message:  fmt.Sprintf("аутентификация успешна, баланс %.2f", account.Equity),
		Fields: map[string]float64{
			"equity":    account.Equity,
			"available": account.AvailableBalance,
		},
	})
	return account, nil
}

// CycleReport итог одного торгового цикла
type CycleReport struct {
	Account  models.AccountState
	Accepted []models.SizingResult
	Rejected []risk.Rejection
	Opened   []*models.Position
	Failed   int
}

// RunCycle выполняет один цикл: снимок баланса, правила символов, оценка, план, исполнение
func (b *Bot) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	// Один снимок счета на весь цикл
	account, err := b.client.GetBalance(ctx)
	if err != nil {
		return report, fmt.Errorf("ошибка получения баланса: %w", err)
	}
	report.Account = account

	open := b.monitor.Snapshot()
	exposure := openExposure(open)

	var eligible []models.TradeCandidate
	for _, c := range b.candidates {
		if isOpen(open, c.Symbol) {
			report.Rejected = append(report.Rejected, risk.Rejection{
				Candidate: c,
				Reason:    risk.ReasonAlreadyOpen,
				Detail:    "позиция уже отслеживается",
			})
			continue
		}

		filled, err := b.withRules(ctx, c)
		if err != nil {
			report.Rejected = append(report.Rejected, risk.Rejection{
				Candidate: c,
				Reason:    risk.ReasonSymbolUnavailable,
				Detail:    err.Error(),
			})
			continue
		}

		if b.trading.MinScore > 0 {
			score := b.score(ctx, filled)
			if score < b.trading.MinScore {
				report.Rejected = append(report.Rejected, risk.Rejection{
					Candidate: filled,
					Reason:    risk.ReasonScoreBelowMinimum,
					Detail:    fmt.Sprintf("score=%.3f min=%.3f", score, b.trading.MinScore),
				})
				continue
			}
		}
		eligible = append(eligible, filled)
	}

	plan := risk.PlanTrades(eligible, account, exposure, b.trading)
	report.Accepted = plan.Accepted
	report.Rejected = append(report.Rejected, plan.Rejected...)

	for _, rej := range report.Rejected {
		b.emit(models.Event{
			Type:     models.EventTradeRejected,
			Severity: models.SeverityWarning,
			Symbol:   rej.Candidate.Symbol,
			Message:  fmt.Sprintf("%s: %s", rej.Reason, rej.Detail),
		})
	}

	var errs []error
	for _, res := range plan.Accepted {
		// Новые сделки после сигнала остановки не начинаются
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		b.emit(models.Event{
			Type:     models.EventTradeAccepted,
			Severity: models.SeverityInfo,
			Symbol:   res.Candidate.Symbol,
			Message:  fmt.Sprintf("%s %s %s", res.Candidate.Side, models.FormatDecimal(res.Quantity), res.Candidate.Confidence),
			Fields: map[string]float64{
				"qty":   res.Quantity,
				"risk":  res.RiskAmount,
				"entry": res.Candidate.EntryPrice,
			},
		})

		pos, err := b.executor.Execute(ctx, res)
		if pos != nil {
			// Незащищенная позиция тоже остается под наблюдением
			b.monitor.Track(pos)
			report.Opened = append(report.Opened, pos)
		}
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", res.Candidate.Symbol, err))
			logger.Error("Ошибка исполнения сделки",
				zap.String("symbol", res.Candidate.Symbol),
				zap.Error(err))
		}
	}

	logger.Info("Торговый цикл завершен",
		zap.Float64("equity", account.Equity),
		zap.Int("accepted", len(report.Accepted)),
		zap.Int("rejected", len(report.Rejected)),
		zap.Int("opened", len(report.Opened)),
		zap.Int("failed", report.Failed))
	return report, errors.Join(errs...)
}

// withRules дополняет кандидата правилами контракта, если они не заданы в конфигурации
func (b *Bot) withRules(ctx context.Context, c models.TradeCandidate) (models.TradeCandidate, error) {
	if c.BaseIncrement > 0 && c.TickSize > 0 {
		return c, nil
	}

	rules, err := b.client.GetSymbolRules(ctx, c.Symbol)
	if err != nil {
		logger.Warn("Не удалось получить правила символа",
			zap.String("symbol", c.Symbol),
			zap.Error(err))
		return c, fmt.Errorf("ошибка получения правил символа: %w", err)
	}

	if c.BaseIncrement <= 0 {
		c.BaseIncrement = rules.BaseIncrement
	}
	if c.TickSize <= 0 {
		c.TickSize = rules.TickSize
	}
	if c.MinQuantity <= 0 {
		c.MinQuantity = rules.MinQuantity
	}
	return c, nil
}

// score оценивает кандидата по свечам; без свечей оценка нейтральная
func (b *Bot) score(ctx context.Context, c models.TradeCandidate) float64 {
	candles, err := b.client.GetCandles(ctx, c.Symbol, b.trading.CandleGranularity, candleLimit)
	if err != nil {
		logger.Warn("Не удалось получить свечи для оценки",
			zap.String("symbol", c.Symbol),
			zap.Error(err))
		return technical.NeutralScore
	}

	if b.store != nil {
		if err := b.store.SaveCandles(ctx, c.Symbol, b.trading.CandleGranularity, candles); err != nil {
			logger.Warn("Ошибка сохранения свечей", zap.String("symbol", c.Symbol), zap.Error(err))
		}
	}

	score := b.scorer.Score(c.Side, candles)
	logger.Debug("Оценка кандидата",
		zap.String("symbol", c.Symbol),
		zap.Int("candles", len(candles)),
		zap.Float64("score", score))
	return score
}

// openExposure риск уже открытых позиций: объем на расстояние до текущего стопа
func openExposure(open []models.Position) risk.Exposure {
	exp := risk.Exposure{OpenCount: len(open)}
	for _, p := range open {
		exp.OpenRisk += p.Quantity * math.Abs(p.EntryPrice-p.CurrentStopLoss)
	}
	return exp
}

func isOpen(open []models.Position, symbol string) bool {
	for _, p := range open {
		if models.BaseSymbol(p.Symbol) == models.BaseSymbol(symbol) {
			return true
		}
	}
	return false
}

// Summary сводка по счету
type Summary struct {
	Account       models.AccountState
	Positions     []models.PositionState
	PendingOrders []models.PendingOrder
	Tracked       int
	RecentEvents  []models.Event
}

func (s Summary) String() string {
	var sb strings.Builder
	sb.WriteString("=== Сводка по счету ===\n")
	fmt.Fprintf(&sb, "Баланс: %.2f (доступно %.2f)\n", s.Account.Equity, s.Account.AvailableBalance)
	fmt.Fprintf(&sb, "Открытых позиций: %d\n", len(s.Positions))
	for _, p := range s.Positions {
		fmt.Fprintf(&sb, "  %s %s %s по %s, PnL %.2f\n",
			p.Symbol, p.Side, models.FormatDecimal(p.Quantity), models.FormatDecimal(p.EntryPrice), p.UnrealizedPnL)
	}
	fmt.Fprintf(&sb, "Активных ордеров: %d\n", len(s.PendingOrders))
	if len(s.RecentEvents) > 0 {
		sb.WriteString("Последние события:\n")
		for _, e := range s.RecentEvents {
			fmt.Fprintf(&sb, "  [%s] %s %s %s\n", e.Time.Format("02.01 15:04"), e.Type, e.Symbol, e.Message)
		}
	}
	return sb.String()
}

// Summary собирает баланс, позиции, активные ордера и последние события
func (b *Bot) Summary(ctx context.Context) (Summary, error) {
	account, err := b.client.GetBalance(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("ошибка получения баланса: %w", err)
	}
	positions, err := b.client.GetPositions(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("ошибка получения позиций: %w", err)
	}
	orders, err := b.client.GetPendingOrders(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("ошибка получения ордеров: %w", err)
	}

	s := Summary{
		Account:       account,
		Positions:     positions,
		PendingOrders: orders,
		Tracked:       len(b.monitor.Snapshot()),
	}
	if b.store != nil {
		events, err := b.store.RecentEvents(ctx, 10)
		if err != nil {
			logger.Warn("Не удалось загрузить историю событий", zap.Error(err))
		}
		s.RecentEvents = events
	}
	return s, nil
}

// CancelAll отменяет все активные ордера. В режиме dry-run только считает их.
func (b *Bot) CancelAll(ctx context.Context) (int, error) {
	if b.trading.DryRun {
		orders, err := b.client.GetPendingOrders(ctx)
		if err != nil {
			return 0, fmt.Errorf("ошибка получения ордеров: %w", err)
		}
		logger.Info("[DRY RUN] Ордера не отменены", zap.Int("pending", len(orders)))
		return len(orders), nil
	}

	n, err := b.client.CancelAllPending(ctx)
	if err != nil {
		return n, fmt.Errorf("ошибка отмены ордеров: %w", err)
	}
	logger.Info("Ордера отменены", zap.Int("cancelled", n))
	return n, nil
}

// Run проверяет подключение и ключи, подхватывает уже открытые позиции,
// выполняет торговый цикл и сопровождает позиции до отмены контекста
func (b *Bot) Run(ctx context.Context) error {
	if _, err := b.TestAuthentication(ctx); err != nil {
		return err
	}

	if n, err := b.monitor.Adopt(ctx, b.candidates); err != nil {
		logger.Warn("Не удалось подхватить открытые позиции", zap.Error(err))
	} else if n > 0 {
		logger.Info("Подхвачены открытые позиции", zap.Int("count", n))
	}

	if _, err := b.RunCycle(ctx); err != nil {
		// Открытые позиции все равно нужно сопровождать
		logger.Error("Торговый цикл завершился с ошибками", zap.Error(err))
	}

	logger.Info("Мониторинг позиций запущен", zap.Int("tracked", len(b.monitor.Snapshot())))
	b.monitor.Run(ctx)
	logger.Info("Мониторинг позиций остановлен")
	return nil
}
