package models

import (
	"fmt"
	"strings"
	"time"
)

// Side направление позиции
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid проверяет, что направление известно
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Confidence качественный приоритет кандидата
type Confidence string

const (
	ConfidenceHigh       Confidence = "High"
	ConfidenceMediumHigh Confidence = "Medium-High"
	ConfidenceMedium     Confidence = "Medium"
	ConfidenceLow        Confidence = "Low"
)

// Rank возвращает числовой ранг уверенности (больше - важнее), -1 для неизвестных значений
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMediumHigh:
		return 2
	case ConfidenceMedium:
		return 1
	case ConfidenceLow:
		return 0
	default:
		return -1
	}
}

// EndpointCandidate одна комбинация базового URL, версии API и префикса пути
type EndpointCandidate struct {
	BaseURL    string `yaml:"base_url"`
	Version    string `yaml:"version"`
	PathPrefix string `yaml:"path_prefix"`
}

func (c EndpointCandidate) String() string {
	return fmt.Sprintf("%s%s (%s)", c.BaseURL, c.PathPrefix, c.Version)
}

// ResolvedEndpoint рабочая комбинация, найденная резолвером
type ResolvedEndpoint struct {
	BaseURL    string
	Version    string
	PathPrefix string
}

func (e ResolvedEndpoint) String() string {
	return fmt.Sprintf("%s%s (%s)", e.BaseURL, e.PathPrefix, e.Version)
}

// Credentials ключи доступа к API
type Credentials struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
}

// String никогда не выводит ключи целиком
func (c Credentials) String() string {
	return fmt.Sprintf("key=%s secret=%s passphrase=%s",
		Mask(c.APIKey, 4), Mask(c.APISecret, 4), Mask(c.Passphrase, 2))
}

// Mask оставляет первые keep символов и заменяет остальные звездочками
func Mask(s string, keep int) string {
	if s == "" {
		return "<пусто>"
	}
	if len(s) <= keep {
		return "****"
	}
	masked := []byte(s[:keep])
	for i := keep; i < len(s); i++ {
		masked = append(masked, '*')
	}
	return string(masked)
}

// BaseSymbol отбрасывает суффикс продукта: DOGEUSDT_UMCBL -> DOGEUSDT
func BaseSymbol(s string) string {
	if i := strings.Index(s, "_"); i > 0 {
		return s[:i]
	}
	return s
}

// TradeCandidate заранее подготовленная торговая идея
type TradeCandidate struct {
	Symbol        string     `yaml:"symbol"`
	Side          Side       `yaml:"side"`
	EntryPrice    float64    `yaml:"entry"`
	TargetPrice   float64    `yaml:"target"`
	StopLossPrice float64    `yaml:"stop_loss"`
	Confidence    Confidence `yaml:"confidence"`
	BaseIncrement float64    `yaml:"base_increment"`
	TickSize      float64    `yaml:"tick_size"`
	MinQuantity   float64    `yaml:"min_quantity"`
}

// AccountState снимок счета на начало цикла
type AccountState struct {
	Equity           float64
	AvailableBalance float64
}

// SymbolRules торговые ограничения контракта
type SymbolRules struct {
	Symbol        string
	BaseIncrement float64
	TickSize      float64
	MinQuantity   float64
}

// SizingResult рассчитанный размер сделки
type SizingResult struct {
	Candidate  TradeCandidate
	Quantity   float64
	RiskAmount float64
}

// OrderType роль ордера в брекете
type OrderType string

const (
	OrderTypeEntry        OrderType = "entry"
	OrderTypeTakeProfit   OrderType = "take-profit"
	OrderTypeStopLoss     OrderType = "stop-loss"
	OrderTypePartialClose OrderType = "partial-close"
)

// IsPlan true для ордеров, которые биржа хранит как плановые (TP/SL)
func (t OrderType) IsPlan() bool {
	return t == OrderTypeTakeProfit || t == OrderTypeStopLoss
}

// OrderStatus статус ордера на бирже
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusPartial   OrderStatus = "partially_filled"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusUnknown   OrderStatus = "unknown"
)

// Order заявка, отправляемая на биржу
type Order struct {
	Symbol    string
	Side      Side // направление позиции, к которой относится ордер
	Type      OrderType
	Price     float64 // цена лимита или триггера
	Quantity  float64
	Market    bool
	Status    OrderStatus
	ClientOID string
	OrderID   string
}

// OrderAck подтверждение приема ордера
type OrderAck struct {
	OrderID   string
	ClientOID string
}

// OrderFill состояние исполнения ордера
type OrderFill struct {
	OrderID   string
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// PositionState позиция так, как ее видит биржа
type PositionState struct {
	Symbol        string
	Side          Side
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// Open true, пока на бирже есть объем
func (p PositionState) Open() bool {
	return p.Quantity > 0
}

// PositionPhase наблюдаемое состояние отслеживаемой позиции
type PositionPhase string

const (
	PhaseOpenFull    PositionPhase = "OPEN_FULL"
	PhaseOpenPartial PositionPhase = "OPEN_PARTIAL"
)

// Position отслеживаемая позиция
type Position struct {
	Symbol            string
	Side              Side
	Quantity          float64
	EntryPrice        float64
	TargetPrice       float64
	CurrentStopLoss   float64
	CurrentTakeProfit float64
	OpenedAt          time.Time
	PartialTaken      bool
	StopMoved         bool
	AgeAlerted        bool
	Unprotected       bool
	DryRun            bool

	StopLossOrderID   string
	TakeProfitOrderID string
	// Стоп, который не удалось отменить после переноса в безубыток
	StaleStopOrderID string
	// clientOid частичного закрытия, ответ на которое не получен
	PartialCloseOID string
	BaseIncrement     float64
	TickSize          float64
}

// State возвращает фазу позиции
func (p *Position) State() PositionPhase {
	if p.PartialTaken {
		return PhaseOpenPartial
	}
	return PhaseOpenFull
}

// Candle свеча
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// PendingOrder активная заявка
type PendingOrder struct {
	Symbol    string
	OrderID   string
	Side      string
	Price     float64
	Size      float64
	OrderType string
}

// EventType вид сигнала для оператора
type EventType string

const (
	EventConnectivityTest EventType = "connectivity-test"
	EventAuthTest         EventType = "auth-test"
	EventTradeAccepted    EventType = "trade-accepted"
	EventTradeRejected    EventType = "trade-rejected"
	EventPositionOpened   EventType = "position-opened"
	EventPartialTaken     EventType = "partial-taken"
	EventStopMoved        EventType = "stop-moved"
	EventAgeWarning       EventType = "age-warning"
	EventLegFailure       EventType = "leg-failure"
	EventEmergencyClose   EventType = "emergency-close"
	EventPositionClosed   EventType = "position-closed"
)

// Severity важность сигнала
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event сигнал для внешнего слоя представления
type Event struct {
	Type     EventType          `json:"type"`
	Severity Severity           `json:"severity"`
	Symbol   string             `json:"symbol,omitempty"`
	Message  string             `json:"message"`
	Fields   map[string]float64 `json:"fields,omitempty"`
	Time     time.Time          `json:"time"`
}
