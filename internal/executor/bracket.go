package executor

import (
	"errors"
	"fmt"

	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
)

// BracketState состояние связки вход + тейк-профит + стоп-лосс
type BracketState string

const (
	StateEntryPending BracketState = "entry-pending"
	StateEntryFilled  BracketState = "entry-filled"
	StateLegsPending  BracketState = "legs-pending"
	StateProtected    BracketState = "protected"
	StateUnprotected  BracketState = "unprotected"
	StateAborted      BracketState = "aborted"
)

var errEntryNotFilled = errors.New("входной ордер не исполнен")

// OrderPlacementError ошибка выставления конкретной ноги брекета
type OrderPlacementError struct {
	Leg       models.OrderType
	Symbol    string
	ClientOID string
	Err       error
}

func (e *OrderPlacementError) Error() string {
	return fmt.Sprintf("ошибка выставления %s для %s (clientOid=%s): %v", e.Leg, e.Symbol, e.ClientOID, e.Err)
}

func (e *OrderPlacementError) Unwrap() error {
	return e.Err
}

// bracket отслеживает переходы одной связки ордеров
type bracket struct {
	symbol string
	state  BracketState
}

func newBracket(symbol string) *bracket {
	b := &bracket{symbol: symbol, state: StateEntryPending}
	logger.Debug("Брекет создан", zap.String("symbol", symbol), zap.String("state", string(b.state)))
	return b
}

func (b *bracket) transition(to BracketState, fields ...zap.Field) {
	from := b.state
	b.state = to
	logger.Info("Брекет: смена состояния",
		append([]zap.Field{
			zap.String("symbol", b.symbol),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		}, fields...)...)
}
