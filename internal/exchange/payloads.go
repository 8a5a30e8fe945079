package exchange

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/skalibog/bgbot/pkg/models"
)

// envelope общий конверт ответа Bitget
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type serverTimeData struct {
	ServerTime string `json:"serverTime"`
}

// accountData поля v1 и v2 отличаются только названием капитала
type accountData struct {
	MarginCoin    string `json:"marginCoin"`
	Available     string `json:"available"`
	Equity        string `json:"equity"`
	AccountEquity string `json:"accountEquity"`
	USDTEquity    string `json:"usdtEquity"`
}

type contractData struct {
	Symbol         string `json:"symbol"`
	MinTradeNum    string `json:"minTradeNum"`
	PriceEndStep   string `json:"priceEndStep"`
	PricePlace     string `json:"pricePlace"`
	VolumePlace    string `json:"volumePlace"`
	SizeMultiplier string `json:"sizeMultiplier"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	Last      string `json:"last"`
	LastPr    string `json:"lastPr"`
	MarkPrice string `json:"markPrice"`
}

type orderAckData struct {
	OrderID   string `json:"orderId"`
	ClientOID string `json:"clientOid"`
}

type orderDetailData struct {
	OrderID    string `json:"orderId"`
	ClientOID  string `json:"clientOid"`
	State      string `json:"state"`
	FilledQty  string `json:"filledQty"`
	BaseVolume string `json:"baseVolume"`
	PriceAvg   string `json:"priceAvg"`
}

type positionData struct {
	Symbol           string `json:"symbol"`
	HoldSide         string `json:"holdSide"`
	Total            string `json:"total"`
	AverageOpenPrice string `json:"averageOpenPrice"`
	OpenPriceAvg     string `json:"openPriceAvg"`
	MarketPrice      string `json:"marketPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedPL     string `json:"unrealizedPL"`
}

type pendingOrderData struct {
	Symbol    string `json:"symbol"`
	OrderID   string `json:"orderId"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	OrderType string `json:"orderType"`
}

type pendingListData struct {
	EntrustedList []pendingOrderData `json:"entrustedList"`
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// firstNonEmpty выбирает поле той версии API, что прислала значение
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a accountData) toState() models.AccountState {
	return models.AccountState{
		Equity:           parseFloat(firstNonEmpty(a.Equity, a.AccountEquity, a.USDTEquity)),
		AvailableBalance: parseFloat(a.Available),
	}
}

func (c contractData) toRules(symbol string) models.SymbolRules {
	tick := 0.0
	if place, err := strconv.Atoi(c.PricePlace); err == nil {
		step := parseFloat(c.PriceEndStep)
		if step == 0 {
			step = 1
		}
		tick = models.RoundToStep(step*math.Pow10(-place), math.Pow10(-place))
	}
	increment := parseFloat(c.SizeMultiplier)
	if increment == 0 {
		if place, err := strconv.Atoi(c.VolumePlace); err == nil {
			increment = math.Pow10(-place)
		}
	}
	return models.SymbolRules{
		Symbol:        symbol,
		BaseIncrement: increment,
		TickSize:      tick,
		MinQuantity:   parseFloat(c.MinTradeNum),
	}
}

func (o orderDetailData) toFill() models.OrderFill {
	return models.OrderFill{
		OrderID:   o.OrderID,
		Status:    orderStatus(o.State),
		FilledQty: parseFloat(firstNonEmpty(o.FilledQty, o.BaseVolume)),
		AvgPrice:  parseFloat(o.PriceAvg),
	}
}

func orderStatus(state string) models.OrderStatus {
	switch strings.ToLower(state) {
	case "new", "init", "live":
		return models.OrderStatusNew
	case "partially_filled", "partial-fill":
		return models.OrderStatusPartial
	case "filled", "full_fill", "full-fill":
		return models.OrderStatusFilled
	case "canceled", "cancelled":
		return models.OrderStatusCancelled
	default:
		return models.OrderStatusUnknown
	}
}

func (p positionData) toState(symbol string) models.PositionState {
	return models.PositionState{
		Symbol:        symbol,
		Side:          models.Side(strings.ToLower(p.HoldSide)),
		Quantity:      parseFloat(p.Total),
		EntryPrice:    parseFloat(firstNonEmpty(p.AverageOpenPrice, p.OpenPriceAvg)),
		MarkPrice:     parseFloat(firstNonEmpty(p.MarkPrice, p.MarketPrice)),
		UnrealizedPnL: parseFloat(p.UnrealizedPL),
	}
}

func (p pendingOrderData) toPending() models.PendingOrder {
	return models.PendingOrder{
		Symbol:    p.Symbol,
		OrderID:   p.OrderID,
		Side:      p.Side,
		Price:     parseFloat(p.Price),
		Size:      parseFloat(p.Size),
		OrderType: p.OrderType,
	}
}

// parseCandles разбирает массив [ts, open, high, low, close, volume, ...]
func parseCandles(raw [][]string) []models.Candle {
	candles := make([]models.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		candles = append(candles, models.Candle{
			Time:   time.UnixMilli(ts),
			Open:   parseFloat(row[1]),
			High:   parseFloat(row[2]),
			Low:    parseFloat(row[3]),
			Close:  parseFloat(row[4]),
			Volume: parseFloat(row[5]),
		})
	}
	return candles
}
