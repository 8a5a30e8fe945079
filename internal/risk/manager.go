package risk

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
)

// Reason причина отклонения кандидата
type Reason string

const (
	ReasonRiskCapExceeded       Reason = "risk-cap-exceeded"
	ReasonPositionCountExceeded Reason = "position-count-exceeded"
	ReasonSizeBelowMinimum      Reason = "size-below-minimum"
	ReasonInvalidLevels         Reason = "invalid-levels"
	ReasonInsufficientMargin    Reason = "insufficient-margin"
	ReasonScoreBelowMinimum     Reason = "score-below-minimum"
	ReasonSymbolUnavailable     Reason = "symbol-unavailable"
	ReasonAlreadyOpen           Reason = "already-open"
)

// Rejection отклоненный кандидат. Это не ошибка, а ожидаемый результат фильтрации.
type Rejection struct {
	Candidate models.TradeCandidate
	Reason    Reason
	Detail    string
}

// Exposure уже открытый риск, учитываемый при приеме новых сделок
type Exposure struct {
	OpenCount int
	OpenRisk  float64
}

// Plan результат планирования: принятые сделки в порядке приема и отклоненные с причинами
type Plan struct {
	Accepted []models.SizingResult
	Rejected []Rejection
}

// PerTradeRiskCap максимальный риск одной сделки
func PerTradeRiskCap(account models.AccountState, cfg config.TradingConfig) decimal.Decimal {
	if cfg.RiskMode == "percent" {
		return decimal.NewFromFloat(account.Equity).Mul(decimal.NewFromFloat(cfg.RiskPerTradePct))
	}
	return decimal.NewFromFloat(cfg.RiskPerTradeUSD)
}

// AccountRiskCap максимальный суммарный риск по счету
func AccountRiskCap(account models.AccountState, cfg config.TradingConfig) decimal.Decimal {
	return decimal.NewFromFloat(account.Equity).Mul(decimal.NewFromFloat(cfg.MaxAccountRiskPct))
}

// Size рассчитывает объем кандидата: cap / |entry - stop|, округленный вниз до шага объема
func Size(c models.TradeCandidate, riskCap decimal.Decimal) (models.SizingResult, *Rejection) {
	if c.EntryPrice <= 0 || c.StopLossPrice <= 0 || c.EntryPrice == c.StopLossPrice {
		return models.SizingResult{}, &Rejection{
			Candidate: c,
			Reason:    ReasonInvalidLevels,
			Detail:    fmt.Sprintf("entry=%v stop=%v", c.EntryPrice, c.StopLossPrice),
		}
	}

	perUnit := decimal.NewFromFloat(c.EntryPrice).Sub(decimal.NewFromFloat(c.StopLossPrice)).Abs()
	qty := models.FloorToStepDec(riskCap.Div(perUnit), c.BaseIncrement)

	if !qty.IsPositive() || qty.LessThan(decimal.NewFromFloat(c.MinQuantity)) {
		return models.SizingResult{}, &Rejection{
			Candidate: c,
			Reason:    ReasonSizeBelowMinimum,
			Detail:    fmt.Sprintf("qty=%s min=%v", qty, c.MinQuantity),
		}
	}

	return models.SizingResult{
		Candidate:  c,
		Quantity:   qty.InexactFloat64(),
		RiskAmount: qty.Mul(perUnit).InexactFloat64(),
	}, nil
}

// PlanTrades рассчитывает объемы, сортирует кандидатов по уверенности и жадно принимает их,
// пока суммарный риск, число позиций и маржа укладываются в лимиты. Никогда не возвращает ошибку.
func PlanTrades(candidates []models.TradeCandidate, account models.AccountState, exposure Exposure, cfg config.TradingConfig) Plan {
	var plan Plan
	perTradeCap := PerTradeRiskCap(account, cfg)
	accountCap := AccountRiskCap(account, cfg)

	sized := make([]models.SizingResult, 0, len(candidates))
	for _, c := range candidates {
		res, rej := Size(c, perTradeCap)
		if rej != nil {
			plan.Rejected = append(plan.Rejected, *rej)
			continue
		}
		sized = append(sized, res)
	}

	// Стабильная сортировка сохраняет входной порядок при равной уверенности
	sort.SliceStable(sized, func(i, j int) bool {
		return sized[i].Candidate.Confidence.Rank() > sized[j].Candidate.Confidence.Rank()
	})

	totalRisk := decimal.NewFromFloat(exposure.OpenRisk)
	totalMargin := decimal.Zero
	available := decimal.NewFromFloat(account.AvailableBalance)
	leverage := decimal.NewFromInt(int64(max(cfg.Leverage, 1)))

	for _, res := range sized {
		c := res.Candidate
		risk := decimal.NewFromFloat(res.RiskAmount)
		margin := decimal.NewFromFloat(res.Quantity).Mul(decimal.NewFromFloat(c.EntryPrice)).Div(leverage)

		switch {
		case exposure.OpenCount+len(plan.Accepted) >= cfg.MaxPositionCount:
			plan.Rejected = append(plan.Rejected, Rejection{
				Candidate: c,
				Reason:    ReasonPositionCountExceeded,
				Detail:    fmt.Sprintf("open=%d accepted=%d max=%d", exposure.OpenCount, len(plan.Accepted), cfg.MaxPositionCount),
			})
		case totalRisk.Add(risk).GreaterThan(accountCap):
			plan.Rejected = append(plan.Rejected, Rejection{
				Candidate: c,
				Reason:    ReasonRiskCapExceeded,
				Detail:    fmt.Sprintf("risk=%s total=%s cap=%s", risk, totalRisk, accountCap),
			})
		case totalMargin.Add(margin).GreaterThan(available):
			plan.Rejected = append(plan.Rejected, Rejection{
				Candidate: c,
				Reason:    ReasonInsufficientMargin,
				Detail:    fmt.Sprintf("margin=%s used=%s available=%s", margin.StringFixed(2), totalMargin.StringFixed(2), available),
			})
		default:
			totalRisk = totalRisk.Add(risk)
			totalMargin = totalMargin.Add(margin)
			plan.Accepted = append(plan.Accepted, res)
			continue
		}

		logger.Debug("Кандидат отклонен",
			zap.String("symbol", c.Symbol),
			zap.String("reason", string(plan.Rejected[len(plan.Rejected)-1].Reason)))
	}

	logger.Info("План сделок рассчитан",
		zap.Int("accepted", len(plan.Accepted)),
		zap.Int("rejected", len(plan.Rejected)),
		zap.String("per_trade_cap", perTradeCap.String()),
		zap.String("account_cap", accountCap.String()),
		zap.String("total_risk", totalRisk.String()))

	return plan
}
