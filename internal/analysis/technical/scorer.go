package technical

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/bgbot/pkg/models"
)

const (
	// MinCandles меньше этого числа свечей оценка нейтральна
	MinCandles = 20
	// DefaultWindow сколько последних закрытий участвует в оценке
	DefaultWindow = 50
	// NeutralScore оценка при недостатке данных
	NeutralScore = 0.5

	volatilityPenalty = 5.0
)

// Scorer оценивает кандидата по свечам: насколько цена движется в сторону сделки
// и насколько спокойно она это делает
type Scorer struct {
	window int
}

// NewScorer создает оценщик; окно меньше MinCandles заменяется окном по умолчанию
func NewScorer(window int) *Scorer {
	if window < MinCandles {
		window = DefaultWindow
	}
	return &Scorer{window: window}
}

// Score возвращает оценку в диапазоне [0, 1]
func (s *Scorer) Score(side models.Side, candles []models.Candle) float64 {
	if len(candles) < MinCandles {
		return NeutralScore
	}

	if len(candles) > s.window {
		candles = candles[len(candles)-s.window:]
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	direction := directionShare(side, closes)

	// Волатильность как отношение стандартного отклонения к средней за все окно
	period := len(closes)
	stdDev := talib.StdDev(closes, period, 1.0)
	sma := talib.Sma(closes, period)
	mean := sma[len(sma)-1]
	if mean <= 0 || math.IsNaN(mean) {
		return 0
	}
	ratio := stdDev[len(stdDev)-1] / mean

	score := direction * (1 - math.Min(1, volatilityPenalty*ratio))
	return math.Max(0, math.Min(1, score))
}

// directionShare доля закрытий, сдвинувшихся в сторону сделки
func directionShare(side models.Side, closes []float64) float64 {
	moves := 0
	for i := 1; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		if (side == models.SideLong && diff > 0) || (side == models.SideShort && diff < 0) {
			moves++
		}
	}
	return float64(moves) / float64(len(closes)-1)
}
