package technical

import (
	"math"
	"testing"
	"time"

	"github.com/skalibog/bgbot/pkg/models"
)

func candlesFrom(closes []float64) []models.Candle {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{Time: start.Add(time.Duration(i) * 15 * time.Minute), Close: c}
	}
	return out
}

func series(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func TestScoreNeutralOnShortHistory(t *testing.T) {
	s := NewScorer(0)
	if got := s.Score(models.SideLong, candlesFrom(series(MinCandles-1, 1, 0.01))); got != NeutralScore {
		t.Fatalf("score = %v, want %v", got, NeutralScore)
	}
}

func TestScoreFollowsDirection(t *testing.T) {
	s := NewScorer(0)
	rising := candlesFrom(series(60, 100, 0.01))

	long := s.Score(models.SideLong, rising)
	if long < 0.95 || long > 1 {
		t.Fatalf("long score on calm uptrend = %v", long)
	}
	if short := s.Score(models.SideShort, rising); short != 0 {
		t.Fatalf("short score on uptrend = %v, want 0", short)
	}

	falling := candlesFrom(series(60, 100, -0.01))
	if short := s.Score(models.SideShort, falling); short < 0.95 {
		t.Fatalf("short score on calm downtrend = %v", short)
	}
}

func TestScorePenalisesVolatility(t *testing.T) {
	s := NewScorer(0)
	calm := s.Score(models.SideLong, candlesFrom(series(50, 100, 0.01)))
	wild := s.Score(models.SideLong, candlesFrom(series(50, 100, 1)))
	if !(wild < calm) {
		t.Fatalf("volatile trend scored %v, calm %v", wild, calm)
	}
	// 100..149: stddev/mean около 0.116, штраф 0.58
	if math.Abs(wild-0.42) > 0.01 {
		t.Fatalf("wild score = %v, want ~0.42", wild)
	}
}

func TestScoreInRange(t *testing.T) {
	s := NewScorer(30)
	zigzag := make([]float64, 80)
	for i := range zigzag {
		zigzag[i] = 10 + float64(i%3)
	}
	for _, side := range []models.Side{models.SideLong, models.SideShort} {
		got := s.Score(side, candlesFrom(zigzag))
		if got < 0 || got > 1 {
			t.Fatalf("%s score = %v out of range", side, got)
		}
	}
}

func TestNewScorerWindow(t *testing.T) {
	for _, tc := range []struct {
		in, want int
	}{
		{0, DefaultWindow},
		{MinCandles - 1, DefaultWindow},
		{MinCandles, MinCandles},
		{30, 30},
	} {
		if got := NewScorer(tc.in).window; got != tc.want {
			t.Errorf("NewScorer(%d).window = %d, want %d", tc.in, got, tc.want)
		}
	}
}
