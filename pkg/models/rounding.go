package models

import "github.com/shopspring/decimal"

// FloorToStep округляет value вниз до кратного step. При step <= 0 значение не меняется.
func FloorToStep(value, step float64) float64 {
	return FloorToStepDec(decimal.NewFromFloat(value), step).InexactFloat64()
}

// FloorToStepDec то же, что FloorToStep, но без потери точности на входе
func FloorToStepDec(value decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	return value.Div(s).Floor().Mul(s)
}

// RoundToStep округляет value до ближайшего кратного step
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(value).Div(s).Round(0).Mul(s).InexactFloat64()
}

// FormatDecimal печатает число без экспоненты и хвостовых нулей
func FormatDecimal(value float64) string {
	return decimal.NewFromFloat(value).String()
}
