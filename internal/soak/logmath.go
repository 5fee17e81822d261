package soak

import "math"

// Logarithms of non-negative quantities use math.Inf(-1) for log 0.

// LogPlus returns log(exp(a) + exp(b)).
func LogPlus(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// LogMinus returns log(exp(a) - exp(b)). It requires a >= b and returns
// log 0 when they are equal.
func LogMinus(a, b float64) float64 {
	if math.IsInf(b, -1) {
		return a
	}
	if b > a {
		return math.NaN()
	}
	if a == b {
		return math.Inf(-1)
	}
	return a + math.Log(-math.Expm1(b-a))
}

// logSoftplus returns log(log(1 + exp(x))) without overflow.
func logSoftplus(x float64) float64 {
	switch {
	case x > 35:
		return math.Log(x + math.Log1p(math.Exp(-x)))
	case x < -35:
		return x
	default:
		return math.Log(math.Log1p(math.Exp(x)))
	}
}
