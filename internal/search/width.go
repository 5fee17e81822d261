package search

import "math"

// Relative widths measure an interval (lo, hi) as (hi-lo)/hi, which makes
// the stopping rule independent of rate units. Doubling and halving act
// on the logarithm of 1-width.

// DoubleRelativeWidth returns the relative width of twice the logarithmic
// size. The 1.999 factor keeps half of a doubled width below the original
// despite rounding.
func DoubleRelativeWidth(width float64) float64 {
	return 1.999*width - width*width
}

// HalfRelativeWidth returns the relative width of half the logarithmic size.
func HalfRelativeWidth(width float64) float64 {
	return 1 - math.Sqrt(1-width)
}

func expandWidth(width float64, doublings int) float64 {
	for i := 0; i < doublings; i++ {
		width = DoubleRelativeWidth(width)
	}
	return width
}

// ExpandDown moves rate down by width doubled the given number of times.
func ExpandDown(width float64, doublings int, rate float64) float64 {
	return rate * (1 - expandWidth(width, doublings))
}

// ExpandUp moves rate up by width doubled the given number of times.
func ExpandUp(width float64, doublings int, rate float64) float64 {
	return rate / (1 - expandWidth(width, doublings))
}

// RelativeWidth is (hi-lo)/hi for target rates, zero for a zero upper rate.
func RelativeWidth(lo, hi float64) float64 {
	if hi == 0 {
		return 0
	}
	return math.Abs(hi-lo) / hi
}
