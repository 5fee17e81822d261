package util

import "fmt"

// FormatRate formats packets per second with SI prefixes.
func FormatRate(pps float64) string {
	return formatWithUnits(pps, []string{"pps", "Kpps", "Mpps", "Gpps"}, 1000)
}

// FormatRatio formats a loss ratio as a percentage.
func FormatRatio(ratio float64) string {
	return fmt.Sprintf("%g%%", ratio*100)
}

func formatWithUnits(value float64, units []string, base float64) string {
	if value < 0 {
		return "0"
	}
	idx := 0
	for value >= base && idx < len(units)-1 {
		value /= base
		idx++
	}
	if value >= 100 {
		return fmt.Sprintf("%.0f %s", value, units[idx])
	}
	if value >= 10 {
		return fmt.Sprintf("%.1f %s", value, units[idx])
	}
	return fmt.Sprintf("%.2f %s", value, units[idx])
}
