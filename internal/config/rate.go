package config

import (
	"fmt"
	"strings"
)

// ParseRate parses a packet rate such as "14.88m", "200kpps" or "1e6"
// into packets per second. Units: k=1000, m=1000000, g=1000000000.
// The "pps" suffix is optional.
func ParseRate(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("rate must not be empty")
	}
	raw := s
	s = strings.TrimSuffix(s, "pps")

	multiplier := 1.0
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'k':
			multiplier = 1_000
			s = s[:len(s)-1]
		case 'm':
			multiplier = 1_000_000
			s = s[:len(s)-1]
		case 'g':
			multiplier = 1_000_000_000
			s = s[:len(s)-1]
		}
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid rate value: %q", raw)
	}
	var value float64
	if _, err := fmt.Sscanf(s, "%g", &value); err != nil {
		return 0, fmt.Errorf("invalid rate value: %q", raw)
	}
	if value < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %q", raw)
	}
	return value * multiplier, nil
}
