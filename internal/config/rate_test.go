package config

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func yamlUnmarshal(s string, out any) error {
	return yaml.Unmarshal([]byte(s), out)
}

func TestParseRate(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"0", 0},
		{"1000", 1000},
		{"1e6", 1e6},
		{"200k", 200_000},
		{"200kpps", 200_000},
		{"2.5M", 2_500_000},
		{" 1.5mpps ", 1_500_000},
		{"2g", 2e9},
		{"64pps", 64},
	}
	for _, tc := range cases {
		got, err := ParseRate(tc.in)
		if err != nil {
			t.Fatalf("ParseRate(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRate(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseRateRejects(t *testing.T) {
	for _, in := range []string{"", "k", "pps", "fast", "-5k"} {
		if _, err := ParseRate(in); err == nil {
			t.Fatalf("ParseRate(%q) expected error", in)
		}
	}
}
