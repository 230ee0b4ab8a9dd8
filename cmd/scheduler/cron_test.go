package main

import (
	"testing"
	"time"
)

func TestParseCronRejectsWrongFieldCount(t *testing.T) {
	if _, err := parseCron("* * * *"); err == nil {
		t.Fatal("expected error for 4-field expression")
	}
}

func TestCronSpecDue(t *testing.T) {
	tests := []struct {
		name string
		expr string
		t    time.Time
		want bool
	}{
		{"every minute matches anything", "* * * * *", time.Date(2026, 7, 29, 13, 45, 0, 0, time.UTC), true},
		{"exact minute match", "30 14 * * *", time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC), true},
		{"exact minute mismatch", "30 14 * * *", time.Date(2026, 7, 29, 14, 31, 0, 0, time.UTC), false},
		{"step matches multiples", "*/15 * * * *", time.Date(2026, 7, 29, 9, 30, 0, 0, time.UTC), true},
		{"step skips non-multiples", "*/15 * * * *", time.Date(2026, 7, 29, 9, 31, 0, 0, time.UTC), false},
		{"comma list matches either", "0,30 * * * *", time.Date(2026, 7, 29, 9, 30, 0, 0, time.UTC), true},
		{"comma list excludes others", "0,30 * * * *", time.Date(2026, 7, 29, 9, 15, 0, 0, time.UTC), false},
		{"hour constraint applied", "0 9 * * *", time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC), false},
		{"day-of-month constraint applied", "0 0 1 * *", time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := parseCron(tt.expr)
			if err != nil {
				t.Fatalf("parseCron(%q): %v", tt.expr, err)
			}
			if got := spec.due(tt.t); got != tt.want {
				t.Errorf("due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFieldRejectsOutOfRangeValue(t *testing.T) {
	if _, err := parseField("61", 0, 59); err == nil {
		t.Fatal("expected error for out-of-range value")
	}
}

func TestParseFieldRejectsInvalidStep(t *testing.T) {
	if _, err := parseField("*/0", 0, 59); err == nil {
		t.Fatal("expected error for zero step")
	}
}
