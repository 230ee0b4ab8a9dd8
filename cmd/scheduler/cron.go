package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed 5-field standard cron expression (minute hour
// day-of-month month day-of-week). Deliberately minimal: "*", a single
// value, comma-separated lists, and "*/step" are supported; ranges and
// named months/days are not, matching the ticking-loop scope this
// scheduler is built for rather than a full cron implementation.
type cronSpec struct {
	minute, hour, dom, month, dow fieldMatcher
}

type fieldMatcher func(v int) bool

func parseCron(expr string) (*cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron: minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("cron: hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("cron: month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-week field: %w", err)
	}

	return &cronSpec{minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

func parseField(field string, min, max int) (fieldMatcher, error) {
	if field == "*" {
		return func(int) bool { return true }, nil
	}

	parts := strings.Split(field, ",")
	values := make(map[int]bool, len(parts))
	var step int

	for _, p := range parts {
		if strings.HasPrefix(p, "*/") {
			n, err := strconv.Atoi(strings.TrimPrefix(p, "*/"))
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %q", p)
			}
			step = n
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < min || n > max {
			return nil, fmt.Errorf("invalid value %q (range %d-%d)", p, min, max)
		}
		values[n] = true
	}

	return func(v int) bool {
		if step > 0 && (v-min)%step == 0 {
			return true
		}
		return values[v]
	}, nil
}

// due reports whether t falls within the cron expression's matching minute.
func (c *cronSpec) due(t time.Time) bool {
	return c.minute(t.Minute()) && c.hour(t.Hour()) && c.dom(t.Day()) &&
		c.month(int(t.Month())) && c.dow(int(t.Weekday()))
}
