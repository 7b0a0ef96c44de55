package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"appletd/internal/tick"
)

// ParsedInterval is a task interval in one of two units: raw ticks or
// wall-clock time. Zero means manual only.
type ParsedInterval struct {
	Ticks  uint64
	Every  time.Duration
	Source string // "ticks" | "duration" | "hhmm" | "every" | "manual"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var descriptorParser = cron.NewParser(cron.Descriptor)

// ParseInterval parses a task interval.
//
// Supported forms:
//   - ticks: "2000"
//   - Go duration: "2s", "1m30s"
//   - HH:MM: "00:50" (50 minutes)
//   - "@every 2s" (robfig/cron descriptor; sub-second values round up to 1s)
//   - "" or "0": manual only
//
// Calendar cron expressions are rejected: tasks recur on a fixed interval.
func ParseInterval(raw string) (ParsedInterval, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "0" {
		return ParsedInterval{Source: "manual"}, nil
	}

	if strings.HasPrefix(s, "@") {
		sched, err := descriptorParser.Parse(s)
		if err != nil {
			return ParsedInterval{}, fmt.Errorf("invalid interval %q: %w", raw, err)
		}
		cd, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return ParsedInterval{}, fmt.Errorf("invalid interval %q: only @every is supported", raw)
		}
		return ParsedInterval{Every: cd.Delay, Source: "every"}, nil
	}

	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ParsedInterval{Ticks: n, Source: "ticks"}, nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		if err != nil {
			return ParsedInterval{}, err
		}
		return ParsedInterval{Every: d, Source: "hhmm"}, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return ParsedInterval{}, fmt.Errorf(
			"invalid interval %q (use ticks like '2000', duration like '2s', HH:MM like '00:50' or '@every 2s')",
			raw,
		)
	}
	if d < 0 {
		return ParsedInterval{}, fmt.Errorf("interval must be >= 0")
	}
	return ParsedInterval{Every: d, Source: "duration"}, nil
}

// Manual reports whether the interval disables automatic scheduling.
func (p ParsedInterval) Manual() bool { return p.Ticks == 0 && p.Every == 0 }

// Resolve converts the interval into ticks of c and checks that it stays
// orderable (below half the counter period).
func (p ParsedInterval) Resolve(c *tick.Clock) (tick.Duration, error) {
	if p.Every > 0 {
		return c.Interval(p.Every)
	}
	if p.Ticks >= uint64(c.Half()) {
		return 0, fmt.Errorf("interval %d ticks exceeds half period %d", p.Ticks, c.Half())
	}
	return tick.Duration(p.Ticks), nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
