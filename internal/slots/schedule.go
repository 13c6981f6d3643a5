package slots

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const DefaultTimezone = "Europe/Belgrade"

// DefaultSlots mirrors the five daily posting times used when none are configured.
var DefaultSlots = []string{"10:00", "13:00", "16:00", "19:00", "22:00"}

type slot struct {
	hour   int
	minute int
}

func (s slot) String() string { return fmt.Sprintf("%02d:%02d", s.hour, s.minute) }

// Schedule is an ordered set of daily times-of-day in one time zone.
// It is immutable once parsed.
type Schedule struct {
	loc   *time.Location
	slots []slot
}

// Parse builds a Schedule from a zone name and HH:MM values.
// An empty tz means DefaultTimezone.
func Parse(tz string, values []string) (*Schedule, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("at least one slot required")
	}

	seen := make(map[slot]struct{}, len(values))
	out := make([]slot, 0, len(values))
	for _, v := range values {
		h, m, err := parseHHMM(v)
		if err != nil {
			return nil, err
		}
		s := slot{hour: h, minute: m}
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("duplicate slot %s", s)
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].hour != out[j].hour {
			return out[i].hour < out[j].hour
		}
		return out[i].minute < out[j].minute
	})
	return &Schedule{loc: loc, slots: out}, nil
}

// ParseList splits a comma separated slot list ("10:00,14:00").
func ParseList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Schedule) Location() *time.Location { return s.loc }

func (s *Schedule) Slots() []string {
	out := make([]string, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.String())
	}
	return out
}

func (s *Schedule) String() string {
	return strings.Join(s.Slots(), ", ") + " (" + s.loc.String() + ")"
}

// Next returns the earliest slot instant that is not before t.
// Slots skipped by a forward DST jump resolve to the transition instant;
// slots repeated by a backward jump resolve to their first occurrence.
func (s *Schedule) Next(t time.Time) time.Time {
	local := t.In(s.loc)
	y, m, d := local.Date()
	for day := 0; day <= 2; day++ {
		for _, sl := range s.slots {
			at := resolve(y, m, d+day, sl, s.loc)
			if !at.Before(t) {
				return at
			}
		}
	}
	return resolve(y, m, d+3, s.slots[0], s.loc)
}

// resolve maps a civil date and slot to an instant in loc.
func resolve(y int, mon time.Month, d int, sl slot, loc *time.Location) time.Time {
	naive := time.Date(y, mon, d, sl.hour, sl.minute, 0, 0, time.UTC)
	wy, wm, wd := naive.Date()

	var best time.Time
	minOff := 0
	for i, probe := range []time.Duration{-24 * time.Hour, 0, 24 * time.Hour} {
		_, off := naive.Add(probe).In(loc).Zone()
		if i == 0 || off < minOff {
			minOff = off
		}
		cand := naive.Add(-time.Duration(off) * time.Second).In(loc)
		cy, cm, cd := cand.Date()
		if cy != wy || cm != wm || cd != wd || cand.Hour() != sl.hour || cand.Minute() != sl.minute {
			continue
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	if !best.IsZero() {
		return best
	}

	// The wall time falls in a gap. With the pre-jump offset the instant lands
	// just past the transition; the zone it lands in starts at the transition.
	after := naive.Add(-time.Duration(minOff) * time.Second).In(loc)
	if start, _ := after.ZoneBounds(); !start.IsZero() {
		return start.In(loc)
	}
	return after
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid slot %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// Holder publishes the current Schedule to concurrent readers and lets a
// config reload swap it.
type Holder struct {
	p atomic.Pointer[Schedule]
}

func NewHolder(s *Schedule) *Holder {
	h := &Holder{}
	h.p.Store(s)
	return h
}

func (h *Holder) Load() *Schedule { return h.p.Load() }

func (h *Holder) Store(s *Schedule) {
	if s != nil {
		h.p.Store(s)
	}
}

func (h *Holder) Next(t time.Time) time.Time { return h.Load().Next(t) }
