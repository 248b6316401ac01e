// Package window classifies a scan time into an attendance slot.
//
// Each slot opens at its anchor time and stays open for the event's grace
// period: the window is [anchor, anchor+grace). Windows never wrap past
// midnight; a window whose end falls after 24:00 simply closes at midnight.
package window

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNotInWindow = errors.New("window: outside valid attendance slots")

const day = 24 * 60 * 60

// TimeOfDay is seconds since midnight.
type TimeOfDay int

// ParseTimeOfDay accepts "HH:MM:SS" or "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("window: bad time of day %q", s)
	}
	limits := []int{24, 60, 60}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= limits[i] {
			return 0, fmt.Errorf("window: bad time of day %q", s)
		}
		vals[i] = n
	}
	return TimeOfDay(vals[0]*3600 + vals[1]*60 + vals[2]), nil
}

// MustTime is ParseTimeOfDay for literals.
func MustTime(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// At returns the time of day of t in its own location.
func At(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}

func (t TimeOfDay) String() string {
	v := int(t)
	if v >= day {
		v = day - 1
	}
	return fmt.Sprintf("%02d:%02d:%02d", v/3600, v/60%60, v%60)
}

// MarshalText encodes t as "HH:MM:SS".
func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText accepts the formats ParseTimeOfDay does.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Schedule holds an event's slot anchors; a nil anchor disables the slot.
type Schedule struct {
	AMIn         *TimeOfDay
	AMOut        *TimeOfDay
	PMIn         *TimeOfDay
	PMOut        *TimeOfDay
	GraceMinutes int
}

// Anchor returns the opening time of slot and whether the slot is active.
func (s Schedule) Anchor(slot Slot) (TimeOfDay, bool) {
	var a *TimeOfDay
	switch slot {
	case MorningIn:
		a = s.AMIn
	case MorningOut:
		a = s.AMOut
	case AfternoonIn:
		a = s.PMIn
	case AfternoonOut:
		a = s.PMOut
	}
	if a == nil {
		return 0, false
	}
	return *a, true
}

// Window returns the half-open acceptance interval of an active slot.
func (s Schedule) Window(slot Slot) (start, end TimeOfDay, ok bool) {
	anchor, ok := s.Anchor(slot)
	if !ok {
		return 0, 0, false
	}
	grace := s.GraceMinutes
	if grace < 0 {
		grace = 0
	}
	return anchor, anchor + TimeOfDay(grace*60), true
}

// Classify returns the first slot, in priority order, whose window contains now.
func (s Schedule) Classify(now TimeOfDay) (Slot, error) {
	for _, slot := range Slots {
		start, end, ok := s.Window(slot)
		if !ok {
			continue
		}
		if now >= start && now < end {
			return slot, nil
		}
	}
	return 0, ErrNotInWindow
}

// Active lists the enabled slots in priority order.
func (s Schedule) Active() []Slot {
	var out []Slot
	for _, slot := range Slots {
		if _, ok := s.Anchor(slot); ok {
			out = append(out, slot)
		}
	}
	return out
}
