package window

import "fmt"

// Slot is one of the four attendance checkpoints of an event-date.
type Slot int

const (
	MorningIn Slot = iota
	MorningOut
	AfternoonIn
	AfternoonOut
)

// Slots lists every slot in classification priority order.
var Slots = [...]Slot{MorningIn, MorningOut, AfternoonIn, AfternoonOut}

func (s Slot) String() string {
	switch s {
	case MorningIn:
		return "AM_IN"
	case MorningOut:
		return "AM_OUT"
	case AfternoonIn:
		return "PM_IN"
	case AfternoonOut:
		return "PM_OUT"
	}
	return fmt.Sprintf("Slot(%d)", int(s))
}

// Column is the attendance table column holding the slot's flag.
func (s Slot) Column() string {
	switch s {
	case MorningIn:
		return "am_in"
	case MorningOut:
		return "am_out"
	case AfternoonIn:
		return "pm_in"
	case AfternoonOut:
		return "pm_out"
	}
	panic(fmt.Sprintf("window: unknown slot %d", int(s)))
}

// Label is the operator-facing name.
func (s Slot) Label() string {
	switch s {
	case MorningIn:
		return "Morning time-in"
	case MorningOut:
		return "Morning time-out"
	case AfternoonIn:
		return "Afternoon time-in"
	case AfternoonOut:
		return "Afternoon time-out"
	}
	return s.String()
}

// Valid reports whether s is one of the four slots.
func (s Slot) Valid() bool { return s >= MorningIn && s <= AfternoonOut }

// ParseSlot accepts the wire names ("AM_IN", ...).
func ParseSlot(name string) (Slot, error) {
	for _, s := range Slots {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("window: unknown slot %q", name)
}

func (s Slot) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Slot) UnmarshalText(b []byte) error {
	parsed, err := ParseSlot(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
