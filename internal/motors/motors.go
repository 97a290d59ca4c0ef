package motors

import (
	"sort"
	"time"
)

// Event is one motor movement parsed from the history CSV. Events are
// immutable once parsed. TimeOnly marks events whose source timestamp
// carried no date; their effective time is anchored to the date of the
// query instant before replay.
type Event struct {
	Time     time.Time
	Motor    string
	OldPos   *float64
	NewPos   *float64
	TimeOnly bool
}

// effectiveTime projects a time-only event onto the date of ref.
func (e Event) effectiveTime(ref time.Time) time.Time {
	if !e.TimeOnly {
		return e.Time
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(),
		e.Time.Hour(), e.Time.Minute(), e.Time.Second(), e.Time.Nanosecond(), ref.Location())
}

// PositionsAt replays events over the initial positions up to and
// including t and returns the resulting position per motor. Every motor
// name seen in the initial positions or in any event appears as a key;
// a nil value means the position was never resolved.
//
// The function is pure: identical inputs always yield identical output.
func PositionsAt(initial map[string]float64, events []Event, t time.Time) map[string]*float64 {
	positions := make(map[string]*float64, len(initial))
	for motor, pos := range initial {
		p := pos
		positions[motor] = &p
	}

	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].effectiveTime(t).Before(ordered[j].effectiveTime(t))
	})

	for _, evt := range ordered {
		if evt.effectiveTime(t).After(t) {
			break
		}
		switch {
		case evt.NewPos != nil:
			v := *evt.NewPos
			positions[evt.Motor] = &v
		case evt.OldPos != nil:
			v := *evt.OldPos
			positions[evt.Motor] = &v
		default:
			if _, ok := positions[evt.Motor]; !ok {
				positions[evt.Motor] = nil
			}
		}
	}

	// Motors referenced only by future events still get a key.
	for _, evt := range events {
		if _, ok := positions[evt.Motor]; !ok {
			positions[evt.Motor] = nil
		}
	}
	return positions
}

// MotorNames returns the sorted union of motors known from the initial
// positions and the event history.
func MotorNames(initial map[string]float64, events []Event) []string {
	seen := make(map[string]struct{}, len(initial))
	for motor := range initial {
		seen[motor] = struct{}{}
	}
	for _, evt := range events {
		seen[evt.Motor] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for motor := range seen {
		names = append(names, motor)
	}
	sort.Strings(names)
	return names
}
