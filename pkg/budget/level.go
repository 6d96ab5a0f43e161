// Package budget defines the render fidelity ladder the frame governor steps
// through. Levels are totally ordered: Full is the cheapest to lose and
// SkipFrame drops the frame entirely.
package budget

import (
	"fmt"
	"strings"
)

// Level is a rung on the degradation ladder. Higher values mean less work per
// frame. The zero value is Full.
type Level uint8

const (
	// Full renders every widget with all styling.
	Full Level = iota
	// SimpleBorders replaces decorated borders with plain ASCII.
	SimpleBorders
	// NoStyling drops colors and text attributes.
	NoStyling
	// EssentialOnly renders only widgets marked essential.
	EssentialOnly
	// Skeleton renders layout boxes without content.
	Skeleton
	// SkipFrame skips rendering the frame.
	SkipFrame
)

var levelNames = [...]string{
	Full:          "full",
	SimpleBorders: "simple_borders",
	NoStyling:     "no_styling",
	EssentialOnly: "essential_only",
	Skeleton:      "skeleton",
	SkipFrame:     "skip_frame",
}

// String returns the stable snake_case name used in evidence records.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Next returns the next, more degraded level. SkipFrame saturates.
func (l Level) Next() Level {
	if l >= SkipFrame {
		return SkipFrame
	}
	return l + 1
}

// Prev returns the previous, higher fidelity level. Full saturates.
func (l Level) Prev() Level {
	if l == Full {
		return Full
	}
	if l > SkipFrame {
		return SkipFrame
	}
	return l - 1
}

// IsFull reports whether l is full fidelity.
func (l Level) IsFull() bool { return l == Full }

// IsMax reports whether l is the most degraded level.
func (l Level) IsMax() bool { return l >= SkipFrame }

// ParseLevel accepts both the snake_case form ("no_styling") and the
// CamelCase form ("NoStyling").
func ParseLevel(s string) (Level, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for i, name := range levelNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return Level(i), nil
		}
	}
	return Full, fmt.Errorf("unknown degradation level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so levels can be read
// straight from policy files.
func (l *Level) UnmarshalText(text []byte) error {
	v, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Escalate returns the level one step more degraded than current, bounded by
// ceiling. ok is false when current is already at or above the ceiling (or at
// the top of the ladder) and no step is possible.
func Escalate(current, ceiling Level) (next Level, ok bool) {
	if current >= ceiling || current.IsMax() {
		return current, false
	}
	return current.Next(), true
}
