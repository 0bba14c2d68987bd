package coronet

import "fmt"

// Priority orders dispatch among ready tasks. Higher priorities are
// always preferred; tasks of equal priority run in FIFO order.
type Priority uint8

const (
	PriorityLow    Priority = iota // Background work
	PriorityNormal                 // Default priority
	PriorityHigh                   // Latency sensitive work

	numPriorities = int(PriorityHigh) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p <= PriorityHigh
}

// ParsePriority maps the String form of a priority back to its value.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityHigh; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}
