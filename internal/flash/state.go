package flash

import (
	"time"

	"github.com/usbflash/tools/internal/catalog"
)

// State is the phase an operation is in.
type State int

const (
	Idle State = iota
	Provisioning
	Writing
	Overlaying
	Verifying
	Completed
	Cancelled
	Failed
)

var stateNames = [...]string{
	Idle:         "idle",
	Provisioning: "provisioning",
	Writing:      "writing",
	Overlaying:   "overlaying",
	Verifying:    "verifying",
	Completed:    "completed",
	Cancelled:    "cancelled",
	Failed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Active reports whether s occupies the controller.
func (s State) Active() bool {
	return s >= Provisioning && s <= Verifying
}

// Snapshot is the progress of an operation at one point in time.
type Snapshot struct {
	Percent float64
	Message string
	State   State

	// Err is the cause of a Failed operation.
	Err error

	// BytesWritten counts image payload bytes, available once writing stopped.
	BytesWritten int64
}

// Event describes one state transition.
type Event struct {
	ID      string
	Request Request
	Device  catalog.Device
	State   State
	Message string
	Err     error
	Time    time.Time
}

// Observer is notified of every state transition, on the operation's worker
// goroutine. Observe must not block for long.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
