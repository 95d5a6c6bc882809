// Package process supervises long-running external programs such as miners
// and full nodes. A Supervisor maps logical names to child processes, stops
// them with a graceful-then-forced policy, and reports their resource usage.
package process

import (
	"time"
)

// State is the observed state of a supervised process
type State int

const (
	// StateRunning - the child has not been observed to exit
	StateRunning State = iota
	// StateStopped - the child exited cleanly or was stopped by the supervisor
	StateStopped
	// StateFailed - the child exited with a non-zero status or a signal
	StateFailed
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResourceSample is a best-effort view of OS accounting for one process
type ResourceSample struct {
	CPUPercent    float64
	MemoryBytes   uint64
	UptimeSeconds uint64
}

// Record describes one supervised process. PID is only meaningful while
// State is StateRunning.
type Record struct {
	Name      string
	PID       int
	Command   string
	Args      []string
	Dir       string
	StartedAt time.Time
	State     State
	Reason    string
	Resources ResourceSample
}

func (r Record) clone() Record {
	r.Args = append([]string(nil), r.Args...)
	return r
}

// Event is a lifecycle transition reported to an EventSink
type Event struct {
	Name   string
	PID    int
	State  State
	Reason string
	At     time.Time
}

// EventSink receives lifecycle events. It is called without supervisor locks held.
type EventSink func(Event)
