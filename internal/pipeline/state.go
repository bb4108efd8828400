package pipeline

import "fmt"

// State is the lifecycle stage of a pool
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateShuttingDown
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
