package session

// State is a responder's position in the per-connection handshake cycle.
type State int32

const (
	StateIdle State = iota
	StateAwaitingCommand
	StateParsing
	StateAcknowledged
	StateExecuting
	StateQuerying
	StateCompleted
	StateReturned
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCommand:
		return "awaiting_command"
	case StateParsing:
		return "parsing"
	case StateAcknowledged:
		return "acknowledged"
	case StateExecuting:
		return "executing"
	case StateQuerying:
		return "querying"
	case StateCompleted:
		return "completed"
	case StateReturned:
		return "returned"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
