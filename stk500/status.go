package stk500

// Status is the programming session state.
type Status int32

const (
	StatusIdle Status = iota
	StatusProgramMode
	StatusError
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusProgramMode:
		return "program mode"
	case StatusError:
		return "error"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}
