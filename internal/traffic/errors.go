package traffic

import "fmt"

// FlowErrorKind classifies traffic flow failures.
type FlowErrorKind int

const (
	BindFailed FlowErrorKind = iota + 1
	ReadinessTimeout
	ProcessCrashed
)

func (k FlowErrorKind) String() string {
	switch k {
	case BindFailed:
		return "bind failed"
	case ReadinessTimeout:
		return "readiness timeout"
	case ProcessCrashed:
		return "process crashed"
	default:
		return "unknown"
	}
}

// FlowError reports why a flow could not start or keep running.
type FlowError struct {
	Kind   FlowErrorKind
	FlowID string
	Err    error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flow %s: %s: %v", e.FlowID, e.Kind, e.Err)
	}
	return fmt.Sprintf("flow %s: %s", e.FlowID, e.Kind)
}

func (e *FlowError) Unwrap() error { return e.Err }
