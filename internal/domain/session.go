package domain

type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateConnecting SessionState = "connecting"
	StateActive     SessionState = "active"
)

type SessionStatus struct {
	State       SessionState
	Identity    string // empty when idle
	DisplayName string
}

// Connected reports the two-state view: only an active session counts.
func (s SessionStatus) Connected() bool {
	return s.State == StateActive
}

type StopResult int

const (
	StopNoSession StopResult = iota
	StopDisconnected
)
