package core

// SessionState is the lifecycle position of one OTA session.
type SessionState string

const (
	StateIdle              SessionState = "Idle"
	StatePartitionSelected SessionState = "PartitionSelected"
	StateWriteOpen         SessionState = "WriteOpen"
	StateStreaming         SessionState = "Streaming"
	StateFinalizing        SessionState = "Finalizing"
	StateBootPending       SessionState = "BootPending"
	StateRebooting         SessionState = "Rebooting"
	StateFailed            SessionState = "Failed"
)

// Terminal reports whether no further transition can leave s.
func (s SessionState) Terminal() bool {
	return s == StateRebooting || s == StateFailed
}

func (s SessionState) String() string {
	return string(s)
}
