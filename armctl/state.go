package armctl

// ArmState is the controller's finite state (spec §3.2). Transitions are
// authored only by the acquisition thread and by the ARM_REQUEST write
// handler.
type ArmState int

const (
	Disarm ArmState = iota
	PostTrigger
	PrePostTrigger
	Busy
	Error
)

func (s ArmState) String() string {
	switch s {
	case Disarm:
		return "Disarm"
	case PostTrigger:
		return "PostTrigger"
	case PrePostTrigger:
		return "PrePostTrigger"
	case Busy:
		return "Busy"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}
