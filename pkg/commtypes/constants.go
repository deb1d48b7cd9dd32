package commtypes

// ReturnType is the outcome of one internal protocol step. Socket level
// errors and urgent-data interrupts are recoverable; everything else is
// reported as an error or a panic at the API surface.
type ReturnType int

const (
	Success ReturnType = iota
	// SockError means a peer socket is unusable and the link set must be
	// rebuilt before retrying.
	SockError
	// GetExcept means urgent data arrived on a watched socket: a peer is
	// signalling a mid-stream reset.
	GetExcept
)

func (rt ReturnType) String() string {
	switch rt {
	case Success:
		return "success"
	case SockError:
		return "sock_error"
	case GetExcept:
		return "get_except"
	default:
		return "unknown"
	}
}

// RecoverRole labels a node for one data-recovery transfer.
type RecoverRole int

const (
	RoleHaveData RecoverRole = iota
	RoleRequestData
	RolePassData
)

// Wire symbols on the reset channel. Fixed, identical on every peer.
const (
	OOBReset  byte = 0xab
	ResetMark byte = 0xcd
	ResetAck  byte = 0xef
)
