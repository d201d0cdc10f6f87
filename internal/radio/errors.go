package radio

import "fmt"

// ErrorKind classifies errors surfaced by the coordinator and sessions.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	AdapterAbsent
	AdapterDisabled
	NotBonded
	UnknownPeer
	ConnectFailed
	ConnectFailedFinal
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case AdapterAbsent:
		return "adapter absent"
	case AdapterDisabled:
		return "adapter disabled"
	case NotBonded:
		return "peer not bonded"
	case UnknownPeer:
		return "unknown peer"
	case ConnectFailed:
		return "connect failed"
	case ConnectFailedFinal:
		return "connect failed after fallback"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}

// Error is a classified radio error. Two Errors match under errors.Is when
// their kinds are equal, so the sentinels below can be used as targets.
type Error struct {
	Kind ErrorKind
	Peer string
	Err  error
}

func (e *Error) Error() string {
	msg := "radio: " + e.Kind.String()
	if e.Peer != "" {
		msg += " (" + e.Peer + ")"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrAdapterAbsent      = &Error{Kind: AdapterAbsent}
	ErrAdapterDisabled    = &Error{Kind: AdapterDisabled}
	ErrNotBonded          = &Error{Kind: NotBonded}
	ErrUnknownPeer        = &Error{Kind: UnknownPeer}
	ErrConnectFailed      = &Error{Kind: ConnectFailed}
	ErrConnectFailedFinal = &Error{Kind: ConnectFailedFinal}
	ErrCancelled          = &Error{Kind: Cancelled}
)
