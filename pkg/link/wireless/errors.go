package wireless

// Error is the cause latched by a failed operation.
type Error int

// Errors. The first group are user errors, detected before anything is
// sent; the second are communication errors, which reset the session.
const (
	NoError Error = iota

	ErrWrongState
	ErrGameNameTooLong
	ErrUserNameTooLong
	ErrBufferIsFull
	ErrBusyTryAgain

	ErrCommandFailed
	ErrConnectionFailed
	ErrSendDataFailed
	ErrReceiveDataFailed
	ErrAcknowledgeFailed
	ErrTimeout
	ErrRemoteTimeout
)

var errorNames = [...]string{
	NoError:              "none",
	ErrWrongState:        "wrong state",
	ErrGameNameTooLong:   "game name too long",
	ErrUserNameTooLong:   "user name too long",
	ErrBufferIsFull:      "buffer is full",
	ErrBusyTryAgain:      "busy, try again",
	ErrCommandFailed:     "command failed",
	ErrConnectionFailed:  "connection failed",
	ErrSendDataFailed:    "send data failed",
	ErrReceiveDataFailed: "receive data failed",
	ErrAcknowledgeFailed: "acknowledge failed",
	ErrTimeout:           "timeout",
	ErrRemoteTimeout:     "remote timeout",
}

// Error implements error.
func (e Error) Error() string {
	if e < 0 || int(e) >= len(errorNames) {
		return "unknown error"
	}
	return errorNames[e]
}

// IsUserError reports whether e was caused by a call made in the wrong
// conditions rather than by the link.
func (e Error) IsUserError() bool {
	return e >= ErrWrongState && e <= ErrBusyTryAgain
}
