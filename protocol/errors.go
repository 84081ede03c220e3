package protocol

// Error codes surfaced to clients. These are a stable contract.
const (
	CodeGroupIDRequired = "GROUP_ID_REQUIRED"
	CodeNoAuthCookie    = "NO_AUTH_COOKIE"
	CodeNotMember       = "NOT_MEMBER"
	CodeNotJoined       = "NOT_JOINED"
	CodeJoinFailed      = "JOIN_FAILED"
	CodeRevoked         = "REVOKED"
	CodeDeleted         = "DELETED"
	CodeUnknown         = "UNKNOWN_ERROR"
)

// Error is the typed failure delivered to a client. Every authorization or
// validation failure is converted to one of these at the boundary of the
// operation that detected it.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewError builds a client-facing error with a stable code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsClientError maps any error to its client-facing shape; internal failures
// collapse to UNKNOWN_ERROR so raw details never leave the component.
func AsClientError(err error) *Error {
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return &Error{Code: CodeUnknown}
}
