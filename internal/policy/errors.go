package policy

import (
	"errors"
	"fmt"
)

// Error is a policy failure with a stable numeric code. The codes are a wire
// contract shared with every client binding and must never be renumbered.
type Error struct {
	Code    uint32 `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("policy: %s (%d)", e.Name, e.Code)
	}
	return fmt.Sprintf("policy: %s (%d): %s", e.Name, e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so errors decoded from the
// wire compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Slug is the snake_case form used in HTTP error bodies.
func (e *Error) Slug() string {
	switch e.Code {
	case 1:
		return "already_initialized"
	case 2:
		return "not_initialized"
	case 3:
		return "not_found"
	case 4:
		return "not_allowed"
	case 5:
		return "too_soon"
	case 6:
		return "too_much"
	}
	return "unknown"
}

// withMessage returns a copy of e carrying a specific reason.
func (e *Error) withMessage(format string, args ...interface{}) *Error {
	return &Error{Code: e.Code, Name: e.Name, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrAlreadyInitialized = &Error{Code: 1, Name: "AlreadyInitialized", Message: "admin already set"}
	ErrNotInitialized     = &Error{Code: 2, Name: "NotInitialized", Message: "admin not set"}
	ErrNotFound           = &Error{Code: 3, Name: "NotFound", Message: "no wallet policy for signer"}
	ErrNotAllowed         = &Error{Code: 4, Name: "NotAllowed", Message: "not allowed"}
	ErrTooSoon            = &Error{Code: 5, Name: "TooSoon", Message: "interval has not elapsed"}
	ErrTooMuch            = &Error{Code: 6, Name: "TooMuch", Message: "amount exceeds cap"}
)

// ErrInvalidAdmin rejects an Init whose admin is not a valid address. It is
// an input error, not one of the coded policy failures: init itself only
// fails with AlreadyInitialized.
var ErrInvalidAdmin = errors.New("policy: admin must be a valid address")

var byCode = map[uint32]*Error{
	1: ErrAlreadyInitialized,
	2: ErrNotInitialized,
	3: ErrNotFound,
	4: ErrNotAllowed,
	5: ErrTooSoon,
	6: ErrTooMuch,
}

// ErrorFromCode maps a wire code back to its sentinel.
func ErrorFromCode(code uint32) (*Error, bool) {
	e, ok := byCode[code]
	return e, ok
}

// CodeOf returns the policy code carried by err, or 0 if err is not a
// policy error.
func CodeOf(err error) uint32 {
	if pe, ok := asPolicyError(err); ok {
		return pe.Code
	}
	return 0
}

func asPolicyError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
