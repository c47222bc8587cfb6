package nats

import (
	"errors"
	"fmt"
)

// Error codes returned by client operations.
const (
	UnknownError = iota

	AddressError

	AlreadyConnectedError

	AuthenticationError

	CommandError

	ConnectionError

	ConnectionRefusedError

	DisconnectedError

	HandshakeError

	ProtocolError
)

// Error is the typed error produced by every failure path in this package.
type Error struct {
	Code   int
	detail string
}

func (e *Error) Error() string {
	if e.detail != "" {
		return errorName(e.Code) + ": " + e.detail
	}
	return errorName(e.Code)
}

func errorName(code int) string {
	switch code {
	case AddressError:
		return "AddressError"
	case AlreadyConnectedError:
		return "AlreadyConnectedError"
	case AuthenticationError:
		return "AuthenticationError"
	case CommandError:
		return "CommandError"
	case ConnectionError:
		return "ConnectionError"
	case ConnectionRefusedError:
		return "ConnectionRefusedError"
	case DisconnectedError:
		return "DisconnectedError"
	case HandshakeError:
		return "HandshakeError"
	case ProtocolError:
		return "ProtocolError"
	default:
		return "UnknownError"
	}
}

// NewError creates a typed client error with an optional detail value.
func NewError(errorCode int, message ...interface{}) error {
	e := &Error{Code: errorCode}
	if len(message) > 0 {
		e.detail = fmt.Sprintf("%v", message[0])
	}
	return e
}

// ErrorCode extracts the error code from an error returned by this package.
// Errors from other sources report UnknownError.
func ErrorCode(err error) int {
	var clientErr *Error
	if errors.As(err, &clientErr) {
		return clientErr.Code
	}
	return UnknownError
}
