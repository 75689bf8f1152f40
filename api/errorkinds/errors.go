package errorkinds

import "errors"

// The different general error types.
var (
	ErrSessionStart      = errors.New("cannot start session")
	ErrSessionStop       = errors.New("cannot stop session")
	ErrSessionNotExist   = errors.New("session does not exist")
	ErrSessionNotReady   = errors.New("session is not connected")
	ErrConnectionFailed  = errors.New("signaling connection failed")
	ErrTransportClosed   = errors.New("transport channel was closed")
	ErrMethodCall        = errors.New("cannot call method")
	ErrMethodCanceled    = errors.New("method call was cancelled")
	ErrMethodTimeout     = errors.New("timeout on method response")
	ErrProtocolReject    = errors.New("request was rejected by the remote device")
	ErrInvalidPDU        = errors.New("malformed protocol data unit")
	ErrInvalidParameters = errors.New("invalid parameters")

	ErrInvalidAddress    = errors.New("invalid Bluetooth address")
	ErrAdapterNotFound   = errors.New("adapter not found")
	ErrAdapterNotPowered = errors.New("adapter is not powered")
	ErrDeviceNotFound    = errors.New("device not found")

	ErrCommandPending = errors.New("a command with the same opcode is already pending")
	ErrCommandFailed  = errors.New("management command failed")

	ErrStreamBusy     = errors.New("stream has an operation in progress")
	ErrStreamState    = errors.New("operation is not allowed in the current stream state")
	ErrSEPNotFound    = errors.New("stream end point not found")
	ErrSEPInUse       = errors.New("stream end point is in use")
	ErrSEPTableFull   = errors.New("no free stream end point identifiers")
	ErrBondingPending = errors.New("bonding is already in progress")

	ErrKeyNotFound = errors.New("key not found")

	ErrNotSupported = errors.New("this functionality is not supported")
)

// GenericError represents a standard error message.
type GenericError struct {
	// Errors stores all associated errors.
	Errors error `json:"errors,omitempty" doc:"A set of generic errors."`
}

// Error returns the formatted error as string.
func (e GenericError) Error() string {
	return e.Errors.Error()
}

// Unwrap unwraps all errors associated with this error.
func (e GenericError) Unwrap() error {
	return e.Errors
}
