package bluetooth

import (
	"context"
	"time"

	"github.com/darkhz/bluestream/api/errorkinds"
)

// PairingAgent describes an authentication interface, which is used
// to answer the pairing requests raised by a controller.
// Each method may block until the user answers or the timeout expires;
// a returned error rejects the request.
type PairingAgent interface {
	RequestPinCode(timeout AuthTimeout, address MacAddress, secure bool) (string, error)
	RequestPasskey(timeout AuthTimeout, address MacAddress) (uint32, error)
	ConfirmPasskey(timeout AuthTimeout, address MacAddress, passkey uint32) error
}

// AuthTimeout describes an authentication timeout duration.
// The context value is created with 'context.WithTimeout()'.
type AuthTimeout struct {
	context.Context
	cancel context.CancelFunc
}

// NewAuthTimeout returns a new authentication timeout token.
func NewAuthTimeout(timeout time.Duration) AuthTimeout {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	return AuthTimeout{ctx, cancel}
}

// Cancel cancels the inner context.
func (a *AuthTimeout) Cancel() {
	if a.cancel != nil {
		a.cancel()
	}
}

// DefaultAuthorizer describes a default authentication handler.
type DefaultAuthorizer struct{}

// RequestPinCode answers legacy pairing requests with the "0000" PIN code.
func (DefaultAuthorizer) RequestPinCode(AuthTimeout, MacAddress, bool) (string, error) {
	return "0000", nil
}

// RequestPasskey rejects passkey entry requests, since no input is available.
func (DefaultAuthorizer) RequestPasskey(AuthTimeout, MacAddress) (uint32, error) {
	return 0, errorkinds.ErrNotSupported
}

// ConfirmPasskey accepts all passkey confirmation requests.
func (DefaultAuthorizer) ConfirmPasskey(AuthTimeout, MacAddress, uint32) error {
	return nil
}
