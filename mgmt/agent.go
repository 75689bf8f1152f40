package mgmt

import (
	"fmt"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/internal/loop"
)

const maxPinLength = 16

// authRequest is a pairing request waiting for its reply. Exactly one reply
// is sent for it, by whichever of the agent, an explicit reply, the
// auto-accept timer or the timeout comes first.
type authRequest struct {
	addr bluetooth.Address
	code EventCode

	timeout bluetooth.AuthTimeout
	expiry  *loop.Timer
	accept  *loop.Timer

	replied bool
}

type authAnswer struct {
	accept  bool
	pin     string
	passkey uint32
}

func (a *authRequest) reply(ans authAnswer) (Opcode, payload) {
	p := payload{}.address(a.addr)

	switch a.code {
	case EvPinCodeRequest:
		if !ans.accept {
			return OpPinCodeNegReply, p
		}

		pin := make([]byte, maxPinLength)
		copy(pin, ans.pin)

		return OpPinCodeReply, append(p.u8(uint8(len(ans.pin))), pin...)

	case EvUserPasskeyRequest:
		if !ans.accept {
			return OpUserPasskeyNegReply, p
		}

		return OpUserPasskeyReply, p.u32(ans.passkey)
	}

	if !ans.accept {
		return OpUserConfirmNegReply, p
	}

	return OpUserConfirmReply, p
}

// handleAuth routes a pairing request to the agent.
func (r *Router) handleAuth(c *Controller, n Notification) {
	addr, _ := eventAddress(n)

	if _, ok := c.auths[addr.MacAddress]; ok {
		r.log.V(1).Info("Replacing pairing request", "index", c.index, "address", addr.String())
		r.cancelAuth(c, addr.MacAddress)
	}

	req := &authRequest{
		addr:    addr,
		code:    n.Header().Code,
		timeout: bluetooth.NewAuthTimeout(r.cfg.AuthTimeout),
	}
	c.auths[addr.MacAddress] = req

	req.expiry = r.loop.AfterFunc(r.cfg.AuthTimeout, func() {
		r.log.Info("Pairing request timed out", "index", c.index, "address", addr.String())
		r.answerAuth(c, req, authAnswer{})
	})

	if v, ok := n.(ConfirmRequest); ok && v.Hint {
		req.accept = r.loop.AfterFunc(r.cfg.AutoAcceptDelay, func() {
			r.log.V(1).Info("Auto-accepting pairing request", "index", c.index, "address", addr.String())
			r.answerAuth(c, req, authAnswer{accept: true})
		})
	}

	agent, timeout := r.agent, req.timeout

	go func() {
		var ans authAnswer
		var err error

		switch v := n.(type) {
		case PinCodeRequest:
			ans.pin, err = agent.RequestPinCode(timeout, addr.MacAddress, v.Secure)
			if err == nil && (ans.pin == "" || len(ans.pin) > maxPinLength) {
				err = fmt.Errorf("PIN code of %d characters: %w", len(ans.pin), errorkinds.ErrInvalidParameters)
			}

		case PasskeyRequest:
			ans.passkey, err = agent.RequestPasskey(timeout, addr.MacAddress)
			if err == nil && ans.passkey > 999999 {
				err = fmt.Errorf("passkey %d: %w", ans.passkey, errorkinds.ErrInvalidParameters)
			}

		case ConfirmRequest:
			err = agent.ConfirmPasskey(timeout, addr.MacAddress, v.Value)
		}

		ans.accept = err == nil

		r.loop.Post(func() {
			if err != nil && !req.replied {
				r.log.V(1).Info("Pairing request rejected by agent", "index", c.index, "address", addr.String(), "error", err.Error())
			}

			r.answerAuth(c, req, ans)
		})
	}()
}

func (r *Router) answerAuth(c *Controller, req *authRequest, ans authAnswer) {
	if req.replied {
		return
	}

	r.stopAuth(c, req)

	if !r.current(c) {
		return
	}

	op, p := req.reply(ans)

	err := r.SendCommand(c.index, op, p, func(_ Reply, err error) {
		if err != nil {
			r.log.Error(err, "Pairing reply failed", "index", c.index, "address", req.addr.String())
		}
	})
	if err != nil {
		r.publishError(err)
	}
}

func (r *Router) stopAuth(c *Controller, req *authRequest) {
	req.replied = true
	req.expiry.Stop()
	req.accept.Stop()
	req.timeout.Cancel()

	if c.auths[req.addr.MacAddress] == req {
		delete(c.auths, req.addr.MacAddress)
	}
}

// cancelAuth drops a pairing request without replying to it.
func (r *Router) cancelAuth(c *Controller, addr bluetooth.MacAddress) {
	if req, ok := c.auths[addr]; ok {
		r.stopAuth(c, req)
	}
}

func (r *Router) explicitReply(index uint16, addr bluetooth.MacAddress, code EventCode, ans authAnswer) error {
	c, err := r.controller(index)
	if err != nil {
		return err
	}

	req, ok := c.auths[addr]
	if !ok {
		return fmt.Errorf("no pairing request from %s: %w", addr, errorkinds.ErrDeviceNotFound)
	}

	if req.code != code {
		return fmt.Errorf("pairing request from %s is a %s: %w", addr, req.code, errorkinds.ErrInvalidParameters)
	}

	r.answerAuth(c, req, ans)

	return nil
}

// ConfirmReply answers a passkey confirmation request.
func (r *Router) ConfirmReply(index uint16, addr bluetooth.MacAddress, accept bool) error {
	return r.explicitReply(index, addr, EvUserConfirmRequest, authAnswer{accept: accept})
}

// PinCodeReply answers a PIN code request. An empty PIN rejects it.
func (r *Router) PinCodeReply(index uint16, addr bluetooth.MacAddress, pin string) error {
	if len(pin) > maxPinLength {
		return fmt.Errorf("PIN code of %d characters: %w", len(pin), errorkinds.ErrInvalidParameters)
	}

	return r.explicitReply(index, addr, EvPinCodeRequest, authAnswer{accept: pin != "", pin: pin})
}

// PasskeyReply answers a passkey request.
func (r *Router) PasskeyReply(index uint16, addr bluetooth.MacAddress, passkey uint32, accept bool) error {
	if passkey > 999999 {
		return fmt.Errorf("passkey %d: %w", passkey, errorkinds.ErrInvalidParameters)
	}

	return r.explicitReply(index, addr, EvUserPasskeyRequest, authAnswer{accept: accept, passkey: passkey})
}
