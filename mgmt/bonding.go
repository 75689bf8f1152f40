package mgmt

import (
	"fmt"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/api/errorkinds"
)

type bonding struct {
	addr bluetooth.Address
	cb   func(BondingComplete)
	cmd  *pendingCommand
	done bool
}

// Bond pairs with a device. cb is called exactly once, on the first of a new
// link key, the pairing reply, a disconnection, an authentication failure or
// a connection failure for that device. Only one bonding may be in progress
// on a controller.
func (r *Router) Bond(index uint16, addr bluetooth.Address, io config.IOCapability, cb func(BondingComplete)) error {
	if cb == nil {
		cb = func(BondingComplete) {}
	}

	c, err := r.poweredController(index)
	if err != nil {
		return err
	}

	if _, ok := c.bondings[addr.MacAddress]; ok {
		return fmt.Errorf("device %s: %w", addr, errorkinds.ErrBondingPending)
	}

	b := &bonding{addr: addr, cb: cb}

	info := payload{}.address(addr)

	b.cmd, err = r.sendCommand(index, OpPairDevice, info.u8(uint8(io)), info, func(reply Reply, err error) {
		status := reply.Status
		if err != nil && status == StatusSuccess {
			status = StatusFailed
		}

		r.completeBonding(c, b, status, err)
	})
	if err != nil {
		return err
	}

	c.bondings[addr.MacAddress] = b
	r.log.V(1).Info("Bonding started", "index", index, "address", addr.String())

	return nil
}

// CancelBond cancels a bonding in progress. The bonding completes right
// away with the cancelled status, and cb is called with the reply to the
// cancellation.
func (r *Router) CancelBond(index uint16, addr bluetooth.Address, cb func(error)) error {
	c, err := r.controller(index)
	if err != nil {
		return err
	}

	b, ok := c.bondings[addr.MacAddress]
	if !ok {
		return fmt.Errorf("no bonding with %s: %w", addr, errorkinds.ErrDeviceNotFound)
	}

	if err := r.addressCommand(c, OpCancelPairDevice, payload{}.address(addr), cb); err != nil {
		return err
	}

	r.completeBonding(c, b, StatusCancelled, fmt.Errorf("bonding with %s: %w", addr, errorkinds.ErrMethodCanceled))

	return nil
}

func (r *Router) finishBonding(c *Controller, addr bluetooth.MacAddress, status Status) {
	if b, ok := c.bondings[addr]; ok {
		r.completeBonding(c, b, status, nil)
	}
}

func (r *Router) failBondings(c *Controller, status Status, reason error) {
	for _, b := range c.bondings {
		r.completeBonding(c, b, status, reason)
	}
}

func (r *Router) completeBonding(c *Controller, b *bonding, status Status, err error) {
	if b.done {
		r.log.V(1).Info("Ignoring duplicate bonding completion", "index", c.index, "address", b.addr.String(), "status", status.String())
		return
	}

	b.done = true
	if c.bondings[b.addr.MacAddress] == b {
		delete(c.bondings, b.addr.MacAddress)
	}

	// The pairing reply may still come after an early completion.
	if b.cmd != nil {
		r.releaseCommand(b.cmd)
	}

	if err == nil {
		err = status.Err(OpPairDevice, c.index)
	}

	n := BondingComplete{
		Event:   Event{Code: EvCmdComplete, Index: c.index},
		Address: b.addr,
		Status:  status,
		Err:     err,
	}

	r.log.Info("Bonding complete", "index", c.index, "address", b.addr.String(), "status", status.String())

	r.loop.Post(func() { b.cb(n) })
	r.notify(n)

	r.publishDevice(c, b.addr, func(d *bluetooth.DeviceEventData) {
		d.Bonded = status == StatusSuccess
		d.Status = uint8(status)
	})
}
