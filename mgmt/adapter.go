package mgmt

import (
	"fmt"
	"time"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
)

// Command is a management command addressed to a controller index.
type Command struct {
	Index   uint16
	Opcode  Opcode
	Payload []byte
}

// Send is SendCommand for a prepared command.
func (r *Router) Send(cmd Command, cb func(Reply, error)) error {
	return r.SendCommand(cmd.Index, cmd.Opcode, cmd.Payload, cb)
}

func (r *Router) controller(index uint16) (*Controller, error) {
	c, ok := r.controllers.get(index)
	if !ok || !c.ready {
		return nil, fmt.Errorf("controller %d: %w", index, errorkinds.ErrAdapterNotFound)
	}

	return c, nil
}

func (r *Router) poweredController(index uint16) (*Controller, error) {
	c, err := r.controller(index)
	if err != nil {
		return nil, err
	}

	if !c.Powered() {
		return nil, fmt.Errorf("controller %d: %w", index, errorkinds.ErrAdapterNotPowered)
	}

	return c, nil
}

// current reports whether c still occupies its slot.
func (r *Router) current(c *Controller) bool {
	cur, ok := r.controllers.get(c.index)
	return ok && cur == c
}

// settingsCommand sends a command that is answered with the current settings.
func (r *Router) settingsCommand(index uint16, op Opcode, p payload, cb func(Settings, error)) error {
	c, err := r.controller(index)
	if err != nil {
		return err
	}

	return r.SendCommand(index, op, p, func(reply Reply, err error) {
		if err != nil {
			cb(0, err)
			return
		}

		rd := &reader{b: reply.Data}
		settings := Settings(rd.u32())

		if rd.err != nil {
			cb(0, fmt.Errorf("%s: %w", op, rd.err))
			return
		}

		if r.current(c) {
			r.applySettings(c, settings)
		}

		cb(settings, nil)
	})
}

// addressCommand sends a command that is answered with the device address.
func (r *Router) addressCommand(c *Controller, op Opcode, p payload, cb func(error)) error {
	if cb == nil {
		cb = func(error) {}
	}

	return r.SendCommand(c.index, op, p, func(_ Reply, err error) {
		cb(err)
	})
}

// SetPowered switches the power of a controller. cb is called with the new
// settings once the power strategy completes the transition.
func (r *Router) SetPowered(index uint16, on bool, cb func(Settings, error)) error {
	if cb == nil {
		cb = func(Settings, error) {}
	}

	return r.settingsCommand(index, OpSetPowered, payload{}.bool(on), func(s Settings, err error) {
		if err != nil {
			cb(s, err)
			return
		}

		r.power.Complete(r.loop, on, func() { cb(s, nil) })
	})
}

// SetDiscoverable makes a controller discoverable. A zero timeout keeps it
// discoverable until it is switched off.
func (r *Router) SetDiscoverable(index uint16, on bool, timeout time.Duration, cb func(Settings, error)) error {
	if cb == nil {
		cb = func(Settings, error) {}
	}

	if !on {
		timeout = 0
	}

	secs := timeout / time.Second
	if secs > 0xffff {
		return fmt.Errorf("discoverable timeout %s: %w", timeout, errorkinds.ErrInvalidParameters)
	}

	return r.settingsCommand(index, OpSetDiscoverable, payload{}.bool(on).u16(uint16(secs)), cb)
}

// SetConnectable controls whether a controller accepts incoming connections.
func (r *Router) SetConnectable(index uint16, on bool, cb func(Settings, error)) error {
	if cb == nil {
		cb = func(Settings, error) {}
	}

	return r.settingsCommand(index, OpSetConnectable, payload{}.bool(on), cb)
}

// SetBondable controls whether a controller accepts pairing requests.
func (r *Router) SetBondable(index uint16, on bool, cb func(Settings, error)) error {
	if cb == nil {
		cb = func(Settings, error) {}
	}

	return r.settingsCommand(index, OpSetBondable, payload{}.bool(on), cb)
}

// SetDeviceClass sets the major and minor class of device.
func (r *Router) SetDeviceClass(index uint16, major, minor uint8, cb func(uint32, error)) error {
	if cb == nil {
		cb = func(uint32, error) {}
	}

	c, err := r.controller(index)
	if err != nil {
		return err
	}

	return r.SendCommand(index, OpSetDevClass, payload{}.u8(major).u8(minor), func(reply Reply, err error) {
		if err != nil {
			cb(0, err)
			return
		}

		rd := &reader{b: reply.Data}
		class := rd.class()

		if rd.err != nil {
			cb(0, fmt.Errorf("%s: %w", OpSetDevClass, rd.err))
			return
		}

		if r.current(c) {
			c.class = class
		}

		cb(class, nil)
	})
}

// SetLocalName sets the local name and the short name of a controller.
func (r *Router) SetLocalName(index uint16, name, shortName string, cb func(error)) error {
	if cb == nil {
		cb = func(error) {}
	}

	c, err := r.controller(index)
	if err != nil {
		return err
	}

	if len(name) >= nameSize || len(shortName) >= shortNameSize {
		return fmt.Errorf("local name too long: %w", errorkinds.ErrInvalidParameters)
	}

	p := payload{}.str(name, nameSize).str(shortName, shortNameSize)

	return r.SendCommand(index, OpSetLocalName, p, func(_ Reply, err error) {
		if err == nil && r.current(c) {
			c.name, c.shortName = name, shortName
		}

		cb(err)
	})
}

// StartDiscovery starts discovering devices of the given address types.
func (r *Router) StartDiscovery(index uint16, typ DiscoveryType, cb func(error)) error {
	c, err := r.poweredController(index)
	if err != nil {
		return err
	}

	return r.addressCommand(c, OpStartDiscovery, payload{}.u8(uint8(typ)), cb)
}

// StopDiscovery stops a discovery started with the same address types.
func (r *Router) StopDiscovery(index uint16, typ DiscoveryType, cb func(error)) error {
	c, err := r.controller(index)
	if err != nil {
		return err
	}

	return r.addressCommand(c, OpStopDiscovery, payload{}.u8(uint8(typ)), cb)
}

// Disconnect drops the link to a device.
func (r *Router) Disconnect(index uint16, addr bluetooth.Address, cb func(error)) error {
	c, err := r.poweredController(index)
	if err != nil {
		return err
	}

	if _, ok := c.connections[addr.MacAddress]; !ok {
		return fmt.Errorf("device %s: %w", addr, errorkinds.ErrDeviceNotFound)
	}

	return r.addressCommand(c, OpDisconnect, payload{}.address(addr), cb)
}

// BlockDevice rejects every connection from a device.
func (r *Router) BlockDevice(index uint16, addr bluetooth.Address, cb func(error)) error {
	c, err := r.controller(index)
	if err != nil {
		return err
	}

	return r.addressCommand(c, OpBlockDevice, payload{}.address(addr), cb)
}

// UnblockDevice accepts connections from a blocked device again.
func (r *Router) UnblockDevice(index uint16, addr bluetooth.Address, cb func(error)) error {
	c, err := r.controller(index)
	if err != nil {
		return err
	}

	return r.addressCommand(c, OpUnblockDevice, payload{}.address(addr), cb)
}

// UnpairDevice removes the keys of a device, and optionally drops its link.
// The kernel does not send the unpaired event to the requester, so the
// stored keys are removed here once the command succeeds.
func (r *Router) UnpairDevice(index uint16, addr bluetooth.Address, disconnect bool, cb func(error)) error {
	if cb == nil {
		cb = func(error) {}
	}

	c, err := r.controller(index)
	if err != nil {
		return err
	}

	return r.addressCommand(c, OpUnpairDevice, payload{}.address(addr).bool(disconnect), func(err error) {
		if err == nil && r.current(c) {
			r.removeKeys(c, addr.MacAddress)

			n := DeviceUnpaired{Event: Event{Code: EvDeviceUnpaired, Index: index}, Address: addr}
			r.resolveWaiter(c, waiterKey{EvDeviceUnpaired, addr.MacAddress}, n)
			r.notify(n)
			bluetooth.DeviceEvents(r.bus).PublishRemoved(bluetooth.DeviceEventData{
				Address:           addr.MacAddress,
				AddressType:       addr.Type,
				AssociatedAdapter: c.address,
			})
		}

		cb(err)
	})
}
