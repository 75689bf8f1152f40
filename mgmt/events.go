package mgmt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/api/helpers/keystore"
)

// Event identifies the management event a notification was raised for.
type Event struct {
	Code  EventCode
	Index uint16
}

// Header returns the event header.
func (e Event) Header() Event {
	return e
}

// Notification is delivered to router observers.
type Notification interface {
	Header() Event
}

// AdapterStateChanged is raised when the current settings of a controller change.
type AdapterStateChanged struct {
	Event
	Address  bluetooth.MacAddress
	Old, New Settings
	Err      error
}

// ControllerAdded is raised once a new controller has been initialized.
type ControllerAdded struct {
	Event
	Info ControllerInfo
}

// ControllerRemoved is raised when a controller index goes away.
type ControllerRemoved struct {
	Event
	Address bluetooth.MacAddress
}

// AdapterInfoChanged is raised when the class or the name of a controller changes.
type AdapterInfoChanged struct {
	Event
	Class           uint32
	Name, ShortName string
}

// ControllerError is raised for a controller failure.
type ControllerError struct {
	Event
	ErrorCode uint8
}

// DeviceFound is raised for every inquiry or advertising result.
type DeviceFound struct {
	Event
	Address bluetooth.Address
	RSSI    int8
	Flags   uint32
	EIR     []byte
}

// DeviceConnected is raised when a link to a device is established.
type DeviceConnected struct {
	Event
	Address bluetooth.Address
	Flags   uint32
	EIR     []byte
}

// DeviceDisconnected is raised when a link goes down. Err is set when the
// link was dropped because the controller was powered off.
type DeviceDisconnected struct {
	Event
	Address bluetooth.Address
	Reason  uint8
	Err     error
}

// ConnectFailed is raised when an outgoing connection failed.
type ConnectFailed struct {
	Event
	Address bluetooth.Address
	Status  Status
}

// AuthFailed is raised when authentication with a device failed.
type AuthFailed struct {
	Event
	Address bluetooth.Address
	Status  Status
}

// BondingComplete is raised once for every bonding started through the router.
type BondingComplete struct {
	Event
	Address bluetooth.Address
	Status  Status
	Err     error
}

// LinkKey is raised for a new BR/EDR link key.
type LinkKey struct {
	Event
	Key   keystore.LinkKey
	Store bool
}

// LongTermKey is raised for a new LE long term key.
type LongTermKey struct {
	Event
	Key   keystore.LongTermKey
	Store bool
}

// PinCodeRequest is raised when a device asks for a legacy PIN code.
type PinCodeRequest struct {
	Event
	Address bluetooth.Address
	Secure  bool
}

// ConfirmRequest is raised when a device asks to confirm a passkey.
// Hint is set for just-works pairing, where no value has to be compared.
type ConfirmRequest struct {
	Event
	Address bluetooth.Address
	Hint    bool
	Value   uint32
}

// PasskeyRequest is raised when a device asks for a passkey.
type PasskeyRequest struct {
	Event
	Address bluetooth.Address
}

// Discovering is raised when device discovery starts or stops.
type Discovering struct {
	Event
	Type   DiscoveryType
	Active bool
}

// DeviceBlocked is raised when a device is added to the block list.
type DeviceBlocked struct {
	Event
	Address bluetooth.Address
}

// DeviceUnblocked is raised when a device is removed from the block list.
type DeviceUnblocked struct {
	Event
	Address bluetooth.Address
}

// DeviceUnpaired is raised when the keys of a device are removed.
type DeviceUnpaired struct {
	Event
	Address bluetooth.Address
}

// EncryptionChanged is raised when the encryption of a link changes.
type EncryptionChanged struct {
	Event
	Address bluetooth.Address
	Status  Status
	Enabled bool
}

// RemoteVersion is raised with the version information of a connected device.
type RemoteVersion struct {
	Event
	Address      bluetooth.Address
	Version      uint8
	Manufacturer uint16
	Subversion   uint16
}

// RemoteFeatures is raised with the LMP features of a connected device.
type RemoteFeatures struct {
	Event
	Address  bluetooth.Address
	Features [8]byte
}

// reader decodes little-endian payload fields. The first short read sets err
// and every later read returns zero values.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}

	if len(r.b) < n {
		r.err = fmt.Errorf("payload short by %d bytes: %w", n-len(r.b), errorkinds.ErrInvalidPDU)
		return make([]byte, n)
	}

	b := r.b[:n]
	r.b = r.b[n:]

	return b
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }
func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }

func (r *reader) address() bluetooth.Address {
	a, _ := bluetooth.AddressFromInfo(r.take(bluetooth.AddressInfoSize))
	return a
}

func (r *reader) key() [16]byte {
	var k [16]byte
	copy(k[:], r.take(16))

	return k
}

// class decodes a three byte class of device.
func (r *reader) class() uint32 {
	b := r.take(3)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// str decodes a fixed size, NUL padded string.
func (r *reader) str(n int) string {
	b := r.take(n)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}

// sized returns a field prefixed by its u16 length.
func (r *reader) sized() []byte {
	n := int(r.u16())
	return bytes.Clone(r.take(n))
}

const (
	nameSize      = 249
	shortNameSize = 11
)

// parseEvent decodes an out-of-band event.
func parseEvent(f Frame) (Notification, error) {
	ev := Event{Code: EventCode(f.Code), Index: f.Index}
	r := &reader{b: f.Payload}

	var n Notification

	switch ev.Code {
	case EvControllerError:
		n = ControllerError{Event: ev, ErrorCode: r.u8()}

	case EvNewSettings:
		n = AdapterStateChanged{Event: ev, New: Settings(r.u32())}

	case EvClassOfDevChanged:
		n = AdapterInfoChanged{Event: ev, Class: r.class()}

	case EvLocalNameChanged:
		n = AdapterInfoChanged{Event: ev, Name: r.str(nameSize), ShortName: r.str(shortNameSize)}

	case EvNewLinkKey:
		store := r.u8() != 0
		addr := r.address()

		n = LinkKey{Event: ev, Store: store, Key: keystore.LinkKey{
			Device:    addr,
			Type:      r.u8(),
			Value:     r.key(),
			PinLength: r.u8(),
		}}

	case EvNewLongTermKey:
		store := r.u8() != 0
		addr := r.address()

		n = LongTermKey{Event: ev, Store: store, Key: keystore.LongTermKey{
			Device:        addr,
			Authenticated: r.u8(),
			Master:        r.u8(),
			EncSize:       r.u8(),
			EDiv:          r.u16(),
			Rand:          r.u64(),
			Value:         r.key(),
		}}

	case EvDeviceConnected:
		n = DeviceConnected{Event: ev, Address: r.address(), Flags: r.u32(), EIR: r.sized()}

	case EvDeviceDisconnected:
		addr := r.address()

		// Older kernels send no reason.
		var reason uint8
		if len(r.b) > 0 {
			reason = r.u8()
		}

		n = DeviceDisconnected{Event: ev, Address: addr, Reason: reason}

	case EvConnectFailed:
		n = ConnectFailed{Event: ev, Address: r.address(), Status: Status(r.u8())}

	case EvPinCodeRequest:
		n = PinCodeRequest{Event: ev, Address: r.address(), Secure: r.u8() != 0}

	case EvUserConfirmRequest:
		n = ConfirmRequest{Event: ev, Address: r.address(), Hint: r.u8() != 0, Value: r.u32()}

	case EvUserPasskeyRequest:
		n = PasskeyRequest{Event: ev, Address: r.address()}

	case EvAuthFailed:
		n = AuthFailed{Event: ev, Address: r.address(), Status: Status(r.u8())}

	case EvDeviceFound:
		n = DeviceFound{Event: ev, Address: r.address(), RSSI: int8(r.u8()), Flags: r.u32(), EIR: r.sized()}

	case EvDiscovering:
		n = Discovering{Event: ev, Type: DiscoveryType(r.u8()), Active: r.u8() != 0}

	case EvDeviceBlocked:
		n = DeviceBlocked{Event: ev, Address: r.address()}

	case EvDeviceUnblocked:
		n = DeviceUnblocked{Event: ev, Address: r.address()}

	case EvDeviceUnpaired:
		n = DeviceUnpaired{Event: ev, Address: r.address()}

	case EvEncryptChange:
		n = EncryptionChanged{Event: ev, Address: r.address(), Status: Status(r.u8()), Enabled: r.u8() != 0}

	case EvRemoteVersion:
		n = RemoteVersion{Event: ev, Address: r.address(), Version: r.u8(), Manufacturer: r.u16(), Subversion: r.u16()}

	case EvRemoteFeatures:
		rf := RemoteFeatures{Event: ev, Address: r.address()}
		copy(rf.Features[:], r.take(8))

		n = rf

	default:
		return nil, fmt.Errorf("%s: %w", ev.Code, errorkinds.ErrNotSupported)
	}

	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", ev.Code, r.err)
	}

	return n, nil
}

// eventAddress returns the device address an event is about, if any.
func eventAddress(n Notification) (bluetooth.Address, bool) {
	switch v := n.(type) {
	case DeviceFound:
		return v.Address, true
	case DeviceConnected:
		return v.Address, true
	case DeviceDisconnected:
		return v.Address, true
	case ConnectFailed:
		return v.Address, true
	case AuthFailed:
		return v.Address, true
	case PinCodeRequest:
		return v.Address, true
	case ConfirmRequest:
		return v.Address, true
	case PasskeyRequest:
		return v.Address, true
	case DeviceBlocked:
		return v.Address, true
	case DeviceUnblocked:
		return v.Address, true
	case DeviceUnpaired:
		return v.Address, true
	case EncryptionChanged:
		return v.Address, true
	case RemoteVersion:
		return v.Address, true
	case RemoteFeatures:
		return v.Address, true
	case LinkKey:
		return v.Key.Device, true
	case LongTermKey:
		return v.Key.Device, true
	}

	return bluetooth.Address{}, false
}

// payload builds command payloads.
type payload []byte

func (p payload) u8(v uint8) payload   { return append(p, v) }
func (p payload) u16(v uint16) payload { return binary.LittleEndian.AppendUint16(p, v) }
func (p payload) u32(v uint32) payload { return binary.LittleEndian.AppendUint32(p, v) }
func (p payload) u64(v uint64) payload { return binary.LittleEndian.AppendUint64(p, v) }

func (p payload) bool(v bool) payload {
	if v {
		return p.u8(1)
	}

	return p.u8(0)
}

func (p payload) address(a bluetooth.Address) payload {
	var b [bluetooth.AddressInfoSize]byte
	a.PutAddressInfo(b[:])

	return append(p, b[:]...)
}

// str appends s as a fixed size, NUL padded field. Longer strings are cut,
// leaving room for the terminator.
func (p payload) str(s string, n int) payload {
	b := make([]byte, n)
	copy(b[:n-1], s)

	return append(p, b...)
}
