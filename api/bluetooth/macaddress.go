package bluetooth

import (
	"bytes"
	"fmt"

	"github.com/darkhz/bluestream/api/errorkinds"
)

// MacAddress represents a Bluetooth device address.
// The bytes are stored in the over-the-air (little-endian) order,
// so index 0 holds the least significant octet.
type MacAddress [NumAddressBytes]byte

// AddressType describes the transport and kind of a device address,
// as carried in management channel address records.
type AddressType uint8

// The different address types.
const (
	AddressBREDR    AddressType = 0x00
	AddressLEPublic AddressType = 0x01
	AddressLERandom AddressType = 0x02
)

// Address is a device address qualified by its address type.
type Address struct {
	MacAddress
	Type AddressType
}

const (
	// MaxAddressStringLength is the maximum length of a Bluetooth address string (with ':').
	MaxAddressStringLength = 17

	// NumAddressBytes is the total number of bytes in a MacAddress byte array.
	NumAddressBytes = 6

	// AddressInfoSize is the size of an address record on the management channel
	// (six address bytes followed by the address type).
	AddressInfoSize = NumAddressBytes + 1
)

// ParseMAC parses the given MAC address, which must be in 11:22:33:AA:BB:CC
// format. If it cannot be parsed, an error is returned.
func ParseMAC(s string) (MacAddress, error) {
	var mac MacAddress

	if len(s) != MaxAddressStringLength {
		return mac, fmt.Errorf("parse %q: %w", s, errorkinds.ErrInvalidAddress)
	}

	for i := 0; i < NumAddressBytes; i++ {
		pos := i * 3
		if i < NumAddressBytes-1 && s[pos+2] != ':' {
			return mac, fmt.Errorf("parse %q: %w", s, errorkinds.ErrInvalidAddress)
		}

		hi, ok1 := fromHex(s[pos])
		lo, ok2 := fromHex(s[pos+1])
		if !ok1 || !ok2 {
			return mac, fmt.Errorf("parse %q: %w", s, errorkinds.ErrInvalidAddress)
		}

		mac[NumAddressBytes-1-i] = hi<<4 | lo
	}

	return mac, nil
}

// MustParseMAC is like ParseMAC but panics on invalid input.
// It is intended for constants in tests and tables.
func MustParseMAC(s string) MacAddress {
	mac, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}

	return mac
}

// String returns a human-readable version of this MAC address, such as
// 11:22:33:AA:BB:CC.
func (m MacAddress) String() string {
	return m.byteBuffer().String()
}

// IsNil checks if the MacAddress byte array is empty.
func (m MacAddress) IsNil() bool {
	return m == MacAddress{}
}

// MarshalText implements encoding.TextMarshaler.
func (m MacAddress) MarshalText() ([]byte, error) {
	return m.byteBuffer().Bytes(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// This is used by the key store codec to map address strings back to a MacAddress.
func (m *MacAddress) UnmarshalText(data []byte) error {
	mac, err := ParseMAC(string(data))
	if err != nil {
		return err
	}

	*m = mac

	return nil
}

// PutAddressInfo writes the address record (address followed by its type) to b,
// which must be at least AddressInfoSize bytes long.
func (a Address) PutAddressInfo(b []byte) {
	copy(b[:NumAddressBytes], a.MacAddress[:])
	b[NumAddressBytes] = byte(a.Type)
}

// AddressFromInfo decodes an address record written by PutAddressInfo.
func AddressFromInfo(b []byte) (Address, error) {
	var a Address

	if len(b) < AddressInfoSize {
		return a, fmt.Errorf("address record of %d bytes: %w", len(b), errorkinds.ErrInvalidAddress)
	}

	copy(a.MacAddress[:], b[:NumAddressBytes])
	a.Type = AddressType(b[NumAddressBytes])

	return a, nil
}

// String returns the address with its type, for example AA:BB:CC:DD:EE:FF/bredr.
func (a Address) String() string {
	return a.MacAddress.String() + "/" + a.Type.String()
}

// String returns the name of the address type.
func (t AddressType) String() string {
	switch t {
	case AddressBREDR:
		return "bredr"

	case AddressLEPublic:
		return "le-public"

	case AddressLERandom:
		return "le-random"
	}

	return "unknown"
}

// byteBuffer returns a byte buffer with the string representation of the MacAddress.
func (m MacAddress) byteBuffer() *bytes.Buffer {
	const digits = "0123456789ABCDEF"

	s := bytes.NewBuffer(make([]byte, 0, MaxAddressStringLength))

	for i := NumAddressBytes - 1; i >= 0; i-- {
		if i != NumAddressBytes-1 {
			s.WriteByte(':')
		}

		s.WriteByte(digits[m[i]>>4])
		s.WriteByte(digits[m[i]&0x0f])
	}

	return s
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 0xA, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 0xA, true
	}

	return 0, false
}
