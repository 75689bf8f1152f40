package keystore

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
)

// LinkKey describes a BR/EDR link key shared with a bonded device.
type LinkKey struct {
	Adapter   bluetooth.MacAddress
	Device    bluetooth.Address
	Type      uint8
	Value     [16]byte
	PinLength uint8
}

// LongTermKey describes an LE long term key shared with a bonded device.
type LongTermKey struct {
	Adapter       bluetooth.MacAddress
	Device        bluetooth.Address
	Authenticated uint8
	Master        uint8
	EncSize       uint8
	EDiv          uint16
	Rand          uint64
	Value         [16]byte
}

// Store describes the persistence collaborator for pairing keys.
// Keys are looked up by the local adapter address and the remote device address.
type Store interface {
	LinkKeys(adapter bluetooth.MacAddress) ([]LinkKey, error)
	StoreLinkKey(key LinkKey) error
	LongTermKeys(adapter bluetooth.MacAddress) ([]LongTermKey, error)
	StoreLongTermKey(key LongTermKey) error
	Remove(adapter, device bluetooth.MacAddress) error
}

type keyID struct {
	adapter, device bluetooth.MacAddress
}

// Memory describes a store of keys held in memory.
type Memory struct {
	linkKeys *xsync.MapOf[keyID, LinkKey]
	ltks     *xsync.MapOf[keyID, LongTermKey]
}

// NewMemory returns a new in-memory key store.
func NewMemory() *Memory {
	return &Memory{
		linkKeys: xsync.NewMapOf[keyID, LinkKey](),
		ltks:     xsync.NewMapOf[keyID, LongTermKey](),
	}
}

// LinkKeys returns the link keys of all devices bonded with the adapter.
func (m *Memory) LinkKeys(adapter bluetooth.MacAddress) ([]LinkKey, error) {
	keys := make([]LinkKey, 0, m.linkKeys.Size())

	m.linkKeys.Range(func(id keyID, key LinkKey) bool {
		if id.adapter == adapter {
			keys = append(keys, key)
		}

		return true
	})

	return keys, nil
}

// LinkKey returns the link key of one device.
func (m *Memory) LinkKey(adapter, device bluetooth.MacAddress) (LinkKey, error) {
	key, ok := m.linkKeys.Load(keyID{adapter, device})
	if !ok {
		return key, fmt.Errorf("link key for %q: %w", device.String(), errorkinds.ErrKeyNotFound)
	}

	return key, nil
}

// StoreLinkKey adds or replaces a link key.
func (m *Memory) StoreLinkKey(key LinkKey) error {
	m.linkKeys.Store(keyID{key.Adapter, key.Device.MacAddress}, key)

	return nil
}

// LongTermKeys returns the long term keys of all devices bonded with the adapter.
func (m *Memory) LongTermKeys(adapter bluetooth.MacAddress) ([]LongTermKey, error) {
	keys := make([]LongTermKey, 0, m.ltks.Size())

	m.ltks.Range(func(id keyID, key LongTermKey) bool {
		if id.adapter == adapter {
			keys = append(keys, key)
		}

		return true
	})

	return keys, nil
}

// StoreLongTermKey adds or replaces a long term key.
func (m *Memory) StoreLongTermKey(key LongTermKey) error {
	m.ltks.Store(keyID{key.Adapter, key.Device.MacAddress}, key)

	return nil
}

// Remove removes every key of the device.
func (m *Memory) Remove(adapter, device bluetooth.MacAddress) error {
	_, hadLinkKey := m.linkKeys.LoadAndDelete(keyID{adapter, device})
	_, hadLTK := m.ltks.LoadAndDelete(keyID{adapter, device})

	if !hadLinkKey && !hadLTK {
		return fmt.Errorf("remove %q: %w", device.String(), errorkinds.ErrKeyNotFound)
	}

	return nil
}
