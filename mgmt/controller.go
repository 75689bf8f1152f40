package mgmt

import (
	"maps"
	"slices"
	"strconv"

	"github.com/darkhz/bluestream/api/bluetooth"
)

// ControllerInfo is a snapshot of a controller record.
type ControllerInfo struct {
	Index        uint16
	Address      bluetooth.MacAddress
	Version      uint8
	Manufacturer uint16
	Supported    Settings
	Current      Settings
	Class        uint32
	Name         string
	ShortName    string
	Discovering  bool
	Connections  []bluetooth.Address
}

// AdapterData converts the snapshot to the published adapter data.
func (c ControllerInfo) AdapterData() bluetooth.AdapterData {
	return bluetooth.AdapterData{
		Name:             c.Name,
		ShortName:        c.ShortName,
		UniqueName:       "hci" + strconv.Itoa(int(c.Index)),
		Version:          c.Version,
		Manufacturer:     c.Manufacturer,
		Class:            c.Class,
		AdapterEventData: c.eventData(),
	}
}

func (c ControllerInfo) eventData() bluetooth.AdapterEventData {
	return bluetooth.AdapterEventData{
		Index:        c.Index,
		Address:      c.Address,
		Powered:      c.Current.Has(SettingPowered),
		Discoverable: c.Current.Has(SettingDiscoverable),
		Connectable:  c.Current.Has(SettingConnectable),
		Pairable:     c.Current.Has(SettingBondable),
		Discovering:  c.Discovering,
	}
}

// waiterKey addresses a one-shot correlation waiter.
type waiterKey struct {
	code EventCode
	addr bluetooth.MacAddress
}

type waiter struct {
	cb   func(Notification, error)
	done bool
}

// Controller is the record of one controller index.
type Controller struct {
	index uint16
	ready bool

	address      bluetooth.MacAddress
	version      uint8
	manufacturer uint16
	supported    Settings
	current      Settings
	class        uint32
	name         string
	shortName    string
	discovering  bool

	connections map[bluetooth.MacAddress]bluetooth.Address
	waiters     map[waiterKey]*waiter
	bondings    map[bluetooth.MacAddress]*bonding
	auths       map[bluetooth.MacAddress]*authRequest
}

func newController(index uint16) *Controller {
	return &Controller{
		index:       index,
		connections: make(map[bluetooth.MacAddress]bluetooth.Address),
		waiters:     make(map[waiterKey]*waiter),
		bondings:    make(map[bluetooth.MacAddress]*bonding),
		auths:       make(map[bluetooth.MacAddress]*authRequest),
	}
}

// Info returns a snapshot of the record.
func (c *Controller) Info() ControllerInfo {
	conns := slices.Collect(maps.Values(c.connections))
	slices.SortFunc(conns, func(a, b bluetooth.Address) int {
		return slices.Compare(a.MacAddress[:], b.MacAddress[:])
	})

	return ControllerInfo{
		Index:        c.index,
		Address:      c.address,
		Version:      c.version,
		Manufacturer: c.manufacturer,
		Supported:    c.supported,
		Current:      c.current,
		Class:        c.class,
		Name:         c.name,
		ShortName:    c.shortName,
		Discovering:  c.discovering,
		Connections:  conns,
	}
}

// Powered reports whether the controller is powered.
func (c *Controller) Powered() bool {
	return c.current.Has(SettingPowered)
}

// arena holds the controller records by index. It grows on demand and a
// removed index is left blank for reuse.
type arena struct {
	slots []*Controller
}

func (a *arena) get(index uint16) (*Controller, bool) {
	if int(index) >= len(a.slots) || a.slots[index] == nil {
		return nil, false
	}

	return a.slots[index], true
}

func (a *arena) put(c *Controller) {
	if n := int(c.index) + 1; n > len(a.slots) {
		a.slots = append(a.slots, make([]*Controller, n-len(a.slots))...)
	}

	a.slots[c.index] = c
}

func (a *arena) remove(index uint16) (*Controller, bool) {
	c, ok := a.get(index)
	if ok {
		a.slots[index] = nil
	}

	return c, ok
}

func (a *arena) all() []*Controller {
	var cs []*Controller
	for _, c := range a.slots {
		if c != nil {
			cs = append(cs, c)
		}
	}

	return cs
}
