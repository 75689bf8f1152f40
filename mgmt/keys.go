package mgmt

import (
	"context"
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
)

const (
	linkKeyInfoSize     = bluetooth.AddressInfoSize + 1 + 16 + 1
	longTermKeyInfoSize = bluetooth.AddressInfoSize + 3 + 2 + 8 + 16
)

func (r *Router) keyError(err error, at string, c *Controller, device bluetooth.MacAddress, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(),
			"error_at", at,
			"adapter", c.address.String(),
			"device", device.String(),
		),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}

func (r *Router) storeLinkKey(c *Controller, n LinkKey) {
	if !n.Store {
		return
	}

	if err := r.keys.StoreLinkKey(n.Key); err != nil {
		r.publishError(r.keyError(err, "store-link-key", c, n.Key.Device.MacAddress, "Cannot store the link key"))
	}
}

func (r *Router) storeLongTermKey(c *Controller, n LongTermKey) {
	if !n.Store {
		return
	}

	if err := r.keys.StoreLongTermKey(n.Key); err != nil {
		r.publishError(r.keyError(err, "store-long-term-key", c, n.Key.Device.MacAddress, "Cannot store the long term key"))
	}
}

func (r *Router) removeKeys(c *Controller, device bluetooth.MacAddress) {
	err := r.keys.Remove(c.address, device)
	if err != nil && !errors.Is(err, errorkinds.ErrKeyNotFound) {
		r.publishError(r.keyError(err, "remove-keys", c, device, "Cannot remove the stored keys"))
	}
}

// loadLinkKeys hands the stored link keys of c to the kernel. The kernel
// replaces its whole list, so an empty list is loaded as well.
func (r *Router) loadLinkKeys(c *Controller, next func()) {
	keys, err := r.keys.LinkKeys(c.address)
	if err != nil {
		r.publishError(r.keyError(err, "load-link-keys", c, bluetooth.MacAddress{}, "Cannot read the stored link keys"))
	}

	if limit := (0xffff - 3) / linkKeyInfoSize; len(keys) > limit {
		r.log.Info("Too many link keys, loading a subset", "index", c.index, "count", len(keys))
		keys = keys[:limit]
	}

	p := payload{}.bool(false).u16(uint16(len(keys)))
	for _, k := range keys {
		p = p.address(k.Device).u8(k.Type)
		p = append(p, k.Value[:]...)
		p = p.u8(k.PinLength)
	}

	r.log.V(1).Info("Loading link keys", "index", c.index, "count", len(keys))
	r.stepCommand(c, OpLoadLinkKeys, p, next)
}

// loadLongTermKeys hands the stored long term keys of c to the kernel.
// Controllers without LE support are skipped.
func (r *Router) loadLongTermKeys(c *Controller, next func()) {
	if !c.supported.Has(SettingLE) {
		next()
		return
	}

	keys, err := r.keys.LongTermKeys(c.address)
	if err != nil {
		r.publishError(r.keyError(err, "load-long-term-keys", c, bluetooth.MacAddress{}, "Cannot read the stored long term keys"))
	}

	if limit := (0xffff - 2) / longTermKeyInfoSize; len(keys) > limit {
		r.log.Info("Too many long term keys, loading a subset", "index", c.index, "count", len(keys))
		keys = keys[:limit]
	}

	p := payload{}.u16(uint16(len(keys)))
	for _, k := range keys {
		p = p.address(k.Device).u8(k.Authenticated).u8(k.Master).u8(k.EncSize)
		p = p.u16(k.EDiv).u64(k.Rand)
		p = append(p, k.Value[:]...)
	}

	r.log.V(1).Info("Loading long term keys", "index", c.index, "count", len(keys))
	r.stepCommand(c, OpLoadLongTermKeys, p, next)
}
