package mgmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/api/helpers/keystore"
)

func TestStartupLoadsKeys(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.keys.StoreLinkKey(keystore.LinkKey{
		Adapter: ctrlAddr,
		Device:  devA,
		Type:    0x04,
	}))

	frames := h.start(t, settingsSupported, settingsOn)

	links := frames[OpLoadLinkKeys].Payload
	require.Len(t, links, 3+linkKeyInfoSize)
	require.Equal(t, []byte{0x00, 0x01, 0x00}, links[:3])
	require.Equal(t, devA.MacAddress[:], links[3:3+bluetooth.NumAddressBytes])

	require.Equal(t, []byte{0x00, 0x00}, frames[OpLoadLongTermKeys].Payload)
	require.Equal(t, []byte{byte(config.IONoInputNoOutput)}, frames[OpSetIOCapability].Payload)

	var info ControllerInfo
	var ok bool

	h.onLoop(t, func() {
		info, ok = h.r.Controller(0)
	})

	require.True(t, ok)
	require.Equal(t, ctrlAddr, info.Address)
	require.Equal(t, "bluestream", info.Name)
	require.Equal(t, "bs", info.ShortName)
	require.Equal(t, uint32(0x24040c), info.Class)
	require.True(t, info.Current.Has(SettingPowered))
	require.Equal(t, "hci0", info.AdapterData().UniqueName)
}

func TestStartupAutoPowerOn(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.AutoPowerOn = true

	h := newHarness(t, cfg, nil)
	h.start(t, settingsSupported&^SettingLE, settingsOn&^SettingPowered)

	f := h.ch.expect(t, 0, OpSetPowered)
	require.Equal(t, []byte{0x01}, f.Payload)

	h.ch.complete(0, OpSetPowered, StatusSuccess, payload{}.u32(uint32(settingsOn)))

	changed := nextNote[AdapterStateChanged](t, h.notes)
	require.False(t, changed.Old.Has(SettingPowered))
	require.True(t, changed.New.Has(SettingPowered))
}

func TestSendCommandPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.start(t, settingsSupported, settingsOn)

	results := make(chan error, 4)
	cb := func(_ Settings, err error) { results <- err }

	var first, second error
	h.onLoop(t, func() {
		first = h.r.SetConnectable(0, false, cb)
		second = h.r.SetConnectable(0, false, cb)
	})

	require.NoError(t, first)
	require.ErrorIs(t, second, errorkinds.ErrCommandPending)

	h.ch.expect(t, 0, OpSetConnectable)
	h.ch.expectNothing(t, 50*time.Millisecond)

	h.ch.complete(0, OpSetConnectable, StatusSuccess, payload{}.u32(uint32(settingsOn&^SettingConnectable)))
	require.NoError(t, receive(t, results))

	h.onLoop(t, func() {
		first = h.r.SetConnectable(0, true, cb)
	})
	require.NoError(t, first)
	h.ch.expect(t, 0, OpSetConnectable)
}

func TestCommandStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.start(t, settingsSupported, settingsOn)

	results := make(chan error, 2)

	var err error
	h.onLoop(t, func() {
		err = h.r.StartDiscovery(0, DiscoveryAll, func(err error) { results <- err })
	})
	require.NoError(t, err)

	f := h.ch.expect(t, 0, OpStartDiscovery)
	require.Equal(t, []byte{byte(DiscoveryAll)}, f.Payload)

	h.ch.status(0, OpStartDiscovery, StatusSuccess)
	nothingOn(t, results, 50*time.Millisecond)

	h.ch.status(0, OpStartDiscovery, StatusBusy)

	err = receive(t, results)
	require.ErrorIs(t, err, errorkinds.ErrCommandFailed)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StatusBusy, se.Status)
}

func TestCommandTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.start(t, settingsSupported, settingsOn)

	results := make(chan error, 2)

	var err error
	h.onLoop(t, func() {
		err = h.r.SetBondable(0, false, func(_ Settings, err error) { results <- err })
	})
	require.NoError(t, err)

	h.ch.expect(t, 0, OpSetBondable)
	require.ErrorIs(t, receive(t, results), errorkinds.ErrMethodTimeout)

	h.ch.complete(0, OpSetBondable, StatusSuccess, payload{}.u32(uint32(settingsOn)))
	require.Eventually(t, func() bool { return h.r.Stats().Dropped >= 1 }, waitTimeout, 10*time.Millisecond)
	nothingOn(t, results, 50*time.Millisecond)
}

func TestLateCompletionAfterIndexRemoved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.start(t, settingsSupported, settingsOn&^SettingPowered)

	results := make(chan error, 2)

	var err error
	h.onLoop(t, func() {
		err = h.r.SetPowered(0, true, func(_ Settings, err error) { results <- err })
	})
	require.NoError(t, err)
	h.ch.expect(t, 0, OpSetPowered)

	h.ch.event(0, EvIndexRemoved, nil)

	require.ErrorIs(t, receive(t, results), errorkinds.ErrAdapterNotFound)
	removed := nextNote[ControllerRemoved](t, h.notes)
	require.Equal(t, ctrlAddr, removed.Address)

	dropped := h.r.Stats().Dropped
	h.ch.complete(0, OpSetPowered, StatusSuccess, payload{}.u32(uint32(settingsOn)))

	require.Eventually(t, func() bool { return h.r.Stats().Dropped > dropped }, waitTimeout, 10*time.Millisecond)
	nothingOn(t, results, 50*time.Millisecond)

	var ok bool
	h.onLoop(t, func() {
		_, ok = h.r.Controller(0)
		err = h.r.SetPowered(0, true, nil)
	})

	require.False(t, ok)
	require.ErrorIs(t, err, errorkinds.ErrAdapterNotFound)
}

func TestIndexAddedInitializesController(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.start(t, settingsSupported, settingsOn)

	h.ch.event(1, EvIndexAdded, nil)

	other := bluetooth.MustParseMAC("00:1A:7D:DA:71:14")

	h.ch.expect(t, 1, OpReadInfo)
	h.ch.complete(1, OpReadInfo, StatusSuccess, infoPayload(other, settingsSupported&^SettingLE, 0))
	h.ch.expect(t, 1, OpLoadLinkKeys)
	h.ch.complete(1, OpLoadLinkKeys, StatusSuccess, nil)
	h.ch.expect(t, 1, OpSetIOCapability)
	h.ch.complete(1, OpSetIOCapability, StatusInvalidParams, nil)

	added := nextNote[ControllerAdded](t, h.notes)
	require.Equal(t, uint16(1), added.Info.Index)
	require.Equal(t, other, added.Info.Address)

	var infos []ControllerInfo
	h.onLoop(t, func() {
		infos = h.r.Controllers()
	})
	require.Len(t, infos, 2)
}

func TestPowerOffCancelsWaitersOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.start(t, settingsSupported, settingsOn)

	h.ch.event(0, EvDeviceConnected, payload{}.address(devA).u32(0).u16(0))
	nextNote[DeviceConnected](t, h.notes)

	var calls atomic.Int32
	results := make(chan error, 4)

	cb := func(_ Notification, err error) {
		calls.Inc()
		results <- err
	}

	var errA, errB error
	h.onLoop(t, func() {
		_, errA = h.r.Await(0, EvEncryptChange, devA.MacAddress, cb)
		_, errB = h.r.Await(0, EvRemoteVersion, devB.MacAddress, cb)
	})
	require.NoError(t, errA)
	require.NoError(t, errB)

	h.ch.event(0, EvNewSettings, payload{}.u32(uint32(settingsOn&^SettingPowered)))

	require.ErrorIs(t, receive(t, results), errorkinds.ErrAdapterNotPowered)
	require.ErrorIs(t, receive(t, results), errorkinds.ErrAdapterNotPowered)

	disconnected := nextNote[DeviceDisconnected](t, h.notes)
	require.Equal(t, devA, disconnected.Address)
	require.ErrorIs(t, disconnected.Err, errorkinds.ErrAdapterNotPowered)

	changed := nextNote[AdapterStateChanged](t, h.notes)
	require.True(t, changed.Old.Has(SettingPowered))
	require.False(t, changed.New.Has(SettingPowered))

	h.ch.event(0, EvNewSettings, payload{}.u32(uint32(settingsOn&^SettingPowered)))
	h.ch.event(0, EvEncryptChange, payload{}.address(devA).u8(0).u8(1))
	nothingOn(t, results, 100*time.Millisecond)
	require.Equal(t, int32(2), calls.Load())

	var info ControllerInfo
	h.onLoop(t, func() {
		info, _ = h.r.Controller(0)
	})
	require.Empty(t, info.Connections)
}

func TestAwait(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.start(t, settingsSupported, settingsOn)

	type result struct {
		n   Notification
		err error
	}

	results := make(chan result, 4)
	cb := func(n Notification, err error) { results <- result{n, err} }

	var cancel func()
	var first, dup, features error
	h.onLoop(t, func() {
		_, first = h.r.Await(0, EvEncryptChange, devA.MacAddress, cb)
		_, dup = h.r.Await(0, EvEncryptChange, devA.MacAddress, cb)
		cancel, features = h.r.Await(0, EvRemoteFeatures, devA.MacAddress, cb)
	})
	require.NoError(t, first)
	require.ErrorIs(t, dup, errorkinds.ErrCommandPending)
	require.NoError(t, features)

	h.ch.event(0, EvEncryptChange, payload{}.address(devB).u8(0).u8(1))
	h.ch.event(0, EvEncryptChange, payload{}.address(devA).u8(0).u8(1))

	res := receive(t, results)
	require.NoError(t, res.err)

	enc, ok := res.n.(EncryptionChanged)
	require.True(t, ok)
	require.Equal(t, devA, enc.Address)
	require.True(t, enc.Enabled)

	h.onLoop(t, func() {
		cancel()
		cancel()
	})

	res = receive(t, results)
	require.ErrorIs(t, res.err, errorkinds.ErrMethodCanceled)
	nothingOn(t, results, 50*time.Millisecond)
}

func TestDelayedPower(t *testing.T) {
	t.Parallel()

	const delay = 150 * time.Millisecond

	cfg := testConfig()
	cfg.PowerStrategy = config.PowerDelayed
	cfg.PowerDelay = delay

	h := newHarness(t, cfg, nil)
	h.start(t, settingsSupported, settingsOn&^SettingPowered)

	results := make(chan Settings, 1)

	var err error
	h.onLoop(t, func() {
		err = h.r.SetPowered(0, true, func(s Settings, err error) {
			if err == nil {
				results <- s
			}
		})
	})
	require.NoError(t, err)

	h.ch.expect(t, 0, OpSetPowered)

	sent := time.Now()
	h.ch.complete(0, OpSetPowered, StatusSuccess, payload{}.u32(uint32(settingsOn)))

	s := receive(t, results)
	require.True(t, s.Has(SettingPowered))
	require.GreaterOrEqual(t, time.Since(sent), delay)
}

func TestDeviceUnpairedRemovesKeys(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.keys.StoreLinkKey(keystore.LinkKey{Adapter: ctrlAddr, Device: devA}))
	require.NoError(t, h.keys.StoreLinkKey(keystore.LinkKey{Adapter: ctrlAddr, Device: devB}))

	h.start(t, settingsSupported, settingsOn)

	h.ch.event(0, EvDeviceUnpaired, payload{}.address(devA))
	nextNote[DeviceUnpaired](t, h.notes)

	keys, err := h.keys.LinkKeys(ctrlAddr)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, devB, keys[0].Device)

	results := make(chan error, 1)
	h.onLoop(t, func() {
		err = h.r.UnpairDevice(0, devB, true, func(err error) { results <- err })
	})
	require.NoError(t, err)

	f := h.ch.expect(t, 0, OpUnpairDevice)
	require.Equal(t, []byte(payload{}.address(devB).u8(1)), f.Payload)

	h.ch.complete(0, OpUnpairDevice, StatusSuccess, payload{}.address(devB))
	require.NoError(t, receive(t, results))

	keys, err = h.keys.LinkKeys(ctrlAddr)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestAdapterInfoEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil)
	h.start(t, settingsSupported, settingsOn)

	h.ch.event(0, EvLocalNameChanged, payload{}.str("renamed", nameSize).str("rn", shortNameSize))
	changed := nextNote[AdapterInfoChanged](t, h.notes)
	require.Equal(t, "renamed", changed.Name)
	require.Equal(t, uint32(0x24040c), changed.Class)

	h.ch.event(0, EvDiscovering, payload{}.u8(uint8(DiscoveryBREDR)).u8(1))
	nextNote[Discovering](t, h.notes)

	var info ControllerInfo
	h.onLoop(t, func() {
		info, _ = h.r.Controller(0)
	})
	require.Equal(t, "renamed", info.Name)
	require.Equal(t, "rn", info.ShortName)
	require.True(t, info.Discovering)
}

func TestEIRClass(t *testing.T) {
	t.Parallel()

	eir := []byte{0x02, 0x01, 0x06, 0x04, 0x0d, 0x14, 0x04, 0x24}
	require.Equal(t, uint32(0x240414), eirClass(eir))
	require.Zero(t, eirClass([]byte{0x05, 0x09, 'a'}))
	require.Zero(t, eirClass(nil))
}
