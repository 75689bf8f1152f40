package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/api/helpers/keystore"
	"github.com/darkhz/bluestream/avdtp"
	"github.com/darkhz/bluestream/mgmt"
)

const (
	discoveryTypes = mgmt.DiscoveryBREDR

	codecSBC = 0x00
)

var (
	// sbcCapabilities advertises every SBC mode: all sampling frequencies and
	// channel modes, all block lengths and subbands, both allocation methods
	// and a bitpool range of 2 to 53.
	sbcCapabilities = []byte{0xff, 0xff, 0x02, 0x35}

	// sbcConfiguration selects 44.1 kHz joint stereo, 16 blocks, 8 subbands
	// and loudness allocation.
	sbcConfiguration = []byte{0x21, 0x15, 0x02, 0x35}
)

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "adapters",
			Usage:  "List available adapters.",
			Action: withApp(listAdapters),
		},
		{
			Name:      "power",
			Usage:     "Power the adapter on or off.",
			ArgsUsage: "<on|off>",
			Action:    withApp(setPowered),
		},
		{
			Name:      "discoverable",
			Usage:     "Make the adapter discoverable or hidden.",
			ArgsUsage: "<on|off>",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "timeout",
					Usage: "Hide the adapter again after this duration.",
				},
			},
			Action: withApp(setDiscoverable),
		},
		{
			Name:      "pair",
			Usage:     "Pair with a device.",
			ArgsUsage: "<address>",
			Action:    withApp(pair),
		},
		{
			Name:      "unpair",
			Usage:     "Remove the pairing with a device.",
			ArgsUsage: "<address>",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "disconnect",
					Usage: "Disconnect the device as well.",
				},
			},
			Action: withApp(unpair),
		},
		{
			Name:      "disconnect",
			Usage:     "Disconnect a device.",
			ArgsUsage: "<address>",
			Action:    withApp(disconnect),
		},
		{
			Name:      "block",
			Usage:     "Block a device.",
			ArgsUsage: "<address>",
			Action:    withApp(block),
		},
		{
			Name:      "unblock",
			Usage:     "Unblock a device.",
			ArgsUsage: "<address>",
			Action:    withApp(unblock),
		},
		{
			Name:      "probe",
			Usage:     "List the stream end points of a device.",
			ArgsUsage: "<address>",
			Action:    withApp(probe),
		},
		{
			Name:      "connect",
			Usage:     "Open an SBC audio stream to a device, until interrupted.",
			ArgsUsage: "<address>",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "start",
					Usage: "Start streaming once the stream is open.",
				},
			},
			Action: withApp(connect),
		},
		{
			Name:   "keys",
			Usage:  "List the stored pairing keys of the adapter.",
			Action: withApp(listKeys),
		},
		{
			Name:   "monitor",
			Usage:  "Print adapter, device and stream events, until interrupted.",
			Action: withApp(monitor),
		},
	}
}

// withApp runs fn with a started session, and stops the session afterwards.
func withApp(fn func(*cli.Context, *app) error) cli.ActionFunc {
	return func(cliCtx *cli.Context) error {
		a, err := start(cliCtx)
		if err != nil {
			return err
		}
		defer a.stop()

		return fn(cliCtx, a)
	}
}

// serve registers an SBC sink and source, and accepts remote streams until interrupted.
func serve(cliCtx *cli.Context) error {
	return withApp(func(cliCtx *cli.Context, a *app) error {
		for _, typ := range []avdtp.SEPType{avdtp.SEPSink, avdtp.SEPSource} {
			sep, err := a.s.RegisterSEP(cliCtx.Context, sbcEndpoint(typ))
			if err != nil {
				return err
			}

			printInfo(fmt.Sprintf("Registered SBC %s end point %d", strings.ToLower(typ.String()), sep.SEID))
		}

		return monitor(cliCtx, a)
	})(cliCtx)
}

func listAdapters(_ *cli.Context, a *app) error {
	t := newTable("name", "unique name", "address", "powered", "discoverable", "pairable", "discovering")
	for _, adapter := range a.s.Adapters() {
		t.add(
			adapter.Name, adapter.UniqueName, adapter.Address.String(),
			yesNo(adapter.Powered), yesNo(adapter.Discoverable),
			yesNo(adapter.Pairable), yesNo(adapter.Discovering),
		)
	}

	t.write(os.Stdout)

	return nil
}

func setPowered(cliCtx *cli.Context, a *app) error {
	on, err := stateArg(cliCtx)
	if err != nil {
		return err
	}

	settings, err := a.s.SetPowered(cliCtx.Context, a.adapter().Index, on)
	if err != nil {
		return err
	}

	printInfo("Settings: " + settings.String())

	return nil
}

func setDiscoverable(cliCtx *cli.Context, a *app) error {
	on, err := stateArg(cliCtx)
	if err != nil {
		return err
	}

	settings, err := a.s.SetDiscoverable(cliCtx.Context, a.adapter().Index, on, cliCtx.Duration("timeout"))
	if err != nil {
		return err
	}

	printInfo("Settings: " + settings.String())

	return nil
}

func pair(cliCtx *cli.Context, a *app) error {
	addr, err := addressArg(cliCtx)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cliCtx.Context)
	defer cancel()

	var bonding mgmt.BondingComplete
	err = spin(fmt.Sprintf("Pairing with %s", addr), func() error {
		bonding, err = a.s.Pair(ctx, a.adapter().Index, bluetooth.Address{MacAddress: addr})
		return err
	})
	if err != nil {
		return ignoreCanceled(err)
	}

	printInfo(fmt.Sprintf("Paired with %s (%s)", bonding.Address.MacAddress, bonding.Status))

	return nil
}

func unpair(cliCtx *cli.Context, a *app) error {
	addr, err := addressArg(cliCtx)
	if err != nil {
		return err
	}

	return a.s.Unpair(cliCtx.Context, a.adapter().Index, bluetooth.Address{MacAddress: addr}, cliCtx.Bool("disconnect"))
}

func disconnect(cliCtx *cli.Context, a *app) error {
	addr, err := addressArg(cliCtx)
	if err != nil {
		return err
	}

	return a.s.Disconnect(cliCtx.Context, a.adapter().Index, bluetooth.Address{MacAddress: addr})
}

func block(cliCtx *cli.Context, a *app) error {
	addr, err := addressArg(cliCtx)
	if err != nil {
		return err
	}

	return a.s.Block(cliCtx.Context, a.adapter().Index, bluetooth.Address{MacAddress: addr})
}

func unblock(cliCtx *cli.Context, a *app) error {
	addr, err := addressArg(cliCtx)
	if err != nil {
		return err
	}

	return a.s.Unblock(cliCtx.Context, a.adapter().Index, bluetooth.Address{MacAddress: addr})
}

func probe(cliCtx *cli.Context, a *app) error {
	addr, err := addressArg(cliCtx)
	if err != nil {
		return err
	}

	var seps []avdtp.RemoteSEP
	err = spin(fmt.Sprintf("Probing %s", addr), func() error {
		seps, err = a.s.Probe(cliCtx.Context, a.adapter().Address, addr)
		return err
	})
	if err != nil {
		return err
	}

	t := newTable("seid", "type", "media", "in use", "capabilities")
	for _, sep := range seps {
		categories := make([]string, 0, len(sep.Capabilities))
		for _, c := range sep.Capabilities {
			categories = append(categories, c.Category.String())
		}

		t.add(
			strconv.Itoa(int(sep.SEID)), sep.Type.String(), sep.MediaType.String(),
			yesNo(sep.InUse), strings.Join(categories, ", "),
		)
	}

	t.write(os.Stdout)

	return nil
}

func connect(cliCtx *cli.Context, a *app) error {
	addr, err := addressArg(cliCtx)
	if err != nil {
		return err
	}

	local := a.adapter().Address

	source, err := a.s.RegisterSEP(cliCtx.Context, sbcEndpoint(avdtp.SEPSource))
	if err != nil {
		return err
	}

	seps, err := a.s.Probe(cliCtx.Context, local, addr)
	if err != nil {
		return err
	}

	sink, ok := findSBCSink(seps)
	if !ok {
		return fmt.Errorf("%s has no free SBC sink: %w", addr, errorkinds.ErrSEPNotFound)
	}

	caps := avdtp.Capabilities{
		{Category: avdtp.CategoryMediaTransport},
		avdtp.MediaCodec(avdtp.MediaAudio, codecSBC, sbcConfiguration),
	}

	st, err := a.s.OpenStream(cliCtx.Context, local, addr, source, sink, caps)
	if err != nil {
		return err
	}

	printInfo(fmt.Sprintf("Stream %d:%d to %s is open", source.SEID, sink.SEID, addr))

	if cliCtx.Bool("start") {
		if _, err := a.s.StartStream(cliCtx.Context, st); err != nil {
			return err
		}

		printInfo("Streaming")
	}

	err = monitor(cliCtx, a)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Values.Engine.RequestTimeout+a.cfg.Values.Engine.AbortTimeout)
	defer cancel()

	if _, cerr := a.s.CloseStream(ctx, st); cerr != nil {
		_, _ = a.s.AbortStream(ctx, st)
	}

	return err
}

func listKeys(_ *cli.Context, a *app) error {
	path := a.cfg.Values.Engine.KeyStorePath
	if path == "" {
		return fmt.Errorf("no key store is configured")
	}

	keys, err := keystore.OpenFile(path)
	if err != nil {
		return err
	}

	adapter := a.adapter().Address

	links, err := keys.LinkKeys(adapter)
	if err != nil {
		return err
	}

	ltks, err := keys.LongTermKeys(adapter)
	if err != nil {
		return err
	}

	t := newTable("device", "kind", "type")
	for _, k := range links {
		t.add(k.Device.MacAddress.String(), "link key", strconv.Itoa(int(k.Type)))
	}
	for _, k := range ltks {
		t.add(k.Device.MacAddress.String(), "long term key", "authenticated "+yesNo(k.Authenticated != 0))
	}

	t.write(os.Stdout)

	return nil
}

// monitor prints the session events until interrupted or the session stops.
func monitor(cliCtx *cli.Context, a *app) error {
	ctx, cancel := signalContext(cliCtx.Context)
	defer cancel()

	bus := a.s.Bus()

	adapters, _ := bluetooth.AdapterEvents(bus).Subscribe()
	defer adapters.Unsubscribe()

	devices, _ := bluetooth.DeviceEvents(bus).Subscribe()
	defer devices.Unsubscribe()

	streams, _ := bluetooth.StreamEvents(bus).Subscribe()
	defer streams.Unsubscribe()

	errs, _ := bluetooth.ErrorEvents(bus).Subscribe()
	defer errs.Unsubscribe()

	stopped := make(chan error, 1)
	go func() { stopped <- a.s.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return ignoreCanceled(ctx.Err())

		case err := <-stopped:
			return err

		case ev := <-adapters.AddedEvents:
			printInfo(fmt.Sprintf("Adapter %s (%s) added", ev.UniqueName, ev.Address))

		case ev := <-adapters.UpdatedEvents:
			printInfo(fmt.Sprintf(
				"Adapter %s: powered %s, discoverable %s, discovering %s",
				ev.Address, yesNo(ev.Powered), yesNo(ev.Discoverable), yesNo(ev.Discovering),
			))

		case ev := <-adapters.RemovedEvents:
			printInfo(fmt.Sprintf("Adapter %s removed", ev.Address))

		case ev := <-devices.AddedEvents:
			printInfo(fmt.Sprintf("Device %s connected", ev.Address))

		case ev := <-devices.UpdatedEvents:
			printInfo(fmt.Sprintf("Device %s: bonded %s, blocked %s", ev.Address, yesNo(ev.Bonded), yesNo(ev.Blocked)))

		case ev := <-devices.RemovedEvents:
			printInfo(fmt.Sprintf("Device %s disconnected", ev.Address))

		case ev := <-streams.UpdatedEvents:
			message := fmt.Sprintf(
				"Stream %d:%d with %s: %s to %s",
				ev.LocalSEID, ev.RemoteSEID, ev.Device, stateName(ev.OldState), stateName(ev.NewState),
			)
			if ev.Error != "" {
				printWarn(message + " (" + ev.Error + ")")
				continue
			}

			printInfo(message)

		case ev := <-errs.AddedEvents:
			printError(ev)
		}
	}
}

func sbcEndpoint(typ avdtp.SEPType) avdtp.SEPConfig {
	return avdtp.SEPConfig{
		Type:      typ,
		MediaType: avdtp.MediaAudio,
		CodecType: codecSBC,
		Capabilities: avdtp.Capabilities{
			avdtp.MediaCodec(avdtp.MediaAudio, codecSBC, sbcCapabilities),
		},
	}
}

func findSBCSink(seps []avdtp.RemoteSEP) (avdtp.RemoteSEP, bool) {
	for _, sep := range seps {
		if sep.Type != avdtp.SEPSink || sep.MediaType != avdtp.MediaAudio || sep.InUse {
			continue
		}

		if codec, ok := sep.Capabilities.Get(avdtp.CategoryMediaCodec); ok && codec.CodecType() == codecSBC {
			return sep, true
		}
	}

	return avdtp.RemoteSEP{}, false
}

// spin shows a spinner on the terminal while fn runs.
func spin(description string, fn func() error) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return

			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	err := fn()
	close(done)
	_ = bar.Finish()

	return err
}

func stateArg(cliCtx *cli.Context) (bool, error) {
	switch strings.ToLower(cliCtx.Args().First()) {
	case "on", "yes", "y":
		return true, nil

	case "off", "no", "n":
		return false, nil
	}

	return false, fmt.Errorf("expected 'on' or 'off': %w", errorkinds.ErrInvalidParameters)
}

func addressArg(cliCtx *cli.Context) (bluetooth.MacAddress, error) {
	if cliCtx.NArg() != 1 {
		return bluetooth.MacAddress{}, fmt.Errorf("expected one device address: %w", errorkinds.ErrInvalidParameters)
	}

	return bluetooth.ParseMAC(cliCtx.Args().First())
}
