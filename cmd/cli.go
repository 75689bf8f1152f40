package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/config"
	"github.com/darkhz/bluestream/internal/logger"
	"github.com/darkhz/bluestream/session"
)

// These values are set at compile-time.
var (
	Version  = ""
	Revision = ""
)

const startTimeout = 10 * time.Second

// Run runs the commandline application.
func Run() error {
	return newApp().Run(os.Args)
}

// newApp returns a new commandline application.
func newApp() *cli.App {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Fprintf(cCtx.App.Writer, "%s (%s)\n", Version, Revision)
	}

	return &cli.App{
		Name:                   "bluestream",
		Usage:                  "Bluetooth audio stream manager.",
		Version:                Version + " (" + Revision + ")",
		Description:            "Manage Bluetooth adapters, pairings and AVDTP audio streams from the terminal.",
		Copyright:              "(c) bluestream authors.",
		Compiled:               time.Now(),
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Suggest:                true,
		Flags:                  globalFlags(),
		Commands:               commands(),
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.Bool("generate") {
				return nil
			}

			return serve(cliCtx)
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "adapter",
			Aliases: []string{"a"},
			EnvVars: []string{"BLUESTREAM_ADAPTER"},
			Usage:   "Specify an adapter to use. (For example, hci0)",
		},
		&cli.StringFlag{
			Name:    "adapter-states",
			Aliases: []string{"s"},
			EnvVars: []string{"BLUESTREAM_ADAPTER_STATES"},
			Usage:   "Specify adapter states to enable/disable. (For example, 'powered:yes,discoverable:yes,pairable:yes,scan:no')",
		},
		&cli.StringFlag{
			Name:    "key-store",
			Aliases: []string{"k"},
			EnvVars: []string{"BLUESTREAM_KEY_STORE"},
			Usage:   "Specify the file to store pairing keys in.",
		},
		&cli.StringFlag{
			Name:    "auth-timeout",
			EnvVars: []string{"BLUESTREAM_AUTH_TIMEOUT"},
			Usage:   "Specify how long to wait for a pairing answer. (For example, '30s')",
		},
		&cli.StringFlag{
			Name:    "request-timeout",
			EnvVars: []string{"BLUESTREAM_REQUEST_TIMEOUT"},
			Usage:   "Specify how long to wait for a signaling response.",
		},
		&cli.StringFlag{
			Name:    "abort-timeout",
			EnvVars: []string{"BLUESTREAM_ABORT_TIMEOUT"},
			Usage:   "Specify how long to wait for an abort response.",
		},
		&cli.StringFlag{
			Name:    "disconnect-delay",
			EnvVars: []string{"BLUESTREAM_DISCONNECT_DELAY"},
			Usage:   "Specify how long an unused signaling session is kept open.",
		},
		&cli.BoolFlag{
			Name:    "no-auto-disconnect",
			EnvVars: []string{"BLUESTREAM_NO_AUTO_DISCONNECT"},
			Usage:   "Keep unused signaling sessions open.",
		},
		&cli.BoolFlag{
			Name:    "auto-power-on",
			Aliases: []string{"p"},
			EnvVars: []string{"BLUESTREAM_AUTO_POWER_ON"},
			Usage:   "Power on adapters as they are added.",
		},
		&cli.StringFlag{
			Name:    "power-strategy",
			EnvVars: []string{"BLUESTREAM_POWER_STRATEGY"},
			Usage:   "Specify when adapters are powered on. ('immediate' or 'delayed')",
		},
		&cli.StringFlag{
			Name:    "power-delay",
			EnvVars: []string{"BLUESTREAM_POWER_DELAY"},
			Usage:   "Specify the power on delay of the 'delayed' strategy.",
		},
		&cli.StringFlag{
			Name:    "auto-accept-delay",
			EnvVars: []string{"BLUESTREAM_AUTO_ACCEPT_DELAY"},
			Usage:   "Specify the delay before a confirmation hint is accepted.",
		},
		&cli.StringFlag{
			Name:    "io-capability",
			EnvVars: []string{"BLUESTREAM_IO_CAPABILITY"},
			Usage:   "Specify the pairing IO capability. (For example, 'keyboard-display')",
		},
		&cli.IntFlag{
			Name:    "signal-mtu",
			EnvVars: []string{"BLUESTREAM_SIGNAL_MTU"},
			Usage:   "Specify the signaling channel MTU.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"v"},
			EnvVars: []string{"BLUESTREAM_LOG_LEVEL"},
			Usage:   "Specify the log level. ('debug', 'info', 'warn', 'error')",
		},
		&cli.BoolFlag{
			Name:    "no-warning",
			Aliases: []string{"w"},
			EnvVars: []string{"BLUESTREAM_NO_WARNING"},
			Usage:   "Do not display warnings when the application has initialized.",
		},
		&cli.BoolFlag{
			Name:    "generate",
			Aliases: []string{"g"},
			Usage:   "Generate configuration.",
			Action: func(cliCtx *cli.Context, _ bool) error {
				k := koanf.New(".")

				cliCtx.Command.Name = "global"

				conf := config.NewConfig()
				if err := conf.Load(k, cliCtx); err != nil {
					return err
				}

				return conf.GenerateAndSave(k)
			},
		},
	}
}

// app holds a started session and its configuration.
type app struct {
	cfg *config.Config
	log *logger.Logger
	s   *session.Session
}

// start loads the configuration and starts a session on the selected adapter.
func start(cliCtx *cli.Context) (*app, error) {
	root := rootContext(cliCtx)

	// required for koanf to merge all global flags under the root namespace.
	root.Command.Name = "global"

	k, cfg := koanf.New("."), config.NewConfig()
	if err := cfg.Load(k, root); err != nil {
		return nil, err
	}
	if err := cfg.ValidateValues(); err != nil {
		return nil, err
	}

	log := logger.New("bluestream")
	if cfg.Values.LogLevel != "" {
		if err := log.SetVerbosity(cfg.Values.LogLevel); err != nil {
			return nil, err
		}
	}

	s, err := session.NewLinux(session.Options{
		Config: cfg.Values.Engine,
		Log:    log.Logger,
		Agent:  newTerminalAgent(os.Stdin, os.Stdout),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cliCtx.Context, startTimeout)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, s: s}
	if err := cfg.ValidateSessionValues(s); err != nil {
		a.stop()
		return nil, err
	}

	if err := a.applyAdapterStates(cliCtx.Context); err != nil {
		a.stop()
		return nil, err
	}

	a.warnUnpowered()

	return a, nil
}

func (a *app) stop() {
	if err := a.s.Stop(); err != nil {
		a.log.Error(err, "Session did not stop cleanly")
	}

	a.log.Flush()
}

// adapter returns the selected adapter, with its current properties.
func (a *app) adapter() bluetooth.AdapterData {
	selected := *a.cfg.Values.SelectedAdapter
	if current, err := a.s.Adapter(selected.Address); err == nil {
		return current
	}

	return selected
}

// applyAdapterStates toggles the adapter states given on the command line, in order.
func (a *app) applyAdapterStates(ctx context.Context) error {
	states := a.cfg.Values.AdapterStatesMap
	if len(states) == 0 {
		return nil
	}

	index := a.adapter().Index

	for _, property := range strings.Split(states["sequence"], ",") {
		on := states[property] == "yes"

		var err error
		switch property {
		case "powered":
			_, err = a.s.SetPowered(ctx, index, on)

		case "discoverable":
			_, err = a.s.SetDiscoverable(ctx, index, on, 0)

		case "pairable":
			_, err = a.s.SetBondable(ctx, index, on)

		case "connectable":
			_, err = a.s.SetConnectable(ctx, index, on)

		case "scan":
			if on {
				err = a.s.StartDiscovery(ctx, index, discoveryTypes)
			} else {
				err = a.s.StopDiscovery(ctx, index, discoveryTypes)
			}
		}

		if err != nil {
			return fmt.Errorf("cannot set adapter state '%s': %w", property, err)
		}
	}

	return nil
}

// warnUnpowered warns if the selected adapter cannot be used yet.
func (a *app) warnUnpowered() {
	if a.cfg.Values.NoWarning {
		return
	}

	if adapter := a.adapter(); !adapter.Powered {
		printWarn(fmt.Sprintf("The adapter %s is not powered on", adapter.UniqueName))
	}
}

// rootContext returns the context of the application's root command, which holds the global flags.
func rootContext(cliCtx *cli.Context) *cli.Context {
	lineage := cliCtx.Lineage()
	for i := len(lineage) - 1; i >= 0; i-- {
		if lineage[i].Command != nil {
			return lineage[i]
		}
	}

	return cliCtx
}

// signalContext returns a context that is cancelled on an interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ignoreCanceled treats an interrupt as a normal exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
