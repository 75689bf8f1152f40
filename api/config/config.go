package config

import (
	"fmt"
	"time"

	"github.com/darkhz/bluestream/api/errorkinds"
)

const (
	// DefaultAuthTimeout is the default timeout duration for authentication requests.
	DefaultAuthTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds the wait for a signaling response.
	DefaultRequestTimeout = 6 * time.Second

	// DefaultAbortTimeout bounds the wait for an abort acknowledgement,
	// after which the stream is forced to idle locally.
	DefaultAbortTimeout = 2 * time.Second

	// DefaultDisconnectDelay is how long an unused session is kept before
	// its signaling channel is closed.
	DefaultDisconnectDelay = 1 * time.Second

	// DefaultPowerDelay is the completion delay used by the delayed power strategy.
	DefaultPowerDelay = 2 * time.Second

	// DefaultAutoAcceptDelay is how long a just-works confirmation waits for
	// an explicit answer before it is accepted automatically.
	DefaultAutoAcceptDelay = 1 * time.Second

	// DefaultSignalMTU is the L2CAP MTU assumed for the signaling channel.
	DefaultSignalMTU = 672
)

// PowerStrategy names a power transition strategy.
type PowerStrategy string

// The available power strategies.
const (
	PowerImmediate PowerStrategy = "immediate"
	PowerDelayed   PowerStrategy = "delayed"
)

// IOCapability describes the pairing input/output capability of the host.
type IOCapability uint8

// The pairing IO capabilities, as numbered on the management channel.
const (
	IODisplayOnly     IOCapability = 0x00
	IODisplayYesNo    IOCapability = 0x01
	IOKeyboardOnly    IOCapability = 0x02
	IONoInputNoOutput IOCapability = 0x03
	IOKeyboardDisplay IOCapability = 0x04
)

// Configuration describes the engine configuration.
type Configuration struct {
	// KeyStorePath holds the path of the file that persists link keys.
	// If empty, keys are kept in memory only.
	KeyStorePath string

	// AuthTimeout holds the timeout for authentication requests.
	AuthTimeout time.Duration

	// RequestTimeout holds the timeout for a signaling response.
	RequestTimeout time.Duration

	// AbortTimeout holds the secondary timeout after which an abort converges locally.
	AbortTimeout time.Duration

	// DisconnectDelay holds the delay before an unused session is torn down.
	DisconnectDelay time.Duration

	// AutoDisconnect controls whether unused sessions are torn down automatically.
	AutoDisconnect bool

	// AutoPowerOn powers every controller on when it is first seen.
	AutoPowerOn bool

	// PowerStrategy selects how power transitions complete.
	PowerStrategy PowerStrategy

	// PowerDelay holds the completion delay of the delayed power strategy.
	PowerDelay time.Duration

	// AutoAcceptDelay holds the auto-accept delay of just-works confirmations.
	AutoAcceptDelay time.Duration

	// IOCapability holds the IO capability used when pairing.
	IOCapability IOCapability

	// SignalMTU holds the signaling channel MTU used for fragmentation.
	SignalMTU int
}

// New returns a new configuration with the default values.
func New() Configuration {
	return Configuration{
		AuthTimeout:     DefaultAuthTimeout,
		RequestTimeout:  DefaultRequestTimeout,
		AbortTimeout:    DefaultAbortTimeout,
		DisconnectDelay: DefaultDisconnectDelay,
		AutoDisconnect:  true,
		PowerStrategy:   PowerImmediate,
		PowerDelay:      DefaultPowerDelay,
		AutoAcceptDelay: DefaultAutoAcceptDelay,
		IOCapability:    IONoInputNoOutput,
		SignalMTU:       DefaultSignalMTU,
	}
}

// Validate checks that the configuration values are usable.
func (c Configuration) Validate() error {
	for name, d := range map[string]time.Duration{
		"auth timeout":      c.AuthTimeout,
		"request timeout":   c.RequestTimeout,
		"abort timeout":     c.AbortTimeout,
		"disconnect delay":  c.DisconnectDelay,
		"power delay":       c.PowerDelay,
		"auto-accept delay": c.AutoAcceptDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative: %w", name, errorkinds.ErrInvalidParameters)
		}
	}

	if c.RequestTimeout == 0 || c.AbortTimeout == 0 {
		return fmt.Errorf("signaling timeouts must be set: %w", errorkinds.ErrInvalidParameters)
	}

	switch c.PowerStrategy {
	case PowerImmediate, PowerDelayed:
	default:
		return fmt.Errorf("unknown power strategy %q: %w", c.PowerStrategy, errorkinds.ErrInvalidParameters)
	}

	if c.IOCapability > IOKeyboardDisplay {
		return fmt.Errorf("unknown IO capability %d: %w", c.IOCapability, errorkinds.ErrInvalidParameters)
	}

	// 48 bytes is the minimum signaling MTU.
	if c.SignalMTU < 48 {
		return fmt.Errorf("signaling MTU %d is too small: %w", c.SignalMTU, errorkinds.ErrInvalidParameters)
	}

	return nil
}
