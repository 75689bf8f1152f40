package config

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/darkhz/bluestream/api/bluetooth"
	engine "github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/session"
)

// Values describes the possible configuration values that a user can
// modify and supply to the application.
type Values struct {
	Adapter          string `koanf:"adapter"`
	AdapterStates    string `koanf:"adapter-states"`
	KeyStore         string `koanf:"key-store"`
	AuthTimeout      string `koanf:"auth-timeout"`
	RequestTimeout   string `koanf:"request-timeout"`
	AbortTimeout     string `koanf:"abort-timeout"`
	DisconnectDelay  string `koanf:"disconnect-delay"`
	NoAutoDisconnect bool   `koanf:"no-auto-disconnect"`
	AutoPowerOn      bool   `koanf:"auto-power-on"`
	PowerStrategy    string `koanf:"power-strategy"`
	PowerDelay       string `koanf:"power-delay"`
	AutoAcceptDelay  string `koanf:"auto-accept-delay"`
	IOCapability     string `koanf:"io-capability"`
	SignalMTU        int    `koanf:"signal-mtu"`
	LogLevel         string `koanf:"log-level"`
	NoWarning        bool   `koanf:"no-warning"`

	AdapterStatesMap map[string]string
	SelectedAdapter  *bluetooth.AdapterData
	Engine           engine.Configuration
}

var ioCapabilities = map[string]engine.IOCapability{
	"display-only":       engine.IODisplayOnly,
	"display-yesno":      engine.IODisplayYesNo,
	"keyboard-only":      engine.IOKeyboardOnly,
	"no-input-no-output": engine.IONoInputNoOutput,
	"keyboard-display":   engine.IOKeyboardDisplay,
}

// validateValues validates all configuration values.
func (v *Values) validateValues() error {
	v.Engine = engine.New()

	for _, validate := range []func() error{
		v.validateDurations,
		v.validatePower,
		v.validateIOCapability,
		v.validateAdapterStates,
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	v.Engine.KeyStorePath = v.KeyStore
	v.Engine.AutoDisconnect = !v.NoAutoDisconnect
	v.Engine.AutoPowerOn = v.AutoPowerOn

	if v.SignalMTU != 0 {
		v.Engine.SignalMTU = v.SignalMTU
	}

	return v.Engine.Validate()
}

// validateSessionValues validates all configuration values that require a running session.
func (v *Values) validateSessionValues(s *session.Session) error {
	return v.validateAdapter(s)
}

// validateAdapter validates if the adapter specified by the user exists in the system.
func (v *Values) validateAdapter(s *session.Session) error {
	adapters := s.Adapters()
	if len(adapters) == 0 {
		return fmt.Errorf("no adapters were found")
	}

	if v.Adapter == "" {
		v.SelectedAdapter = &adapters[0]
		return nil
	}

	for _, adapter := range adapters {
		if adapter.UniqueName == v.Adapter || adapter.Address.String() == v.Adapter {
			v.SelectedAdapter = &adapter
			return nil
		}
	}

	return fmt.Errorf("%s: The adapter does not exist", v.Adapter)
}

// validateDurations parses the timeouts and delays. Unset values keep their defaults.
func (v *Values) validateDurations() error {
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"auth-timeout", v.AuthTimeout, &v.Engine.AuthTimeout},
		{"request-timeout", v.RequestTimeout, &v.Engine.RequestTimeout},
		{"abort-timeout", v.AbortTimeout, &v.Engine.AbortTimeout},
		{"disconnect-delay", v.DisconnectDelay, &v.Engine.DisconnectDelay},
		{"power-delay", v.PowerDelay, &v.Engine.PowerDelay},
		{"auto-accept-delay", v.AutoAcceptDelay, &v.Engine.AutoAcceptDelay},
	} {
		if d.value == "" {
			continue
		}

		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("provided %s '%s' is not a duration (for example '2s' or '500ms')", d.name, d.value)
		}

		*d.dst = parsed
	}

	return nil
}

// validatePower validates the power strategy.
func (v *Values) validatePower() error {
	if v.PowerStrategy == "" {
		return nil
	}

	switch strategy := engine.PowerStrategy(strings.ToLower(v.PowerStrategy)); strategy {
	case engine.PowerImmediate, engine.PowerDelayed:
		v.Engine.PowerStrategy = strategy

	default:
		return fmt.Errorf(
			"provided power strategy '%s' is incorrect.\nValid strategies are '%s, %s'",
			v.PowerStrategy, engine.PowerImmediate, engine.PowerDelayed,
		)
	}

	return nil
}

// validateIOCapability validates the pairing IO capability, given by name or number.
func (v *Values) validateIOCapability() error {
	if v.IOCapability == "" {
		return nil
	}

	if io, ok := ioCapabilities[strings.ToLower(v.IOCapability)]; ok {
		v.Engine.IOCapability = io
		return nil
	}

	n, err := strconv.ParseUint(v.IOCapability, 10, 8)
	if err != nil || engine.IOCapability(n) > engine.IOKeyboardDisplay {
		return fmt.Errorf(
			"provided IO capability '%s' is incorrect.\nValid capabilities are '%s'",
			v.IOCapability, strings.Join(slices.Sorted(maps.Keys(ioCapabilities)), ", "),
		)
	}

	v.Engine.IOCapability = engine.IOCapability(n)

	return nil
}

// validateAdapterStates validates the adapter states to be set on application launch.
// The result is appended to the 'AdapterStatesMap' property, which includes:
//   - A 'sequence' key with a comma-separated value of states to be toggled in order.
//   - Each adapter state as subsequent keys, with values of "yes"/"no" to determine how each adapter state should be toggled.
func (v *Values) validateAdapterStates() error {
	if v.AdapterStates == "" {
		return nil
	}

	properties := make(map[string]string)
	propertyAndStates := strings.Split(v.AdapterStates, ",")

	propertyOptions := []string{
		"powered",
		"scan",
		"discoverable",
		"pairable",
		"connectable",
	}

	stateOptions := []string{
		"yes", "no",
		"y", "n",
		"on", "off",
	}

	sequence := []string{}

	for _, ps := range propertyAndStates {
		property := strings.FieldsFunc(ps, func(r rune) bool {
			return r == ' ' || r == ':'
		})
		if len(property) != 2 {
			return fmt.Errorf(
				"provided property:state format '%s' is incorrect",
				ps,
			)
		}

		if !slices.Contains(propertyOptions, property[0]) {
			return fmt.Errorf(
				"provided property '%s' is incorrect.\nValid properties are '%s'",
				property[0],
				strings.Join(propertyOptions, ", "),
			)
		}

		state := property[1]
		switch state {
		case "yes", "y", "on":
			state = "yes"

		case "no", "n", "off":
			state = "no"

		default:
			return fmt.Errorf(
				"provided state '%s' for property '%s' is incorrect.\nValid states are '%s'",
				state, property[0],
				strings.Join(stateOptions, ", "),
			)
		}

		properties[property[0]] = state
		sequence = append(sequence, property[0])
	}

	properties["sequence"] = strings.Join(sequence, ",")
	v.AdapterStatesMap = properties

	return nil
}
