package mgmt

import (
	"time"

	"github.com/darkhz/bluestream/api/config"
	"github.com/darkhz/bluestream/internal/loop"
)

// PowerStrategy decides when a power transition is reported as complete
// to its caller, after the controller has acknowledged it.
type PowerStrategy interface {
	Complete(l *loop.Loop, on bool, done func())
}

// ImmediatePower completes power transitions as soon as the controller answers.
type ImmediatePower struct{}

// Complete calls done on the loop.
func (ImmediatePower) Complete(l *loop.Loop, _ bool, done func()) {
	l.Post(done)
}

// DelayedPower holds back the completion of a power-on, giving the
// controller time to settle before connections are attempted through it.
// Power-off completes immediately.
type DelayedPower struct {
	Delay time.Duration
}

// Complete calls done on the loop once the delay has elapsed.
func (d DelayedPower) Complete(l *loop.Loop, on bool, done func()) {
	if !on || d.Delay <= 0 {
		l.Post(done)
		return
	}

	l.AfterFunc(d.Delay, done)
}

// PowerFromConfig returns the strategy selected by the configuration.
func PowerFromConfig(cfg config.Configuration) PowerStrategy {
	if cfg.PowerStrategy == config.PowerDelayed {
		return DelayedPower{Delay: cfg.PowerDelay}
	}

	return ImmediatePower{}
}
