// Package panel drives the optional front panel: a push button that starts a
// scan and an LED lit while a job is working.
package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/docscan/internal/debug"
	"github.com/cjeanneret/docscan/internal/hw/gpio"
	"github.com/cjeanneret/docscan/internal/logic/workflow"
)

// DefaultPoll is used when the poll interval is zero.
const DefaultPoll = 20 * time.Millisecond

// stableSamples is how many identical reads make a level change count.
const stableSamples = 3

// Button is a normally-open switch between pin and ground, read with the
// internal pull-up (pressed = LOW).
type Button struct {
	gpio gpio.Driver
	pin  int
	poll time.Duration

	pressed bool
	run     int
	last    gpio.Level
}

// NewButton configures pin as a pulled-up input.
func NewButton(g gpio.Driver, pin int, poll time.Duration) (*Button, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("panel: invalid button pin %d", pin)
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	if err := g.SetupPin(pin, gpio.InputPullUp); err != nil {
		return nil, fmt.Errorf("panel: setup button pin %d: %w", pin, err)
	}
	return &Button{gpio: g, pin: pin, poll: poll, last: gpio.High}, nil
}

// Run polls the button until ctx is done and calls onPress once per press.
// onPress runs on the polling goroutine; presses made while it runs are ignored.
func (b *Button) Run(ctx context.Context, onPress func()) error {
	debug.Verbose("Panel: polling button on pin %d every %v", b.pin, b.poll)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		level, err := b.gpio.ReadPin(b.pin)
		if err != nil {
			return fmt.Errorf("panel: read button pin %d: %w", b.pin, err)
		}
		if b.sample(level) {
			debug.Live("Panel: button pressed")
			onPress()
		}
	}
}

// sample feeds one reading and reports whether it completes a debounced press.
func (b *Button) sample(level gpio.Level) bool {
	if level != b.last {
		b.last = level
		b.run = 1
	} else if b.run < stableSamples {
		b.run++
	}
	if b.run < stableSamples {
		return false
	}

	down := level == gpio.Low
	if down == b.pressed {
		return false
	}
	b.pressed = down
	return down
}

// Indicator lights an LED while a job is working. It implements workflow.Observer.
type Indicator struct {
	gpio gpio.Driver
	pin  int

	mu sync.Mutex
	on bool
}

// NewIndicator configures pin as an output, initially off.
func NewIndicator(g gpio.Driver, pin int) (*Indicator, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("panel: setup led pin %d: %w", pin, err)
	}
	if err := g.WritePin(pin, gpio.Low); err != nil {
		return nil, fmt.Errorf("panel: reset led pin %d: %w", pin, err)
	}
	return &Indicator{gpio: g, pin: pin}, nil
}

func (i *Indicator) StateChanged(_ workflow.Job, state workflow.State) {
	i.set(state.Mode() == workflow.ModeWorking)
}

func (i *Indicator) JobFinished(workflow.Job) {}

// Off turns the LED off.
func (i *Indicator) Off() {
	i.set(false)
}

func (i *Indicator) set(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if on == i.on {
		return
	}
	if err := i.gpio.WritePin(i.pin, gpio.Level(on)); err != nil {
		debug.Error(fmt.Errorf("panel: led pin %d: %w", i.pin, err))
		return
	}
	i.on = on
}
