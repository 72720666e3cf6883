package panel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/docscan/internal/hw/gpio"
	"github.com/cjeanneret/docscan/internal/logic/workflow"
)

// recordingDriver records GPIO writes for verification.
type recordingDriver struct {
	mu      sync.Mutex
	writes  []gpio.Level
	modes   map[int]gpio.PinMode
	readErr error
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{modes: make(map[int]gpio.PinMode)}
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes[pin] = mode
	return nil
}

func (d *recordingDriver) WritePin(_ int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, level)
	return nil
}

func (d *recordingDriver) ReadPin(int) (gpio.Level, error) {
	return gpio.High, d.readErr
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) levels() []gpio.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gpio.Level(nil), d.writes...)
}

const (
	H = gpio.High
	L = gpio.Low
)

func TestButton_Debounce(t *testing.T) {
	cases := []struct {
		name    string
		samples []gpio.Level
		want    int
	}{
		{"idle", []gpio.Level{H, H, H, H, H}, 0},
		{"clean_press", []gpio.Level{H, L, L, L, L, H, H, H}, 1},
		{"bounce_too_short", []gpio.Level{H, L, H, L, L, H, H}, 0},
		{"bouncy_press", []gpio.Level{L, H, L, H, L, L, L, L, H, L, H, H, H}, 1},
		{"held_counts_once", []gpio.Level{L, L, L, L, L, L, L, L, L}, 1},
		{"two_presses", []gpio.Level{L, L, L, H, H, H, L, L, L}, 2},
		{"release_not_confirmed", []gpio.Level{L, L, L, H, L, L, L}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := NewButton(newRecordingDriver(), 17, time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			got := 0
			for _, s := range tc.samples {
				if b.sample(s) {
					got++
				}
			}
			if got != tc.want {
				t.Errorf("presses = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNewButton(t *testing.T) {
	drv := newRecordingDriver()
	b, err := NewButton(drv, 17, 0)
	if err != nil {
		t.Fatal(err)
	}
	if drv.modes[17] != gpio.InputPullUp {
		t.Errorf("button mode = %v, want input-pullup", drv.modes[17])
	}
	if b.poll != DefaultPoll {
		t.Errorf("poll = %v, want %v", b.poll, DefaultPoll)
	}
	if _, err := NewButton(drv, 0, 0); err == nil {
		t.Error("pin 0 should be rejected")
	}
}

func TestButton_RunWithMockDriver(t *testing.T) {
	drv := gpio.NewMockDriver()
	b, err := NewButton(drv, 17, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var presses atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, func() {
			presses.Add(1)
			// Release from inside the callback so the press is seen exactly once.
			drv.Set(17, gpio.High)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	if presses.Load() != 0 {
		t.Fatal("idle pull-up button should not trigger")
	}

	drv.Set(17, gpio.Low)
	deadline := time.Now().Add(2 * time.Second)
	for presses.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if presses.Load() != 1 {
		t.Fatalf("presses = %d, want 1", presses.Load())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestButton_RunReadError(t *testing.T) {
	drv := newRecordingDriver()
	drv.readErr = errors.New("gpiomem gone")
	b, _ := NewButton(drv, 17, time.Millisecond)
	err := b.Run(context.Background(), func() { t.Error("unexpected press") })
	if err == nil || !errors.Is(err, drv.readErr) {
		t.Errorf("Run = %v, want wrapped read error", err)
	}
}

func TestIndicator_FollowsMode(t *testing.T) {
	drv := newRecordingDriver()
	ind, err := NewIndicator(drv, 27)
	if err != nil {
		t.Fatal(err)
	}
	if drv.modes[27] != gpio.Output {
		t.Errorf("led mode = %v, want output", drv.modes[27])
	}

	job := workflow.Job{ID: "job-1"}
	for _, s := range []workflow.State{
		workflow.Saving, workflow.Uploading, workflow.Processing, workflow.Downloading,
		workflow.Opening, workflow.Cleaning, workflow.Idle,
	} {
		ind.StateChanged(job, s)
	}
	ind.JobFinished(job)

	// initial off, on at Saving, off at Opening; repeats are not written
	want := []gpio.Level{L, H, L}
	got := drv.levels()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestIndicator_Off(t *testing.T) {
	drv := gpio.NewMockDriver()
	ind, _ := NewIndicator(drv, 27)
	ind.StateChanged(workflow.Job{}, workflow.Processing)
	if drv.Level(27) != gpio.High {
		t.Fatal("led should be on while processing")
	}
	ind.Off()
	if drv.Level(27) != gpio.Low {
		t.Error("led should be off")
	}
}
