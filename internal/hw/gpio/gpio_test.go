package gpio

import (
	"fmt"
	"testing"
)

func TestMockDriver_PullUpIdlesHigh(t *testing.T) {
	m := NewMockDriver()
	if err := m.SetupPin(17, InputPullUp); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.ReadPin(17); got != High {
		t.Errorf("pull-up idle level = %v, want high", got)
	}

	m.Set(17, Low)
	if got, _ := m.ReadPin(17); got != Low {
		t.Errorf("pressed level = %v, want low", got)
	}

	// Setting up again keeps the simulated level.
	m.SetupPin(17, InputPullUp)
	if got, _ := m.ReadPin(17); got != Low {
		t.Errorf("level after re-setup = %v, want low", got)
	}
}

func TestMockDriver_WriteAndMode(t *testing.T) {
	m := NewMockDriver()
	m.SetupPin(27, Output)
	if mode, ok := m.Mode(27); !ok || mode != Output {
		t.Errorf("Mode = %v, %v", mode, ok)
	}
	if _, ok := m.Mode(5); ok {
		t.Error("unconfigured pin should have no mode")
	}
	if err := m.WritePin(27, High); err != nil {
		t.Fatal(err)
	}
	if m.Level(27) != High {
		t.Error("written level not recorded")
	}
}

func TestMockDriver_Closed(t *testing.T) {
	m := NewMockDriver()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePin(1, High); err == nil {
		t.Error("WritePin after Close should fail")
	}
	if _, err := m.ReadPin(1); err == nil {
		t.Error("ReadPin after Close should fail")
	}
	if err := m.SetupPin(1, Input); err == nil {
		t.Error("SetupPin after Close should fail")
	}
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", d)
	}
}

func TestStrings(t *testing.T) {
	cases := []struct {
		got  fmt.Stringer
		want string
	}{
		{High, "high"},
		{Low, "low"},
		{Input, "input"},
		{Output, "output"},
		{InputPullUp, "input-pullup"},
		{PinMode(9), "mode(9)"},
	}
	for _, tc := range cases {
		if s := tc.got.String(); s != tc.want {
			t.Errorf("String() = %q, want %q", s, tc.want)
		}
	}
}
