//go:build linux

package busarbiter

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// GPIOMux drives the mux-control line via the sysfs GPIO interface, the
// same export/direction/value dance internal/activity's GPIOEdgeCounter
// uses for the sense line (spec.md §4.2's "mux-control line"). Writing "1"
// selects SELF, "0" selects HOST; board wiring determines the polarity, so
// callers configure ActiveHigh to match their hardware.
type GPIOMux struct {
	pin        int
	activeHigh bool
	base       string
}

func NewGPIOMux(pin int, activeHigh bool) (*GPIOMux, error) {
	base := fmt.Sprintf("/sys/class/gpio/gpio%d", pin)
	if err := os.WriteFile("/sys/class/gpio/export", []byte(strconv.Itoa(pin)), 0o200); err != nil && !os.IsExist(err) {
		if _, statErr := os.Stat(base); statErr != nil {
			return nil, fmt.Errorf("export gpio%d: %w", pin, err)
		}
	}
	if err := os.WriteFile(base+"/direction", []byte("out"), 0o200); err != nil {
		return nil, fmt.Errorf("set gpio%d direction: %w", pin, err)
	}
	return &GPIOMux{pin: pin, activeHigh: activeHigh, base: base}, nil
}

func (m *GPIOMux) drive(self bool) error {
	level := "0"
	if self == m.activeHigh {
		level = "1"
	}
	return os.WriteFile(m.base+"/value", []byte(level), 0o200)
}

func (m *GPIOMux) DriveSelf() error { return m.drive(true) }
func (m *GPIOMux) DriveHost() error { return m.drive(false) }

// GPIOCommandLine bit-bangs the soft-reset frame on a GPIO configured as
// the storage command line (spec.md §4.2's CMD0 frame). Each bit is held
// for bitDelay before the line is toggled for the next one; bitDelay
// defaults to a conservative 10 microseconds if zero.
type GPIOCommandLine struct {
	pin      int
	base     string
	bitDelay time.Duration
}

func NewGPIOCommandLine(pin int, bitDelay time.Duration) (*GPIOCommandLine, error) {
	if bitDelay <= 0 {
		bitDelay = 10 * time.Microsecond
	}
	base := fmt.Sprintf("/sys/class/gpio/gpio%d", pin)
	if err := os.WriteFile("/sys/class/gpio/export", []byte(strconv.Itoa(pin)), 0o200); err != nil && !os.IsExist(err) {
		if _, statErr := os.Stat(base); statErr != nil {
			return nil, fmt.Errorf("export gpio%d: %w", pin, err)
		}
	}
	if err := os.WriteFile(base+"/direction", []byte("out"), 0o200); err != nil {
		return nil, fmt.Errorf("set gpio%d direction: %w", pin, err)
	}
	return &GPIOCommandLine{pin: pin, base: base, bitDelay: bitDelay}, nil
}

// ClockFrame clocks frame out one bit at a time, MSB first per byte, onto
// the command line (spec.md §4.2/glossary: the fixed 6-byte CMD0 frame
// 0x40 0x00 0x00 0x00 0x00 0x95).
func (c *GPIOCommandLine) ClockFrame(frame []byte) error {
	valuePath := c.base + "/value"
	for _, b := range frame {
		for bit := 7; bit >= 0; bit-- {
			level := "0"
			if b&(1<<uint(bit)) != 0 {
				level = "1"
			}
			if err := os.WriteFile(valuePath, []byte(level), 0o200); err != nil {
				return fmt.Errorf("clock gpio%d bit: %w", c.pin, err)
			}
			time.Sleep(c.bitDelay)
		}
	}
	return nil
}
