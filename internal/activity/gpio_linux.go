//go:build linux

package activity

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// GPIOEdgeCounter implements EdgeCounter on Linux using the sysfs GPIO
// interface armed for both-edge interrupts (spec.md §4.1: "hardware
// edge-counting peripheral... both rising and falling"). A dedicated
// goroutine epolls the GPIO value file's POLLPRI events and increments an
// atomic counter; ReadAndReset swaps it to zero. There is no periodic
// digital read anywhere in this path, so activity between two Update()
// calls on the caller's side is never lost.
//
// The ~100ns glitch filter spec.md asks for is a board-level property of
// the GPIO controller's debounce configuration, not something this driver
// can emulate in software; it is configured out-of-band via the gpio chip's
// debounce attribute when present.
type GPIOEdgeCounter struct {
	pin      int
	valueFd  int
	count    uint32
	stopCh   chan struct{}
}

func NewGPIOEdgeCounter() *GPIOEdgeCounter {
	return &GPIOEdgeCounter{}
}

func (g *GPIOEdgeCounter) Begin(pin int, _ uint32) error {
	g.pin = pin
	base := fmt.Sprintf("/sys/class/gpio/gpio%d", pin)
	if err := os.WriteFile("/sys/class/gpio/export", []byte(strconv.Itoa(pin)), 0o200); err != nil && !os.IsExist(err) {
		// Already exported is fine; anything else propagates.
		if _, statErr := os.Stat(base); statErr != nil {
			return fmt.Errorf("export gpio%d: %w", pin, err)
		}
	}
	if err := os.WriteFile(base+"/direction", []byte("in"), 0o200); err != nil {
		return fmt.Errorf("set gpio%d direction: %w", pin, err)
	}
	if err := os.WriteFile(base+"/edge", []byte("both"), 0o200); err != nil {
		return fmt.Errorf("arm gpio%d both-edge interrupt: %w", pin, err)
	}

	fd, err := unix.Open(base+"/value", unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open gpio%d value: %w", pin, err)
	}
	g.valueFd = fd
	g.stopCh = make(chan struct{})
	go g.pollLoop()
	return nil
}

func (g *GPIOEdgeCounter) pollLoop() {
	buf := make([]byte, 8)
	// Clear any stale edge event queued from before we started polling.
	unix.Read(g.valueFd, buf)

	pfd := []unix.PollFd{{Fd: int32(g.valueFd), Events: unix.POLLPRI | unix.POLLERR}}
	for {
		select {
		case <-g.stopCh:
			return
		default:
		}
		n, err := unix.Poll(pfd, 250)
		if err != nil || n == 0 {
			continue
		}
		unix.Seek(g.valueFd, 0, 0)
		unix.Read(g.valueFd, buf)
		atomic.AddUint32(&g.count, 1)
	}
}

func (g *GPIOEdgeCounter) ReadAndReset() uint32 {
	return atomic.SwapUint32(&g.count, 0)
}

func (g *GPIOEdgeCounter) Close() error {
	if g.stopCh != nil {
		close(g.stopCh)
	}
	if g.valueFd != 0 {
		return unix.Close(g.valueFd)
	}
	return nil
}
