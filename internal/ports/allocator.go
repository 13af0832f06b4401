// Package ports finds free local TCP ports for child process endpoints.
package ports

import (
	"errors"
	"fmt"
	"net"
)

// ErrPortExhausted is returned when no free port exists in the scan window.
var ErrPortExhausted = errors.New("no free port in window")

// DefaultWindow is the number of consecutive ports scanned before giving up.
const DefaultWindow = 100

// Allocator scans upward from a starting port for one that can be bound.
// It is stateless and safe for concurrent callers; the returned port is
// released again before returning, so the eventual consumer must bind it
// promptly (a brief release/rebind race is tolerated by the consumer
// retrying its bind once).
type Allocator struct {
	// Window bounds the scan. Zero means DefaultWindow.
	Window int
}

// Allocate returns the first port at or above start that accepts an
// exclusive bind, or ErrPortExhausted if the whole window is taken.
func (a Allocator) Allocate(start int) (int, error) {
	window := a.Window
	if window <= 0 {
		window = DefaultWindow
	}

	for port := start; port < start+window; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}

	return 0, fmt.Errorf("%w: scanned %d-%d", ErrPortExhausted, start, start+window-1)
}
