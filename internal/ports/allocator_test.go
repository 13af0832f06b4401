package ports

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestAllocate_ReturnsBindablePort(t *testing.T) {
	a := Allocator{Window: 100}

	port, err := a.Allocate(20000)
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}

	if port < 20000 || port >= 20100 {
		t.Errorf("Expected port in [20000,20100), got %d", port)
	}

	// The returned port must actually be bindable.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("Returned port %d not bindable: %v", port, err)
	}
	ln.Close()
}

func TestAllocate_SkipsTakenPort(t *testing.T) {
	a := Allocator{Window: 100}

	first, err := a.Allocate(21000)
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}

	// Hold the first port and allocate again from the same start.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", first))
	if err != nil {
		t.Fatalf("Failed to hold port %d: %v", first, err)
	}
	defer ln.Close()

	second, err := a.Allocate(first)
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	if second == first {
		t.Errorf("Expected a different port than held port %d", first)
	}
	if second < first {
		t.Errorf("Expected scan to move upward from %d, got %d", first, second)
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	a := Allocator{Window: 2}

	base, err := a.Allocate(22000)
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}

	// Occupy the whole window.
	var held []net.Listener
	for port := base; port < base+2; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			t.Skipf("Port %d taken by another process, skipping", port)
		}
		held = append(held, ln)
	}
	defer func() {
		for _, ln := range held {
			ln.Close()
		}
	}()

	_, err = Allocator{Window: 2}.Allocate(base)
	if err == nil {
		t.Fatal("Expected error when window is exhausted")
	}
	if !errors.Is(err, ErrPortExhausted) {
		t.Errorf("Expected ErrPortExhausted, got %v", err)
	}
}

func TestAllocate_DefaultWindow(t *testing.T) {
	port, err := Allocator{}.Allocate(23000)
	if err != nil {
		t.Fatalf("Allocate() with zero window failed: %v", err)
	}
	if port < 23000 || port >= 23000+DefaultWindow {
		t.Errorf("Expected port within default window, got %d", port)
	}
}
