package testutil

import (
	"fmt"
	"net"
	"sync"
)

var (
	issuedPorts   = make(map[int]bool)
	issuedPortsMu sync.Mutex
)

// GetFreePort asks the kernel for an unused TCP port. A port is never handed out
// twice by the same test binary, so parallel tests do not race for it.
func GetFreePort() int {
	issuedPortsMu.Lock()
	defer issuedPortsMu.Unlock()

	for attempt := 0; attempt < 100; attempt++ {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		if !issuedPorts[port] {
			issuedPorts[port] = true
			return port
		}
	}
	panic("failed to get an unused free port after 100 attempts")
}

// GetFreeAddress returns "localhost:<port>" for a port from GetFreePort
func GetFreeAddress() string {
	return fmt.Sprintf("localhost:%d", GetFreePort())
}
