package port

import (
	"fmt"
	"net"
)

// Scanner checks whether specific ports are available on the host machine.
//
// It asks the operating system's network stack directly (net.Listen /
// net.ListenPacket) rather than parsing /proc/net/* or shelling out to
// `ss`, which may need elevated permissions.
type Scanner struct {
	// bindHost is the address probed; empty means all interfaces, which is
	// where Docker publishes container ports by default.
	bindHost string
}

// NewScanner creates a Scanner probing all interfaces.
func NewScanner() *Scanner {
	return &Scanner{}
}

// NewScannerOn creates a Scanner probing a single bind address, for hosts
// where tenant ports are published on a specific interface.
func NewScannerOn(host string) *Scanner {
	return &Scanner{bindHost: host}
}

// IsPortAvailable reports whether port is free for the given protocol
// ("tcp" or "udp"). The probe listener is closed immediately.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	if port < 1 || port > 65535 {
		return false
	}
	addr := net.JoinHostPort(s.bindHost, fmt.Sprint(port))

	switch protocol {
	case "tcp":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = listener.Close() }()
		return true

	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = conn.Close() }()
		return true

	default:
		// Unknown protocol: fail safe.
		return false
	}
}

// FindAvailablePort returns the first port in [startPort, endPort] that is
// free for protocol.
func (s *Scanner) FindAvailablePort(startPort, endPort int, protocol string) (int, error) {
	for port := startPort; port <= endPort; port++ {
		if s.IsPortAvailable(port, protocol) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available %s port found in range %d-%d", protocol, startPort, endPort)
}

// GetUsedPorts returns the TCP ports in [startPort, endPort] that are
// currently bound on the host. `tenantbox ports` uses it to show which
// ports of the tenant range are busy, whether or not a tenant owns them.
func (s *Scanner) GetUsedPorts(startPort, endPort int) []int {
	var used []int
	for port := startPort; port <= endPort; port++ {
		if !s.IsPortAvailable(port, "tcp") {
			used = append(used, port)
		}
	}
	return used
}
