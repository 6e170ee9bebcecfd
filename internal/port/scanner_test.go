package port

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPortAvailable_FreePort(t *testing.T) {
	scanner := NewScanner()

	freePort, err := scanner.FindAvailablePort(50000, 50100, "tcp")
	require.NoError(t, err, "should find at least one free port in 50000-50100")

	assert.True(t, scanner.IsPortAvailable(freePort, "tcp"), "port %d should be available", freePort)
}

// TestIsPortAvailable_UsedPort simulates a host process (for example a
// Postgres that is not managed by tenantbox) holding a port.
func TestIsPortAvailable_UsedPort(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "failed to start test listener")
	defer func() { _ = listener.Close() }()

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)

	assert.False(t, NewScanner().IsPortAvailable(tcpAddr.Port, "tcp"))
}

func TestIsPortAvailable_UDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err, "failed to start test UDP listener")
	defer func() { _ = conn.Close() }()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)

	assert.False(t, NewScanner().IsPortAvailable(udpAddr.Port, "udp"))
}

func TestIsPortAvailable_InvalidInput(t *testing.T) {
	scanner := NewScanner()
	assert.False(t, scanner.IsPortAvailable(50000, "sctp"), "unknown protocol should fail safe")
	assert.False(t, scanner.IsPortAvailable(0, "tcp"))
	assert.False(t, scanner.IsPortAvailable(70000, "tcp"))
}

func TestNewScannerOn_Loopback(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	port := listener.Addr().(*net.TCPAddr).Port

	assert.False(t, NewScannerOn("127.0.0.1").IsPortAvailable(port, "tcp"))
}

// TestFindAvailablePort_NoneAvailable occupies a tiny range and checks that
// the scan reports failure.
func TestFindAvailablePort_NoneAvailable(t *testing.T) {
	scanner := NewScanner()

	basePort, err := scanner.FindAvailablePort(51000, 51100, "tcp")
	require.NoError(t, err)

	listeners := make([]net.Listener, 0, 3)
	actualEnd := basePort
	for i := 0; i < 3; i++ {
		ln, listenErr := net.Listen("tcp", fmt.Sprintf(":%d", basePort+i))
		if listenErr != nil {
			if i == 0 {
				t.Skip("could not bind base port, skipping")
			}
			break
		}
		listeners = append(listeners, ln)
		actualEnd = basePort + i
	}
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()

	_, err = scanner.FindAvailablePort(basePort, actualEnd, "tcp")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no available")
}

func TestGetUsedPorts(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	port := listener.Addr().(*net.TCPAddr).Port

	assert.Contains(t, NewScanner().GetUsedPorts(port, port), port)
}
