package test

import (
	"math/rand"
	"net"
	"strconv"
	"testing"
	"time"
)

// RandomBytes returns n pseudo-random bytes. The output is deterministic for a given seed.
func RandomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// FreePort asks the kernel for a free TCP port and returns it
func FreePort(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	return strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)
}

// WaitForPortUp waits up to 5s for a port to come up and fails t if that fails
func WaitForPortUp(t *testing.T, port string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		conn, _ := net.DialTimeout("tcp", net.JoinHostPort("localhost", port), 50*time.Millisecond)
		if conn != nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Failed waiting for port %s to be UP", port)
}

// WaitForPortDown waits up to 5s for a port to come down and fails t if that fails
func WaitForPortDown(t *testing.T, port string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		conn, _ := net.DialTimeout("tcp", net.JoinHostPort("localhost", port), 50*time.Millisecond)
		if conn == nil {
			return
		}
		conn.Close()
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Failed waiting for port %s to be DOWN", port)
}
