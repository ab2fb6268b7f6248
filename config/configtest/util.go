// Package configtest provides helpers to create server and client configs for tests
package configtest

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"heckel.io/rpipe/config"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/test"
)

// NewTestServerConfig returns a server config listening on a free local HTTP port, with short
// intervals suitable for tests
func NewTestServerConfig(t *testing.T) *config.Config {
	conf := config.New()
	port := test.FreePort(t)
	conf.ListenHTTP = "127.0.0.1:" + port
	conf.ServerAddr = "http://127.0.0.1:" + port
	conf.URL = conf.ServerAddr
	conf.ManagerInterval = time.Hour
	conf.WaitMax = 2 * time.Second
	conf.Wait = 500 * time.Millisecond
	conf.Timeout = 5 * time.Second
	conf.IdleTimeout = 2 * time.Second
	conf.Retries = 3
	return conf
}

// NewTestServerConfigWithTLS is like NewTestServerConfig, but the server listens on HTTPS only, with a
// freshly generated self-signed certificate
func NewTestServerConfigWithTLS(t *testing.T) *config.Config {
	conf := NewTestServerConfig(t)
	key, cert, err := crypto.GenerateKeyAndCert("localhost")
	if err != nil {
		t.Fatal(err)
	}
	tempDir := t.TempDir()
	keyFile := filepath.Join(tempDir, "server.key")
	if err := os.WriteFile(keyFile, []byte(key), 0600); err != nil {
		t.Fatal(err)
	}
	certFile := filepath.Join(tempDir, "server.crt")
	if err := os.WriteFile(certFile, []byte(cert), 0600); err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(conf.ListenHTTP)
	conf.ListenHTTPS = conf.ListenHTTP
	conf.ListenHTTP = ""
	conf.ServerAddr = "https://localhost:" + port
	conf.URL = conf.ServerAddr
	conf.KeyFile = keyFile
	conf.CertFile = certFile
	return conf
}
