package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"heckel.io/rpipe/crypto"
)

func TestCLI_Certgen(t *testing.T) {
	dir := t.TempDir()
	keyFile, certFile := filepath.Join(dir, "server.key"), filepath.Join(dir, "server.crt")

	app, _, _, stderr := newTestApp()
	require.Nil(t, Run(app, "rpipe", "certgen", "-K", keyFile, "-C", certFile, "rpipe.example.com"))
	require.Contains(t, stderr.String(), "certificate written to")

	cert, err := crypto.LoadCertFromFile(certFile)
	require.Nil(t, err)
	require.Equal(t, []string{"rpipe.example.com"}, cert.DNSNames)
	require.FileExists(t, keyFile)

	app, _, _, _ = newTestApp()
	err = Run(app, "rpipe", "certgen", "-K", keyFile, "-C", certFile, "rpipe.example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "use --force")

	app, _, _, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "certgen", "-f", "-K", keyFile, "-C", certFile, "other.example.com"))
	cert, err = crypto.LoadCertFromFile(certFile)
	require.Nil(t, err)
	require.Equal(t, []string{"other.example.com"}, cert.DNSNames)
}

func TestCLI_CertgenMissingHostname(t *testing.T) {
	app, _, _, _ := newTestApp()
	require.Error(t, Run(app, "rpipe", "certgen"))
}
