package cmd

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/config/configtest"
	"heckel.io/rpipe/server"
	"heckel.io/rpipe/test"
	"heckel.io/rpipe/util"
)

func TestMain(m *testing.M) {
	util.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestCLI_NoServerURL(t *testing.T) {
	t.Setenv(config.EnvConfigDir, t.TempDir())
	app, stdin, _, _ := newTestApp()
	stdin.WriteString("hi")
	err := Run(app, "rpipe", "send", "-c", "some-channel")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no server URL configured")
}

func TestCLI_InvalidChannel(t *testing.T) {
	conf := startTestServer(t)
	app, _, _, _ := newTestApp()
	err := Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "no/slashes")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid channel name")
}

func TestCLI_Info(t *testing.T) {
	conf := startTestServer(t)
	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "info", "-u", conf.URL))
	require.Contains(t, stdout.String(), "Frame version: 1")
	require.Contains(t, stdout.String(), "zstd")

	app, _, stdout, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "info", "-u", conf.URL, "--json"))
	require.Contains(t, stdout.String(), `"frameVersion":1`)
}

func TestCLI_EnvFile(t *testing.T) {
	t.Setenv(config.EnvConfigDir, t.TempDir())
	envFile := t.TempDir() + "/test.env"
	require.Nil(t, os.WriteFile(envFile, []byte("RPIPE_CHANNEL=from-env-file\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("RPIPE_CHANNEL") })

	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "--env-file", envFile, "config", "-u", "rpipe.example.com"))
	require.Contains(t, stdout.String(), "Channel:      from-env-file")
	require.Contains(t, stdout.String(), "URL:          https://rpipe.example.com:2581")
}

func TestCLI_EnvFileMissing(t *testing.T) {
	app, _, _, _ := newTestApp()
	require.Error(t, Run(app, "rpipe", "--env-file", "/does/not/exist.env", "config"))
}

func newTestApp() (*cli.App, *bytes.Buffer, *bytes.Buffer, *bytes.Buffer) {
	var stdin, stdout, stderr bytes.Buffer
	app := New()
	app.Reader = &stdin
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(*cli.Context, error) {} // Do not os.Exit in tests
	return app, &stdin, &stdout, &stderr
}

// startTestServer starts a relay on a free port and points the config dir to an empty
// directory, so that no user profile leaks into the test
func startTestServer(t *testing.T) *config.Config {
	t.Setenv(config.EnvConfigDir, t.TempDir())
	conf := configtest.NewTestServerConfig(t)
	router, err := server.NewRouter(conf)
	require.Nil(t, err)
	go func() {
		if err := router.Start(); err != nil && err != http.ErrServerClosed {
			panic(err) // 'go vet' complains about 't.Fatal(err)'
		}
	}()
	t.Cleanup(func() { router.Stop() })
	_, port, _ := net.SplitHostPort(conf.ListenHTTP)
	test.WaitForPortUp(t, port)
	return conf
}
