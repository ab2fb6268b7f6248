package cmd

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/client"
	"heckel.io/rpipe/config"
)

func TestCLI_SendRecv(t *testing.T) {
	conf := startTestServer(t)

	app, stdin, _, stderr := newTestApp()
	stdin.WriteString("hello rpipe")
	require.Nil(t, Run(app, "rpipe", "send", "-u", conf.URL, "-c", "cli-test", "--total"))
	require.Contains(t, stderr.String(), "Total: 11 B (11 bytes)")

	app, _, stdout, stderr := newTestApp()
	require.Nil(t, Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "cli-test", "-K"))
	require.Equal(t, "hello rpipe", stdout.String())
	require.Contains(t, stderr.String(), "Checksum: ")
}

func TestCLI_SendRecvManyChunksNoCompression(t *testing.T) {
	conf := startTestServer(t)
	data := strings.Repeat("0123456789", 1000)

	app, stdin, _, _ := newTestApp()
	stdin.WriteString(data)
	require.Nil(t, Run(app, "rpipe", "send", "-u", conf.URL, "-c", "many", "--chunk-size", "1K", "-Z", "none", "-E", "none"))

	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "query", "-u", conf.URL, "-c", "many"))
	require.Contains(t, stdout.String(), "Queued:    10 chunk(s)")
	require.Contains(t, stdout.String(), "Complete:  yes")

	app, _, stdout, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "many"))
	require.Equal(t, data, stdout.String())
}

func TestCLI_SendRecvWithPasswordFromEnv(t *testing.T) {
	conf := startTestServer(t)
	t.Setenv(config.EnvPassword, "secret")

	app, stdin, _, _ := newTestApp()
	stdin.WriteString("for your eyes only")
	require.Nil(t, Run(app, "rpipe", "send", "-u", conf.URL, "-c", "secret-channel"))

	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "query", "-u", conf.URL, "-c", "secret-channel"))
	require.Contains(t, stdout.String(), "Password:  yes")
	require.Contains(t, stdout.String(), "Encrypted: yes")

	t.Setenv(config.EnvPassword, "")
	app, _, _, _ = newTestApp()
	err := Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "secret-channel")
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel requires a password")

	t.Setenv(config.EnvPassword, "secret")
	app, _, stdout, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "secret-channel"))
	require.Equal(t, "for your eyes only", stdout.String())
}

func TestCLI_SendRecvAskPassword(t *testing.T) {
	conf := startTestServer(t)
	file := filepath.Join(t.TempDir(), "data.txt")
	require.Nil(t, os.WriteFile(file, []byte("from a file"), 0600))

	app, stdin, _, stderr := newTestApp()
	stdin.WriteString("my password\n")
	require.Nil(t, Run(app, "rpipe", "send", "-u", conf.URL, "-c", "asked", "-a", file))
	require.Contains(t, stderr.String(), "Enter channel password: ")

	app, stdin, _, _ = newTestApp()
	stdin.WriteString("not my password\n")
	err := Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "asked", "-a")
	require.Error(t, err)
	require.Contains(t, err.Error(), "wrong password")

	app, stdin, stdout, _ := newTestApp()
	stdin.WriteString("my password\n")
	require.Nil(t, Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "asked", "-a"))
	require.Equal(t, "from a file", stdout.String())
}

func TestCLI_SendAskPasswordFromStdin(t *testing.T) {
	app, _, _, _ := newTestApp()
	err := Run(app, "rpipe", "send", "-u", "http://127.0.0.1:1", "-c", "x", "-a")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot ask for a password while reading data from STDIN")
}

func TestCLI_RecvNoData(t *testing.T) {
	conf := startTestServer(t)
	app, _, stdout, _ := newTestApp()
	err := Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "nobody-sends", "--idle-timeout", "100ms")
	require.Error(t, err)
	var exitErr cli.ExitCoder
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 2, exitErr.ExitCode())
	require.Empty(t, stdout.String())
}

func TestHandleClientError_ExitCodes(t *testing.T) {
	codes := map[error]int{
		client.ErrNoData:     2,
		client.ErrIncomplete: 3,
		client.ErrMidStream:  4,
		client.ErrLocked:     1,
	}
	for err, code := range codes {
		var exitErr cli.ExitCoder
		require.True(t, errors.As(handleClientError(err), &exitErr), err.Error())
		require.Equal(t, code, exitErr.ExitCode(), err.Error())
	}
	require.Nil(t, handleClientError(nil))
}

func TestCLI_PeekQueryDelete(t *testing.T) {
	conf := startTestServer(t)
	app, stdin, _, _ := newTestApp()
	stdin.WriteString("peek me please")
	require.Nil(t, Run(app, "rpipe", "send", "-u", conf.URL, "-c", "peeky", "-s", "4"))

	for i := 0; i < 2; i++ {
		app, _, stdout, stderr := newTestApp()
		require.Nil(t, Run(app, "rpipe", "peek", "-u", conf.URL, "-c", "peeky"))
		require.Equal(t, "peek me please", stdout.String())
		require.NotContains(t, stderr.String(), "Warning")
	}

	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "query", "-u", conf.URL, "-c", "peeky", "--json"))
	require.Contains(t, stdout.String(), `"chunks":4`)
	require.Contains(t, stdout.String(), `"final":true`)

	app, _, _, stderr := newTestApp()
	require.Nil(t, Run(app, "rpipe", "delete", "-u", conf.URL, "-c", "peeky"))
	require.Contains(t, stderr.String(), "Channel peeky deleted")

	app, _, _, _ = newTestApp()
	err := Run(app, "rpipe", "query", "-u", conf.URL, "-c", "peeky")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Not Found")

	app, _, stdout, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "peek", "-u", conf.URL, "-c", "peeky"))
	require.Empty(t, stdout.String())
}

func TestCLI_ConfigSaveShowList(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv(config.EnvConfigDir, configDir)

	app, _, _, stderr := newTestApp()
	require.Nil(t, Run(app, "rpipe", "config", "-u", "rpipe.example.com", "-c", "mychan", "-Z", "lz4", "--save"))
	require.Contains(t, stderr.String(), "Config written to")
	require.FileExists(t, filepath.Join(configDir, "default.yml"))

	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "config"))
	require.Contains(t, stdout.String(), "URL:          https://rpipe.example.com:2581")
	require.Contains(t, stdout.String(), "Channel:      mychan")
	require.Contains(t, stdout.String(), "Compression:  lz4")
	require.Contains(t, stdout.String(), "Password:     (not set)")

	app, _, _, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "config", "-p", "work", "-u", "http://10.0.0.1:8080", "-c", "builds", "--save"))

	app, _, stdout, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "config", "--list"))
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 4)
	require.Regexp(t, `^default\s+https://rpipe.example.com:2581\s+mychan$`, lines[2])
	require.Regexp(t, `^work\s+http://10.0.0.1:8080\s+builds$`, lines[3])
}

func TestCLI_ConfigListEmpty(t *testing.T) {
	t.Setenv(config.EnvConfigDir, t.TempDir())
	app, _, _, stderr := newTestApp()
	require.Nil(t, Run(app, "rpipe", "config", "--list"))
	require.Contains(t, stderr.String(), "No profiles found")
}

func TestCLI_ConfigProfileUsedBySend(t *testing.T) {
	conf := startTestServer(t)
	app, _, _, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "config", "-p", "local", "-u", conf.URL, "-c", "profiled", "--save"))

	app, stdin, _, _ := newTestApp()
	stdin.WriteString("sent via profile")
	require.Nil(t, Run(app, "rpipe", "send", "-p", "local"))

	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "profiled"))
	require.Equal(t, "sent via profile", stdout.String())
}

func TestCLI_HelpPageCommands(t *testing.T) {
	conf := startTestServer(t)
	resp, err := http.Get(conf.URL + "/help")
	require.Nil(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Nil(t, err)

	commands := 0
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "  ") {
			continue // Commands are indented, titles are not
		}
		fields := strings.Fields(line)
		password := ""
		if len(fields) > 0 && strings.HasPrefix(fields[0], config.EnvPassword+"=") {
			password = strings.TrimPrefix(fields[0], config.EnvPassword+"=")
			fields = fields[1:]
		}
		if len(fields) < 2 || fields[0] != "rpipe" {
			continue
		}
		args := make([]string, 0)
		for i := 0; i < len(fields); i++ {
			if fields[i] == "<" || fields[i] == ">" {
				i++ // Skip redirect and file name
				continue
			}
			args = append(args, fields[i])
		}
		t.Setenv(config.EnvPassword, password)
		app, stdin, stdout, _ := newTestApp()
		if args[1] == "send" {
			stdin.WriteString("as seen on the help page")
		}
		require.Nil(t, Run(app, args...), line)
		if args[1] == "recv" || args[1] == "peek" {
			require.Equal(t, "as seen on the help page", stdout.String(), line)
		}
		commands++
	}
	require.Equal(t, 5, commands)
}

func TestProgressOutput(t *testing.T) {
	var buf bytes.Buffer
	progressOutput(&buf, 1536, 3072, false)
	progressOutput(&buf, 3072, 3072, true)
	require.Equal(t, "\r1.5 KB / 3.0 KB (50%)\r3.0 KB (done)        \r\n", buf.String())
}
