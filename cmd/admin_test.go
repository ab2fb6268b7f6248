package cmd

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/util"
)

func TestCLI_AdminKeygen(t *testing.T) {
	t.Setenv(config.EnvAdminPassword, "admin password")
	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "admin", "keygen"))

	line := strings.TrimSpace(stdout.String())
	require.True(t, strings.HasPrefix(line, "AdminKey: \""))
	key, err := crypto.DecodeKey(strings.Trim(strings.TrimPrefix(line, "AdminKey: "), "\""))
	require.Nil(t, err)
	require.True(t, key.Matches([]byte(crypto.DeriveAdminCredential([]byte("admin password")))))
}

func TestCLI_AdminChannelsStatsHold(t *testing.T) {
	conf := startTestAdminServer(t)

	app, stdin, _, _ := newTestApp()
	stdin.WriteString("for the admin")
	require.Nil(t, Run(app, "rpipe", "send", "-u", conf.URL, "-c", "watched"))

	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "admin", "channels", "-u", conf.URL))
	require.Contains(t, stdout.String(), "CHANNEL")
	require.Contains(t, stdout.String(), "watched")

	app, _, stdout, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "admin", "stats", "-u", conf.URL))
	require.Contains(t, stdout.String(), "Channels:  1 (limit: unlimited)")

	app, _, _, stderr := newTestApp()
	require.Nil(t, Run(app, "rpipe", "admin", "hold", "-u", conf.URL, "watched"))
	require.Contains(t, stderr.String(), "Channel watched is held")

	app, _, _, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "admin", "release", "-u", conf.URL, "watched"))

	app, _, stdout, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "recv", "-u", conf.URL, "-c", "watched"))
	require.Equal(t, "for the admin", stdout.String())
}

func TestCLI_AdminLogLevel(t *testing.T) {
	defer util.SetLogLevel(false)
	conf := startTestAdminServer(t)

	app, _, stdout, _ := newTestApp()
	require.Nil(t, Run(app, "rpipe", "admin", "log-level", "-u", conf.URL, "error"))
	require.Equal(t, "error\n", stdout.String())

	app, _, stdout, _ = newTestApp()
	require.Nil(t, Run(app, "rpipe", "admin", "log-level", "-u", conf.URL))
	require.Equal(t, "error\n", stdout.String())
}

func TestCLI_AdminWrongPassword(t *testing.T) {
	conf := startTestAdminServer(t)
	t.Setenv(config.EnvAdminPassword, "not it")

	app, _, _, _ := newTestApp()
	err := Run(app, "rpipe", "admin", "stats", "-u", conf.URL)
	var exitErr cli.ExitCoder
	require.True(t, errors.As(err, &exitErr))
	require.Contains(t, err.Error(), "wrong admin password")
}

// startTestAdminServer starts a relay with an admin key, and sets the matching admin password
func startTestAdminServer(t *testing.T) *config.Config {
	conf := startTestServer(t)
	key, err := crypto.GenerateAdminKey([]byte("admin password"))
	require.Nil(t, err)
	conf.AdminKey = key
	t.Setenv(config.EnvAdminPassword, "admin password")
	return conf
}
