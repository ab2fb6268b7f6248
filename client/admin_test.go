package client

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/server"
	"heckel.io/rpipe/util"
)

func TestAdmin_ChannelsAndStats(t *testing.T) {
	conf, _ := newTestServer(t, nil)
	key, err := crypto.GenerateAdminKey([]byte("admin password"))
	require.Nil(t, err)
	conf.AdminKey = key
	c := newTestClient(t, conf)
	_, err = c.Send(context.Background(), strings.NewReader("hi there"), time.Hour)
	require.Nil(t, err)

	admin := c.Admin("admin password")
	infos, err := admin.Channels(context.Background())
	require.Nil(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, conf.Channel, infos[0].Name)
	require.True(t, infos[0].Final)

	stats, err := admin.Stats(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, stats.Channels)
	require.Equal(t, uint64(1), stats.Pushes)
	require.Empty(t, stats.Blocked)
}

func TestAdmin_WrongPassword(t *testing.T) {
	conf, _ := newTestServer(t, nil)
	key, err := crypto.GenerateAdminKey([]byte("admin password"))
	require.Nil(t, err)
	conf.AdminKey = key

	_, err = newTestClient(t, conf).Admin("guess").Stats(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}

func TestAdmin_NotEnabled(t *testing.T) {
	conf, _ := newTestServer(t, nil)
	_, err := newTestClient(t, conf).Admin("admin password").Channels(context.Background())
	require.Equal(t, &server.ErrHTTP{Code: http.StatusNotFound, Status: "Not Found"}, err)
}

func TestAdmin_LogLevelHoldBlock(t *testing.T) {
	defer util.SetLogLevel(false)
	conf, _ := newTestServer(t, nil)
	key, err := crypto.GenerateAdminKey([]byte("admin password"))
	require.Nil(t, err)
	conf.AdminKey = key
	c := newTestClient(t, conf)
	admin := c.Admin("admin password")

	level, err := admin.SetLogLevel(context.Background(), "warn")
	require.Nil(t, err)
	require.Equal(t, "warning", level)
	level, err = admin.LogLevel(context.Background())
	require.Nil(t, err)
	require.Equal(t, "warning", level)

	_, err = c.Send(context.Background(), strings.NewReader("held back"), time.Hour)
	require.Nil(t, err)
	require.Nil(t, admin.Hold(context.Background(), conf.Channel, true))
	info, err := c.Query(context.Background())
	require.Nil(t, err)
	require.True(t, info.Held)
	require.True(t, info.Locked)
	require.Nil(t, admin.Hold(context.Background(), conf.Channel, false))

	var buf strings.Builder
	_, err = c.Receive(context.Background(), &buf, false)
	require.Nil(t, err)
	require.Equal(t, "held back", buf.String())

	require.Nil(t, admin.Block(context.Background(), "10.1.2.3", true))
	stats, err := admin.Stats(context.Background())
	require.Nil(t, err)
	require.Equal(t, []string{"10.1.2.3"}, stats.Blocked)
	require.Nil(t, admin.Block(context.Background(), "10.1.2.3", false))
}
