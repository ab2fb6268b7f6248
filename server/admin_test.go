package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/config/configtest"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/store"
	"heckel.io/rpipe/test"
	"heckel.io/rpipe/util"
)

func TestServer_AdminDisabledWithoutKey(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	test.Status(t, request(t, server, "GET", "/admin/channels", "anything", nil), http.StatusNotFound)
	test.Status(t, request(t, server, "GET", "/admin/stats", "", nil), http.StatusNotFound)
}

func TestServer_AdminAuth(t *testing.T) {
	server, admin := newTestAdminServer(t, configtest.NewTestServerConfig(t))

	rr := request(t, server, "GET", "/admin/stats", "", nil)
	test.Status(t, rr, http.StatusUnauthorized)
	test.Header(t, rr, HeaderAuth, AuthRequired)

	rr = request(t, server, "GET", "/admin/stats", "admin password", nil)
	test.Status(t, rr, http.StatusUnauthorized)
	test.Header(t, rr, HeaderAuth, AuthMismatch)

	test.Status(t, request(t, server, "GET", "/admin/stats", admin, nil), http.StatusOK)
}

func TestServer_AdminChannels(t *testing.T) {
	server, admin := newTestAdminServer(t, configtest.NewTestServerConfig(t))
	send(t, server, "zebra", "pass", "s1", 0, "hi", true)
	send(t, server, "apple", "", "s2", 0, "hello", false)

	rr := request(t, server, "GET", "/admin/channels", admin, nil)
	test.Status(t, rr, http.StatusOK)
	var infos []*store.Info
	require.Nil(t, json.NewDecoder(rr.Body).Decode(&infos))
	require.Len(t, infos, 2)
	require.Equal(t, "apple", infos[0].Name)
	require.False(t, infos[0].Final)
	require.Equal(t, "zebra", infos[1].Name)
	require.True(t, infos[1].Protected)
	require.True(t, infos[1].Final)
}

func TestServer_AdminStats(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	conf.ChannelCountLimit = 7
	conf.TotalSizeLimit = 1024 * 1024
	conf.BlockedIPs = []string{"10.0.0.1", "not an ip"}
	server, admin := newTestAdminServer(t, conf)
	send(t, server, "x", "", "s1", 0, "hi", true)

	rr := request(t, server, "GET", "/admin/stats", admin, nil)
	test.Status(t, rr, http.StatusOK)
	var stats AdminStats
	require.Nil(t, json.NewDecoder(rr.Body).Decode(&stats))
	require.Equal(t, 1, stats.Channels)
	require.Equal(t, int64(7), stats.ChannelsLimit)
	require.Equal(t, int64(1024*1024), stats.SizeLimit)
	require.Equal(t, uint64(1), stats.Pushes)
	require.Equal(t, 1, stats.Visitors)
	require.Equal(t, []string{"10.0.0.1"}, stats.Blocked)
	require.Equal(t, util.LogLevelName(), stats.LogLevel)
}

func TestServer_AdminLogLevel(t *testing.T) {
	defer util.SetLogLevel(false)
	server, admin := newTestAdminServer(t, configtest.NewTestServerConfig(t))

	rr := request(t, server, "PUT", "/admin/log-level", admin, []byte("debug\n"))
	test.Status(t, rr, http.StatusOK)
	require.Equal(t, "debug\n", rr.Body.String())
	require.Equal(t, "debug", util.LogLevelName())

	rr = request(t, server, "GET", "/admin/log-level", admin, nil)
	test.Status(t, rr, http.StatusOK)
	require.Equal(t, "debug\n", rr.Body.String())

	test.Status(t, request(t, server, "PUT", "/admin/log-level", admin, []byte("shouting")), http.StatusBadRequest)
	test.Status(t, request(t, server, "PUT", "/admin/log-level", "", []byte("error")), http.StatusUnauthorized)
	require.Equal(t, "debug", util.LogLevelName())
}

func TestServer_AdminHold(t *testing.T) {
	server, admin := newTestAdminServer(t, configtest.NewTestServerConfig(t))
	send(t, server, "x", "", "s1", 0, "ab", false)
	send(t, server, "x", "", "s1", 1, "cd", true)

	test.Status(t, request(t, server, "PUT", "/admin/hold/x", admin, nil), http.StatusOK)
	test.Status(t, receive(t, server, "x", "", "r1", 0), http.StatusLocked)
	test.Status(t, request(t, server, "DELETE", "/c/x", "", nil), http.StatusLocked)
	test.Status(t, request(t, server, "GET", "/p/x", "", nil), http.StatusOK)

	test.Status(t, request(t, server, "DELETE", "/admin/hold/x", admin, nil), http.StatusOK)
	rr := receive(t, server, "x", "", "r1", 0)
	test.Status(t, rr, http.StatusOK)
	require.Equal(t, "ab", decode(t, rr.Body.Bytes()))

	test.Status(t, request(t, server, "PUT", "/admin/hold/doesnotexist", admin, nil), http.StatusNotFound)
}

func TestServer_AdminBlock(t *testing.T) {
	server, admin := newTestAdminServer(t, configtest.NewTestServerConfig(t))

	test.Status(t, request(t, server, "PUT", "/admin/block/not-an-ip", admin, nil), http.StatusBadRequest)
	test.Status(t, request(t, server, "PUT", "/admin/block/5.6.7.8", admin, nil), http.StatusOK)
	require.Equal(t, []string{"5.6.7.8"}, server.blockedIPs())
	test.Status(t, request(t, server, "DELETE", "/admin/block/5.6.7.8", admin, nil), http.StatusOK)
	require.Empty(t, server.blockedIPs())

	// Test requests come from 1.2.3.4, so blocking it locks out everything, including the admin
	test.Status(t, request(t, server, "PUT", "/admin/block/1.2.3.4", admin, nil), http.StatusOK)
	test.Status(t, request(t, server, "GET", "/version", "", nil), http.StatusForbidden)
	test.Status(t, request(t, server, "GET", "/admin/stats", admin, nil), http.StatusForbidden)
}

func TestServer_BlockedIPsFromConfig(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	conf.BlockedIPs = []string{"1.2.3.4"}
	server := newTestServer(t, conf)
	test.Status(t, send(t, server, "x", "", "s1", 0, "hi", true), http.StatusForbidden)
	test.Status(t, request(t, server, "GET", "/help", "", nil), http.StatusForbidden)
}

// newTestAdminServer creates a server with an admin key, and returns it along with the admin credential
func newTestAdminServer(t *testing.T, conf *config.Config) (*Server, string) {
	key, err := crypto.GenerateAdminKey([]byte("admin password"))
	require.Nil(t, err)
	conf.AdminKey = key
	return newTestServer(t, conf), crypto.DeriveAdminCredential([]byte("admin password"))
}
