package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/config/configtest"
	"heckel.io/rpipe/test"
	"heckel.io/rpipe/util"
)

func TestMain(m *testing.M) {
	util.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestServer_NewServerInvalidListenAddr(t *testing.T) {
	conf := config.New()
	conf.ListenHTTP = ""
	_, err := New(conf)
	require.Equal(t, errListenAddrMissing, err)
}

func TestServer_NewServerInvalidKeyFile(t *testing.T) {
	conf := config.New()
	conf.ListenHTTPS = ":12443"
	conf.CertFile = "something"
	_, err := New(conf)
	require.Equal(t, errKeyFileMissing, err)
}

func TestServer_NewServerInvalidCertFile(t *testing.T) {
	conf := config.New()
	conf.ListenHTTPS = ":12443"
	conf.KeyFile = "something"
	_, err := New(conf)
	require.Equal(t, errCertFileMissing, err)
}

func TestServer_NewServerStateDirMissing(t *testing.T) {
	conf := config.New()
	conf.StateDir = "/does/not/exist"
	_, err := New(conf)
	require.Equal(t, errStateDirNotWritable, err)
}

func TestServer_HandleHelp(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))

	rr := request(t, server, "GET", "/", "", nil)
	test.Status(t, rr, http.StatusOK)
	require.Contains(t, rr.Body.String(), "rpipe dev")
	require.Contains(t, rr.Body.String(), "curl -sSL '"+server.config.ServerAddr+"/w/mychannel'")

	rr = request(t, server, "GET", "/help", "", nil)
	test.Status(t, rr, http.StatusOK)
}

func TestServer_HandleHelpPinnedCert(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfigWithTLS(t))

	rr := request(t, server, "GET", "/", "", nil)
	test.Status(t, rr, http.StatusOK)
	require.Contains(t, rr.Body.String(), "--pinnedpubkey sha256//")
}

func TestServer_HandleInfo(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	server := newTestServer(t, conf)

	rr := request(t, server, "GET", "/info", "", nil)
	test.Status(t, rr, http.StatusOK)
	test.Header(t, rr, "Content-Type", "application/json")

	var info Info
	require.Nil(t, json.NewDecoder(rr.Body).Decode(&info))
	require.Equal(t, "dev", info.Version)
	require.Equal(t, conf.ServerAddr, info.ServerAddr)
	require.Equal(t, codec.Version1, info.FrameVersion)
	require.Equal(t, codec.MaxChunkSize, info.MaxChunkSize)
	require.Equal(t, []string{"none", "lz4", "zstd"}, info.Compressions)
	require.Equal(t, int64(60), info.LockTimeout)
}

func TestServer_HandleVersion(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	rr := request(t, server, "GET", "/version", "", nil)
	test.Response(t, rr, http.StatusOK, "dev")
}

func TestServer_HandleNoMatchingRoute(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	test.Status(t, request(t, server, "GET", "/does-not-exist", "", nil), http.StatusNotFound)
	test.Status(t, request(t, server, "PATCH", "/c/abc", "", nil), http.StatusBadRequest)
}

func TestServer_SendPeekReceiveScenario(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))

	rr := send(t, server, "x", "", "s1", 0, "ab", false)
	test.Status(t, rr, http.StatusOK)
	test.Header(t, rr, HeaderSeq, "0")
	rr = send(t, server, "x", "", "s1", 1, "cd", true)
	test.Header(t, rr, HeaderSeq, "1")

	rr = request(t, server, "GET", "/p/x", "", nil)
	test.Status(t, rr, http.StatusOK)
	test.Header(t, rr, HeaderCount, "2")
	test.Header(t, rr, HeaderFinal, "1")
	plain, final, err := codec.NewDecoder(nil).DecodeAll(rr.Body.Bytes())
	require.Nil(t, err)
	require.True(t, final)
	require.Equal(t, "abcd", string(plain))

	rr = receive(t, server, "x", "", "r1", 0)
	test.Status(t, rr, http.StatusOK)
	test.Header(t, rr, HeaderSeq, "0")
	test.Header(t, rr, HeaderFinal, "0")
	require.Equal(t, "ab", decode(t, rr.Body.Bytes()))

	rr = receive(t, server, "x", "", "r1", 1)
	test.Status(t, rr, http.StatusOK)
	test.Header(t, rr, HeaderSeq, "1")
	test.Header(t, rr, HeaderFinal, "1")
	require.Equal(t, "cd", decode(t, rr.Body.Bytes()))

	test.Status(t, receive(t, server, "x", "", "r1", 0), http.StatusNoContent)
	test.Status(t, request(t, server, "GET", "/p/x", "", nil), http.StatusNoContent)
}

func TestServer_ReceiveRetryReturnsSameChunk(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	send(t, server, "x", "", "s1", 0, "ab", false)
	send(t, server, "x", "", "s1", 1, "cd", false)

	rr := receive(t, server, "x", "", "r1", 0)
	require.Equal(t, "ab", decode(t, rr.Body.Bytes()))
	rr = receive(t, server, "x", "", "r1", 0) // Response was lost, retry
	test.Status(t, rr, http.StatusOK)
	require.Equal(t, "ab", decode(t, rr.Body.Bytes()))
	rr = receive(t, server, "x", "", "r1", 1)
	require.Equal(t, "cd", decode(t, rr.Body.Bytes()))
	test.Status(t, receive(t, server, "x", "", "r1", 0), http.StatusConflict)
}

func TestServer_SendRetryIsDeduplicated(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	send(t, server, "x", "", "s1", 0, "ab", false)
	rr := send(t, server, "x", "", "s1", 0, "ab", false)
	test.Status(t, rr, http.StatusOK)
	test.Header(t, rr, HeaderSeq, "0")

	rr = request(t, server, "GET", "/p/x", "", nil)
	test.Header(t, rr, HeaderCount, "1")
}

func TestServer_SendConflicts(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	test.Status(t, send(t, server, "x", "", "s1", 1, "late", false), http.StatusGone)

	send(t, server, "x", "", "s1", 0, "ab", false)
	test.Status(t, send(t, server, "x", "", "s1", 2, "gap", false), http.StatusConflict)
	test.Status(t, send(t, server, "x", "", "s2", 0, "other", false), http.StatusConflict)
}

func TestServer_SendBadRequests(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	f := frame(t, "hi", true)

	rr := request(t, server, "PUT", "/c/x", "", f) // No X-Stream
	test.Status(t, rr, http.StatusBadRequest)

	rr = request(t, server, "PUT", "/c/x", "", f, HeaderStream, "s1", HeaderIndex, "abc")
	test.Status(t, rr, http.StatusBadRequest)

	rr = request(t, server, "PUT", "/c/x", "", f, HeaderStream, "s1", HeaderStreamChecksum, "not-hex")
	test.Status(t, rr, http.StatusBadRequest)

	rr = request(t, server, "PUT", "/c/x", "", f, HeaderStream, "s1", HeaderTTL, "forever")
	test.Status(t, rr, http.StatusBadRequest)

	rr = request(t, server, "PUT", "/c/x", "", []byte("this is not a frame at all"), HeaderStream, "s1")
	test.Status(t, rr, http.StatusBadRequest)

	rr = request(t, server, "PUT", "/c/"+strings.Repeat("a", 200), "", f, HeaderStream, "s1")
	test.Status(t, rr, http.StatusBadRequest)

	rr = request(t, server, "GET", "/c/x", "", nil) // No X-Lock
	test.Status(t, rr, http.StatusBadRequest)

	rr = request(t, server, "GET", "/p/x", "", nil, "Authorization", "Bearer xyz")
	test.Status(t, rr, http.StatusBadRequest)
}

func TestServer_SendUnsupportedVersion(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	f := frame(t, "hi", true)
	f[2] = 99
	rr := request(t, server, "PUT", "/c/x", "", f, HeaderStream, "s1")
	test.Status(t, rr, http.StatusUnsupportedMediaType)
}

func TestServer_SendFrameTooLarge(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	conf.MaxFrameSize = 30
	server := newTestServer(t, conf)
	rr := send(t, server, "x", "", "s1", 0, strings.Repeat("x", 100), true)
	test.Status(t, rr, http.StatusRequestEntityTooLarge)
}

func TestServer_SendChannelFull(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	conf.ChannelSizeLimit = 100
	server := newTestServer(t, conf)
	test.Status(t, send(t, server, "x", "", "s1", 0, string(test.RandomBytes(1, 60)), false), http.StatusOK)
	test.Status(t, send(t, server, "x", "", "s1", 1, string(test.RandomBytes(2, 60)), false), http.StatusTooEarly)

	rr := receive(t, server, "x", "", "r1", 0)
	test.Status(t, rr, http.StatusOK)
	test.Status(t, send(t, server, "x", "", "s1", 1, string(test.RandomBytes(2, 60)), false), http.StatusOK)
}

func TestServer_Auth(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	test.Status(t, send(t, server, "secret", "pass", "s1", 0, "hi", true), http.StatusOK)
	test.Status(t, send(t, server, "open", "", "s2", 0, "hi", true), http.StatusOK)

	rr := receive(t, server, "secret", "", "r1", 0)
	test.Status(t, rr, http.StatusUnauthorized)
	test.Header(t, rr, HeaderAuth, AuthRequired)

	rr = receive(t, server, "secret", "wrong", "r1", 0)
	test.Status(t, rr, http.StatusUnauthorized)
	test.Header(t, rr, HeaderAuth, AuthMismatch)

	rr = request(t, server, "GET", "/p/secret", "wrong", nil)
	test.Status(t, rr, http.StatusUnauthorized)

	rr = receive(t, server, "open", "pass", "r1", 0)
	test.Status(t, rr, http.StatusUnauthorized)
	test.Header(t, rr, HeaderAuth, AuthNone)

	rr = receive(t, server, "secret", "pass", "r1", 0)
	test.Status(t, rr, http.StatusOK)
	require.Equal(t, "hi", decode(t, rr.Body.Bytes()))
}

func TestServer_ReceiveLocked(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	send(t, server, "x", "", "s1", 0, "ab", false)
	send(t, server, "x", "", "s1", 1, "cd", false)

	test.Status(t, receive(t, server, "x", "", "r1", 0), http.StatusOK)
	test.Status(t, receive(t, server, "x", "", "r2", 1), http.StatusLocked)

	// Peeking does not care about the lock
	rr := request(t, server, "GET", "/p/x", "", nil)
	test.Status(t, rr, http.StatusOK)
	test.Header(t, rr, HeaderCount, "1")

	// Deleting does
	test.Status(t, request(t, server, "DELETE", "/c/x", "", nil), http.StatusLocked)
}

func TestServer_ReceiveLongPoll(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))

	var wg sync.WaitGroup
	var rr *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		rr = request(t, server, "GET", "/c/later", "", nil, HeaderLock, "r1", HeaderNext, "0", HeaderWait, "2s")
	}()
	time.Sleep(100 * time.Millisecond)
	send(t, server, "later", "", "s1", 0, "finally", true)
	wg.Wait()

	test.Status(t, rr, http.StatusOK)
	require.Equal(t, "finally", decode(t, rr.Body.Bytes()))
}

func TestServer_ReceiveLongPollCappedByWaitMax(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	conf.WaitMax = 100 * time.Millisecond
	server := newTestServer(t, conf)

	start := time.Now()
	rr := request(t, server, "GET", "/c/empty", "", nil, HeaderLock, "r1", HeaderWait, "1h")
	test.Status(t, rr, http.StatusNoContent)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestServer_StreamChecksumOnFinalChunk(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	f := frame(t, "hi", true)
	rr := request(t, server, "PUT", "/c/x", "", f, HeaderStream, "s1", HeaderIndex, "0", HeaderStreamChecksum, "00000000000000AB")
	test.Status(t, rr, http.StatusOK)

	rr = receive(t, server, "x", "", "r1", 0)
	test.Header(t, rr, HeaderStreamChecksum, "00000000000000ab")
}

func TestServer_QueryAndDelete(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	test.Status(t, request(t, server, "GET", "/q/x", "", nil), http.StatusNotFound)

	send(t, server, "x", "pass", "s1", 0, "ab", false)
	send(t, server, "x", "pass", "s1", 1, "cd", true)

	rr := request(t, server, "GET", "/q/x", "pass", nil)
	test.Status(t, rr, http.StatusOK)
	var info map[string]interface{}
	require.Nil(t, json.NewDecoder(rr.Body).Decode(&info))
	require.Equal(t, "x", info["name"])
	require.Equal(t, float64(2), info["chunks"])
	require.Equal(t, true, info["final"])
	require.Equal(t, true, info["protected"])
	require.Equal(t, false, info["locked"])

	test.Status(t, request(t, server, "DELETE", "/c/x", "wrong", nil), http.StatusUnauthorized)
	test.Status(t, request(t, server, "DELETE", "/c/x", "pass", nil), http.StatusOK)
	test.Status(t, request(t, server, "GET", "/q/x", "pass", nil), http.StatusNotFound)
	test.Status(t, request(t, server, "DELETE", "/c/x", "pass", nil), http.StatusOK)
}

func TestServer_SendTTL(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	conf.ChannelTTLMax = 2 * time.Hour
	server := newTestServer(t, conf)
	rr := request(t, server, "PUT", "/c/x", "", frame(t, "hi", true), HeaderStream, "s1", HeaderTTL, "10d")
	test.Status(t, rr, http.StatusOK)

	rr = request(t, server, "GET", "/q/x", "", nil)
	var info map[string]interface{}
	require.Nil(t, json.NewDecoder(rr.Body).Decode(&info))
	expires := time.Unix(int64(info["expires"].(float64)), 0)
	require.WithinDuration(t, time.Now().Add(2*time.Hour), expires, time.Minute)
}

func TestServer_WebSendPeekReceive(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))

	rr := request(t, server, "PUT", "/w/web", "", []byte("hello from curl"))
	test.Status(t, rr, http.StatusOK)
	require.Contains(t, rr.Body.String(), "channel web")

	rr = request(t, server, "GET", "/w/web?peek=1", "", nil)
	test.Response(t, rr, http.StatusOK, "hello from curl")
	test.Header(t, rr, HeaderFinal, "1")

	rr = request(t, server, "GET", "/w/web", "", nil)
	test.Response(t, rr, http.StatusOK, "hello from curl")

	test.Status(t, request(t, server, "GET", "/w/web", "", nil), http.StatusNoContent)
	test.Status(t, request(t, server, "GET", "/w/web?peek=1", "", nil), http.StatusNoContent)
}

func TestServer_WebReceiveFromClientStream(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	send(t, server, "x", "pass", "s1", 0, "ab", false)
	send(t, server, "x", "pass", "s1", 1, "cd", false)

	rr := request(t, server, "GET", "/w/x", "pass", nil)
	test.Response(t, rr, http.StatusOK, "abcd")
}

func TestServer_WebProtected(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	test.Status(t, request(t, server, "POST", "/w/web", "pass", []byte("psst")), http.StatusOK)
	test.Status(t, request(t, server, "GET", "/w/web", "", nil), http.StatusUnauthorized)
	test.Response(t, request(t, server, "GET", "/w/web", "pass", nil), http.StatusOK, "psst")
}

func TestServer_WebReceiveEncrypted(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	enc, err := codec.NewEncoder(codec.Options{Password: []byte("pass")})
	require.Nil(t, err)
	f, err := enc.Encode([]byte("secret"), true)
	require.Nil(t, err)
	test.Status(t, request(t, server, "PUT", "/c/x", "", f, HeaderStream, "s1"), http.StatusOK)

	test.Status(t, request(t, server, "GET", "/w/x", "", nil), http.StatusUnprocessableEntity)
	test.Status(t, request(t, server, "GET", "/w/x?peek=1", "", nil), http.StatusUnprocessableEntity)

	// Nothing was consumed
	rr := request(t, server, "GET", "/p/x", "", nil)
	test.Header(t, rr, HeaderCount, "1")
}

func TestServer_WebSendTooLarge(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	rr := request(t, server, "PUT", "/w/x", "", bytes.Repeat([]byte("x"), codec.MaxChunkSize+1))
	test.Status(t, rr, http.StatusRequestEntityTooLarge)
}

func TestServer_RateLimit(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	conf.LimitGET = rate.Every(time.Hour)
	conf.LimitGETBurst = 2
	server := newTestServer(t, conf)
	test.Status(t, request(t, server, "GET", "/version", "", nil), http.StatusOK)
	test.Status(t, request(t, server, "GET", "/version", "", nil), http.StatusOK)
	test.Status(t, request(t, server, "GET", "/version", "", nil), http.StatusTooManyRequests)
}

func TestServer_PanicIsRecovered(t *testing.T) {
	server := newTestServer(t, configtest.NewTestServerConfig(t))
	server.store = nil
	rr := send(t, server, "x", "", "s1", 0, "boom", true)
	test.Status(t, rr, http.StatusInternalServerError)
}

func TestServer_ManagerExpiresChannels(t *testing.T) {
	conf := configtest.NewTestServerConfig(t)
	conf.ChannelTTL = 10 * time.Millisecond
	server := newTestServer(t, conf)
	send(t, server, "x", "", "s1", 0, "ab", false)
	time.Sleep(50 * time.Millisecond)

	server.updateStatsAndExpire()
	test.Status(t, request(t, server, "GET", "/q/x", "", nil), http.StatusNotFound)
	require.Equal(t, uint64(1), server.store.Stats().Evictions)
}

func newTestServer(t *testing.T, conf *config.Config) *Server {
	server, err := New(conf)
	if err != nil {
		t.Fatal(err)
	}
	return server
}

// request sends a request to the server and returns the recorded response. headers are name/value pairs.
func request(t *testing.T, server *Server, method, path, credential string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.RemoteAddr = "1.2.3.4:1234"
	if credential != "" {
		req.Header.Set("Authorization", util.BasicAuthHeader(credential))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	server.Handle(rr, req)
	return rr
}

func send(t *testing.T, server *Server, channel, credential, stream string, index int, data string, final bool) *httptest.ResponseRecorder {
	return request(t, server, "PUT", "/c/"+channel, credential, frame(t, data, final),
		HeaderStream, stream, HeaderIndex, strconv.Itoa(index))
}

func receive(t *testing.T, server *Server, channel, credential, token string, next int) *httptest.ResponseRecorder {
	return request(t, server, "GET", "/c/"+channel, credential, nil, HeaderLock, token, HeaderNext, strconv.Itoa(next))
}

func frame(t *testing.T, data string, final bool) []byte {
	enc, err := codec.NewEncoder(codec.Options{Compression: codec.CompressionNone})
	require.Nil(t, err)
	f, err := enc.Encode([]byte(data), final)
	require.Nil(t, err)
	return f
}

func decode(t *testing.T, f []byte) string {
	_, plain, err := codec.NewDecoder(nil).Decode(f)
	require.Nil(t, err)
	return string(plain)
}
