// Package client provides the rpipe client. It sends a stream to a channel on a relay server, receives
// it on the other end, and can peek at, query and delete channels.
//
// Streams are split into chunks, and each chunk is compressed and encrypted on the client (see package
// codec), so the server only ever sees encrypted frames if a password is set. The password itself is
// never sent; the server only gets a credential derived from it (see crypto.DeriveCredential). Each chunk
// is one HTTP exchange; transient failures are retried with exponential backoff.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/server"
	"heckel.io/rpipe/store"
	"heckel.io/rpipe/util"
)

const (
	retryBackoffMin = 100 * time.Millisecond
	retryBackoffMax = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client represents a rpipe client. It uses the URL, channel and password from its config for
// every operation.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	credential credential
}

// credential caches the credential derived for a channel and password
type credential struct {
	channel  string
	password string
	value    string
	mu       sync.Mutex
}

// response is a fully read HTTP response
type response struct {
	code   int
	header http.Header
	body   []byte
}

// New creates a new rpipe client. It fails if the URL is not filled. If a certificate file is
// configured, the client only talks to a server presenting exactly this certificate.
func New(conf *config.Config) (*Client, error) {
	if conf.URL == "" {
		return nil, errMissingServerAddr
	}
	var httpClient *http.Client
	if conf.CertFile != "" {
		cert, err := crypto.LoadCertFromFile(conf.CertFile)
		if err != nil {
			return nil, err
		}
		httpClient = util.NewHTTPClient(cert)
	} else {
		httpClient = util.NewHTTPClient(nil)
	}
	return &Client{
		config:     conf,
		httpClient: httpClient,
	}, nil
}

// Send reads r until EOF and sends it to the channel, one chunk per request. Chunks are encoded in
// parallel, but sent strictly in order. The ttl overrides the server's default channel TTL if it is
// larger than zero.
func (c *Client) Send(ctx context.Context, r io.Reader, ttl time.Duration) (*Transfer, error) {
	if c.config.Channel == "" {
		return nil, errMissingChannel
	}
	enc, err := c.newEncoder()
	if err != nil {
		return nil, err
	}
	t := newTransfer(c.config.Channel)
	t.StreamID = uuid.NewString()
	if c.config.ProgressFunc != nil {
		pr := util.NewProgressReader(r, -1, c.config.ProgressFunc)
		defer pr.Close()
		r = pr
	}
	chunks := newChunker(r, enc.ChunkSize())
	batchSize := runtime.NumCPU()
	index := uint64(0)
	for !t.Final {
		pieces := make([][]byte, 0, batchSize)
		final := false
		for len(pieces) < batchSize && !final {
			piece, last, err := chunks.read()
			if err != nil {
				return t, err
			}
			pieces = append(pieces, piece)
			final = last
		}
		frames, err := enc.EncodeBatch(ctx, pieces, final)
		if err != nil {
			return t, err
		}
		for i, frame := range frames {
			t.digest.Write(pieces[i])
			t.frames.Write(frame)
			if err := c.sendChunk(ctx, t, index, frame, final && i == len(frames)-1, ttl); err != nil {
				return t, err
			}
			t.Bytes += int64(len(pieces[i]))
			index++
		}
		t.Final = final
	}
	util.Log.Debugf("sent %d chunk(s), %s to channel %s", t.Chunks(), util.BytesToHuman(t.Bytes), t.Channel)
	return t, nil
}

func (c *Client) sendChunk(ctx context.Context, t *Transfer, index uint64, frame []byte, final bool, ttl time.Duration) error {
	if t.acked(index) {
		return nil
	}
	headers := map[string]string{
		server.HeaderStream: t.StreamID,
		server.HeaderIndex:  strconv.FormatUint(index, 10),
	}
	if index == 0 && ttl > 0 {
		headers[server.HeaderTTL] = ttl.String()
	}
	if final {
		headers[server.HeaderStreamChecksum] = t.framesChecksum()
	}
	resp, err := c.exchange(ctx, false, c.config.Timeout, http.MethodPut, c.channelPath("c"), frame, headers)
	if err != nil {
		return err
	} else if resp.code != http.StatusOK {
		return errorFromResponse(resp)
	}
	t.ack(index)
	return nil
}

// Receive drains the channel and writes the decoded stream to w, until the final chunk arrives. It
// long-polls the server for new chunks. If no chunk arrives for longer than the idle timeout, Receive
// fails with ErrNoData, or with ErrIncomplete if parts of the stream were already written. If block
// is set, Receive waits indefinitely for the first chunk.
//
// If another receiver already took parts of the stream and its lock expired, Receive continues where it
// stopped. The rest of the stream is written to w, and ErrMidStream is returned once the final chunk
// arrives. The Transfer's Skipped field is the number of chunks that were missed.
//
// The returned Transfer is never nil; its Bytes field is the number of bytes that were written to w.
func (c *Client) Receive(ctx context.Context, w io.Writer, block bool) (*Transfer, error) {
	t := newTransfer(c.config.Channel)
	if c.config.Channel == "" {
		return t, errMissingChannel
	}
	t.Token = uuid.NewString()
	if c.config.ProgressFunc != nil {
		pw := util.NewProgressWriter(w, c.config.ProgressFunc)
		defer pw.Close()
		w = pw
	}
	dec := codec.NewDecoder(c.password())
	wait := c.config.Wait
	lastChunk := time.Now()
	for next := uint64(0); ; {
		headers := map[string]string{
			server.HeaderLock: t.Token,
			server.HeaderNext: strconv.FormatUint(next, 10),
			server.HeaderWait: wait.String(),
		}
		resp, err := c.exchange(ctx, true, c.config.Timeout+wait, http.MethodGet, c.channelPath("c"), nil, headers)
		if err != nil {
			return t, err
		}
		switch resp.code {
		case http.StatusOK:
		case http.StatusNoContent:
			if block && t.Chunks() == 0 {
				continue
			} else if c.config.IdleTimeout > 0 && time.Since(lastChunk) > c.config.IdleTimeout {
				return t, c.idleError(t)
			}
			continue
		case http.StatusConflict:
			if t.Chunks() > 0 || t.Skipped > 0 {
				return t, errorFromResponse(resp)
			}
			popped, err := c.popped(ctx)
			if err != nil {
				return t, err
			} else if popped <= next {
				return t, errorFromResponse(resp)
			}
			util.Log.Debugf("channel %s was partially drained, resuming at chunk %d", t.Channel, popped)
			t.Skipped, next = popped, popped
			continue
		default:
			return t, errorFromResponse(resp)
		}
		if seq := resp.header.Get(server.HeaderSeq); seq != strconv.FormatUint(next, 10) {
			return t, errUnexpectedSeq
		}
		h, plain, err := dec.Decode(resp.body)
		if err != nil {
			return t, err
		}
		n, err := w.Write(plain)
		t.Bytes += int64(n)
		if err != nil {
			return t, err
		}
		t.digest.Write(plain)
		t.frames.Write(resp.body)
		t.ack(next)
		next++
		lastChunk = time.Now()
		if h.Final {
			t.Final = true
			if t.Skipped > 0 {
				return t, errors.Wrapf(ErrMidStream, "%d chunk(s) were received by someone else", t.Skipped)
			} else if err := verifyStreamChecksum(t, resp.header); err != nil {
				return t, err
			}
			util.Log.Debugf("received %d chunk(s), %s from channel %s", t.Chunks(), util.BytesToHuman(t.Bytes), t.Channel)
			return t, nil
		}
	}
}

// Peek writes the decoded contents of the channel to w without consuming them. The returned Transfer's
// Final field is true if the stream's last chunk is already in the channel.
func (c *Client) Peek(ctx context.Context, w io.Writer) (*Transfer, error) {
	t := newTransfer(c.config.Channel)
	if c.config.Channel == "" {
		return t, errMissingChannel
	}
	resp, err := c.exchange(ctx, false, c.config.Timeout, http.MethodGet, c.channelPath("p"), nil, nil)
	if err != nil {
		return t, err
	} else if resp.code == http.StatusNoContent {
		return t, nil
	} else if resp.code != http.StatusOK {
		return t, errorFromResponse(resp)
	}
	frames, err := codec.SplitFrames(resp.body)
	if err != nil {
		return t, err
	}
	dec := codec.NewDecoder(c.password())
	for i, frame := range frames {
		h, plain, err := dec.Decode(frame)
		if err != nil {
			return t, err
		}
		n, err := w.Write(plain)
		t.Bytes += int64(n)
		if err != nil {
			return t, err
		}
		t.digest.Write(plain)
		t.ack(uint64(i))
		t.Final = h.Final
	}
	return t, nil
}

// Query returns metadata about the channel
func (c *Client) Query(ctx context.Context) (*store.Info, error) {
	if c.config.Channel == "" {
		return nil, errMissingChannel
	}
	resp, err := c.exchange(ctx, false, c.config.Timeout, http.MethodGet, c.channelPath("q"), nil, nil)
	if err != nil {
		return nil, err
	} else if resp.code != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	var info store.Info
	if err := json.Unmarshal(resp.body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// popped returns the sequence number of the next chunk to pop, as reported by the server
func (c *Client) popped(ctx context.Context) (uint64, error) {
	info, err := c.Query(ctx)
	if err != nil {
		return 0, err
	}
	return info.Popped, nil
}

// Delete removes the channel and everything that is queued in it
func (c *Client) Delete(ctx context.Context) error {
	if c.config.Channel == "" {
		return errMissingChannel
	}
	resp, err := c.exchange(ctx, false, c.config.Timeout, http.MethodDelete, c.channelPath("c"), nil, nil)
	if err != nil {
		return err
	} else if resp.code != http.StatusOK {
		return errorFromResponse(resp)
	}
	return nil
}

// ServerInfo retrieves the server's version, limits and supported algorithms
func (c *Client) ServerInfo(ctx context.Context) (*server.Info, error) {
	resp, err := c.exchange(ctx, false, c.config.Timeout, http.MethodGet, "/info", nil, nil)
	if err != nil {
		return nil, err
	} else if resp.code != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	var info server.Info
	if err := json.Unmarshal(resp.body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// exchange performs a HTTP request, and retries it if it fails with a network error, a server error,
// or if the channel is full or the client is rate limited. If retryLocked is set, 423 Locked is retried
// as well. Each attempt is limited by timeout. Responses with other status codes are returned as is.
func (c *Client) exchange(ctx context.Context, retryLocked bool, timeout time.Duration, method, path string,
	body []byte, headers map[string]string) (*response, error) {
	b := &backoff.Backoff{
		Min:    retryBackoffMin,
		Max:    retryBackoffMax,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 0; ; attempt++ {
		resp, err := c.roundTrip(ctx, timeout, method, path, body, headers)
		if err == nil && !retryable(resp.code, retryLocked) {
			return resp, nil
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			err = errorFromResponse(resp)
		}
		if attempt >= c.config.Retries {
			if errors.Is(err, ErrLocked) {
				return nil, err
			}
			return nil, errors.Wrap(ErrRetriesExceeded, err.Error())
		}
		delay := b.Duration()
		util.Log.Debugf("%s %s failed: %s; retrying in %s", method, path, err.Error(), delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, timeout time.Duration, method, path string, body []byte,
	headers map[string]string) (*response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	url := fmt.Sprintf("%s%s", config.ExpandServerAddr(c.config.URL), path)
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if credential := c.credentialValue(); credential != "" {
		req.Header.Set("Authorization", util.BasicAuthHeader(credential))
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &response{
		code:   resp.StatusCode,
		header: resp.Header,
		body:   respBody,
	}, nil
}

func (c *Client) newEncoder() (*codec.Encoder, error) {
	compression, err := codec.ParseCompression(c.config.Compression)
	if err != nil {
		return nil, err
	}
	cipher, err := codec.ParseCipher(c.config.Cipher)
	if err != nil {
		return nil, err
	}
	var password []byte
	if cipher != codec.CipherNone {
		password = c.password()
		if password == nil {
			cipher = codec.CipherNone
		}
	}
	return codec.NewEncoder(codec.Options{
		ChunkSize:   int(c.config.ChunkSize),
		Compression: compression,
		Cipher:      cipher,
		Password:    password,
	})
}

func (c *Client) password() []byte {
	if c.config.Password == "" {
		return nil
	}
	return []byte(c.config.Password)
}

// credentialValue returns the credential sent to the server, or an empty string if no password is set.
// The password itself never leaves the client.
func (c *Client) credentialValue() string {
	if c.config.Password == "" {
		return ""
	}
	cred := &c.credential
	cred.mu.Lock()
	defer cred.mu.Unlock()
	if cred.value == "" || cred.channel != c.config.Channel || cred.password != c.config.Password {
		cred.channel, cred.password = c.config.Channel, c.config.Password
		cred.value = crypto.DeriveCredential([]byte(cred.password), cred.channel)
	}
	return cred.value
}

func (c *Client) channelPath(prefix string) string {
	return fmt.Sprintf("/%s/%s", prefix, c.config.Channel)
}

func (c *Client) idleError(t *Transfer) error {
	if t.Chunks() == 0 {
		return ErrNoData
	}
	return errors.Wrapf(ErrIncomplete, "received %s in %d chunk(s)", util.BytesToHuman(t.Bytes), t.Chunks())
}

func retryable(code int, retryLocked bool) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooEarly ||
		code == http.StatusTooManyRequests ||
		(retryLocked && code == http.StatusLocked)
}

func verifyStreamChecksum(t *Transfer, header http.Header) error {
	expected := header.Get(server.HeaderStreamChecksum)
	if expected == "" {
		return nil
	} else if expected != t.framesChecksum() {
		return errors.Wrapf(codec.ErrIntegrity, "stream checksum mismatch, expected %s, got %s", expected, t.framesChecksum())
	}
	return nil
}
