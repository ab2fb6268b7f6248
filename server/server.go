// Package server contains the rpipe relay server. A Server holds a channel store and exposes it via HTTP:
// writers send encoded chunks to a named channel, a single receiver at a time drains them in order, and
// anybody with the right credential may peek at what is queued.
//
// To instantiate a new Server, use New using a well-defined Config:
//
//	server, _ := server.New(config.New())
//	http.ListenAndServe(":2581", http.HandlerFunc(server.Handle))
//
// To run the HTTP(S) listeners, the background manager and the state snapshot, use a Router:
//
//	router, _ := server.NewRouter(conf)
//	router.Start()
package server

import (
	"context"
	_ "embed" // required by go:embed
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"text/template"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/store"
	"heckel.io/rpipe/util"
)

const (
	// HeaderStream is the stream ID sent with every chunk of a SEND. All chunks of a stream share the same ID.
	HeaderStream = "X-Stream"

	// HeaderIndex is the zero-based index of a chunk within its stream, sent with every SEND
	HeaderIndex = "X-Index"

	// HeaderStreamChecksum carries the hex-encoded xxhash of all frames of the stream, in order. The sender
	// sets it on the final chunk; the server returns it with the final chunk.
	HeaderStreamChecksum = "X-Stream-Checksum"

	// HeaderTTL may be sent with the first chunk of a stream to override the channel's time-to-live
	HeaderTTL = "X-TTL"

	// HeaderLock is the lock token a receiver sends with every RECEIVE
	HeaderLock = "X-Lock"

	// HeaderNext is the sequence number of the chunk the receiver expects next
	HeaderNext = "X-Next"

	// HeaderWait is the max. duration a RECEIVE may wait for a chunk to arrive (long-poll)
	HeaderWait = "X-Wait"

	// HeaderSeq is the sequence number of a sent or received chunk
	HeaderSeq = "X-Seq"

	// HeaderFinal is "1" if the returned chunk (or the last chunk of a peek) is the final chunk of the stream
	HeaderFinal = "X-Final"

	// HeaderCount is the number of frames in a peek response
	HeaderCount = "X-Count"

	// HeaderAuth is set on 401 responses. Its value is one of AuthNone, AuthRequired or AuthMismatch.
	HeaderAuth = "X-Auth"

	// AuthNone means a credential was sent, but the channel is not password protected
	AuthNone = "none"

	// AuthRequired means the channel is password protected, and no credential was sent
	AuthRequired = "required"

	// AuthMismatch means the channel is password protected, and the credential does not match
	AuthMismatch = "mismatch"

	queryParamPeek = "peek"

	contentTypeFrames   = "application/octet-stream"
	contentTypeJSON     = "application/json"
	contentTypeText     = "text/plain; charset=utf-8"
	visitorExpungeAfter = 30 * time.Minute
)

// Version is reported by the /version and /info endpoints. It is set by the command line app.
var Version = "dev"

var (
	json             = jsoniter.ConfigCompatibleWithStandardLibrary
	channelRegexPart = `([^/]+)`
	templateFnMap    = template.FuncMap{
		"bytesToHuman":    util.BytesToHuman,
		"durationToHuman": util.DurationToHuman,
	}

	//go:embed "help.tmpl"
	helpTemplateSource string
	helpTemplate       = template.Must(template.New("help").Funcs(templateFnMap).Parse(helpTemplateSource))
)

// Server is the main HTTP server struct. It's the one with all the good stuff.
type Server struct {
	config      *config.Config
	store       *store.Store
	webEncoder  *codec.Encoder
	webDecoder  *codec.Decoder
	visitors    map[string]*visitor
	blocked     map[string]bool
	routes      []route
	managerChan chan bool
	mu          sync.Mutex
}

// visitor represents an API user, and its associated rate.Limiter used for rate limiting
type visitor struct {
	limiterGET *rate.Limiter
	limiterPUT *rate.Limiter
	lastSeen   time.Time
}

// Info contains information about the server, as returned by the /info endpoint
type Info struct {
	Version          string   `json:"version"`
	ServerAddr       string   `json:"serverAddr"`
	FrameVersion     int      `json:"frameVersion"`
	MaxChunkSize     int      `json:"maxChunkSize"`
	MaxFrameSize     int64    `json:"maxFrameSize"`
	Compressions     []string `json:"compressions"`
	Ciphers          []string `json:"ciphers"`
	ChannelTTL       int64    `json:"channelTTL"`
	ChannelTTLMax    int64    `json:"channelTTLMax"`
	ChannelSizeLimit int64    `json:"channelSizeLimit"`
	LockTimeout      int64    `json:"lockTimeout"`
	WaitMax          int64    `json:"waitMax"`
}

// handleFunc extends the normal http.HandlerFunc to be able to easily return errors
type handleFunc func(http.ResponseWriter, *http.Request) error

// route represents a HTTP route (e.g. GET /info), a regex that matches it and its handler
type route struct {
	method  string
	regex   *regexp.Regexp
	handler handleFunc
}

func newRoute(method, pattern string, handler handleFunc) route {
	return route{method, regexp.MustCompile("^" + pattern + "$"), handler}
}

// routeCtx is a marker struct used to find fields in route matches
type routeCtx struct{}

// helpTemplateConfig is a struct defining all the things required to render the help page
type helpTemplateConfig struct {
	Version      string
	URL          string
	Curl         string
	MaxChunkSize int64
	Config       *config.Config
}

// New creates a new instance of a Server using the given config. It does a few sanity checks to ensure
// the config will likely work. If a state directory is configured, the last snapshot is restored.
func New(conf *config.Config) (*Server, error) {
	if conf.ListenHTTPS == "" && conf.ListenHTTP == "" {
		return nil, errListenAddrMissing
	}
	if conf.ListenHTTPS != "" {
		if conf.KeyFile == "" {
			return nil, errKeyFileMissing
		}
		if conf.CertFile == "" {
			return nil, errCertFileMissing
		}
	}
	if conf.StateDir != "" && unix.Access(conf.StateDir, unix.W_OK) != nil {
		return nil, errStateDirNotWritable
	}
	webEncoder, err := codec.NewEncoder(codec.Options{
		ChunkSize:   codec.MaxChunkSize,
		Compression: codec.CompressionZstd,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:     conf,
		store:      store.New(conf),
		webEncoder: webEncoder,
		webDecoder: codec.NewDecoder(nil),
		visitors:   make(map[string]*visitor),
		blocked:    blockedSet(conf.BlockedIPs),
		routes:     nil,
	}
	if conf.StateDir != "" {
		if err := s.loadState(); err != nil {
			util.Log.Warnf("[%s] cannot restore state from %s: %s", s.addr(), conf.StateDir, err.Error())
		}
	}
	return s, nil
}

// Handle is the delegating handler function for the relay. It uses the routeList to find a matching route
// and delegates to it. Panics in handlers are recovered and turned into a 500 response.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.fail(w, r, http.StatusInternalServerError, fmt.Errorf("panic: %v", rec))
		}
	}()
	for _, route := range s.routeList() {
		matches := route.regex.FindStringSubmatch(r.URL.Path)
		if len(matches) > 0 && r.Method == route.method {
			util.Log.Debugf("[%s] %s - %s %s", s.addr(), r.RemoteAddr, r.Method, r.RequestURI)
			ctx := context.WithValue(r.Context(), routeCtx{}, matches[1:])
			if err := route.handler(w, r.WithContext(ctx)); err != nil {
				s.handleError(w, r, err)
			}
			return
		}
	}
	if r.Method == http.MethodGet {
		s.fail(w, r, http.StatusNotFound, errNoMatchingRoute)
	} else {
		s.fail(w, r, http.StatusBadRequest, errNoMatchingRoute)
	}
}

func (s *Server) routeList() []route {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routes != nil {
		return s.routes
	}

	channelRoute := "/c/" + channelRegexPart
	webRoute := "/w/" + channelRegexPart
	holdRoute := "/admin/hold/" + channelRegexPart
	blockRoute := "/admin/block/" + channelRegexPart
	s.routes = []route{
		newRoute("GET", "/", s.limit(s.handleHelp)),
		newRoute("GET", "/help", s.limit(s.handleHelp)),
		newRoute("GET", "/info", s.limit(s.handleInfo)),
		newRoute("GET", "/version", s.limit(s.handleVersion)),
		newRoute("PUT", channelRoute, s.limit(s.handleSend)),
		newRoute("POST", channelRoute, s.limit(s.handleSend)),
		newRoute("GET", channelRoute, s.limit(s.handleReceive)),
		newRoute("DELETE", channelRoute, s.limit(s.handleDelete)),
		newRoute("GET", "/p/"+channelRegexPart, s.limit(s.handlePeek)),
		newRoute("GET", "/q/"+channelRegexPart, s.limit(s.handleQuery)),
		newRoute("PUT", webRoute, s.limit(s.handleWebSend)),
		newRoute("POST", webRoute, s.limit(s.handleWebSend)),
		newRoute("GET", webRoute, s.limit(s.handleWebReceive)),
		newRoute("GET", "/admin/channels", s.limit(s.admin(s.handleAdminChannels))),
		newRoute("GET", "/admin/stats", s.limit(s.admin(s.handleAdminStats))),
		newRoute("GET", "/admin/log-level", s.limit(s.admin(s.handleAdminLogLevel))),
		newRoute("PUT", "/admin/log-level", s.limit(s.admin(s.handleAdminSetLogLevel))),
		newRoute("PUT", holdRoute, s.limit(s.admin(s.handleAdminHold))),
		newRoute("DELETE", holdRoute, s.limit(s.admin(s.handleAdminHold))),
		newRoute("PUT", blockRoute, s.limit(s.admin(s.handleAdminBlock))),
		newRoute("DELETE", blockRoute, s.limit(s.admin(s.handleAdminBlock))),
	}
	return s.routes
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", contentTypeText)
	return helpTemplate.Execute(w, &helpTemplateConfig{
		Version:      Version,
		URL:          helpURL(s.config),
		Curl:         curlArgs(s.config),
		MaxChunkSize: int64(codec.MaxChunkSize),
		Config:       s.config,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) error {
	response := &Info{
		Version:          Version,
		ServerAddr:       s.config.ServerAddr,
		FrameVersion:     codec.Version1,
		MaxChunkSize:     codec.MaxChunkSize,
		MaxFrameSize:     s.config.MaxFrameSize,
		Compressions:     codec.Compressions(),
		Ciphers:          codec.Ciphers(),
		ChannelTTL:       int64(s.config.ChannelTTL.Seconds()),
		ChannelTTLMax:    int64(s.config.ChannelTTLMax.Seconds()),
		ChannelSizeLimit: s.config.ChannelSizeLimit,
		LockTimeout:      int64(s.config.LockTimeout.Seconds()),
		WaitMax:          int64(s.config.WaitMax.Seconds()),
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	return json.NewEncoder(w).Encode(response)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", contentTypeText)
	_, err := io.WriteString(w, Version+"\n")
	return err
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) error {
	name := channelName(r)
	credential, err := credentialFromRequest(r)
	if err != nil {
		return err
	}
	streamID := r.Header.Get(HeaderStream)
	if streamID == "" {
		return ErrHTTPBadRequest
	}
	index, err := parseUint(r.Header.Get(HeaderIndex))
	if err != nil {
		return err
	}
	streamChecksum, err := parseStreamChecksum(r.Header.Get(HeaderStreamChecksum))
	if err != nil {
		return err
	}
	ttl, err := s.parseTTL(r.Header.Get(HeaderTTL))
	if err != nil {
		return err
	}
	frame, err := s.readBody(r, s.config.MaxFrameSize)
	if err != nil {
		return err
	}
	seq, err := s.store.Push(name, credential, &store.PushRequest{
		StreamID:       streamID,
		Index:          index,
		Frame:          frame,
		StreamChecksum: streamChecksum,
		TTL:            ttl,
	})
	if err != nil {
		return err
	}
	w.Header().Set(HeaderSeq, strconv.FormatUint(seq, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) error {
	name := channelName(r)
	credential, err := credentialFromRequest(r)
	if err != nil {
		return err
	}
	token := r.Header.Get(HeaderLock)
	if token == "" {
		return ErrHTTPBadRequest
	}
	next, err := parseUint(r.Header.Get(HeaderNext))
	if err != nil {
		return err
	}
	wait, err := s.parseWait(r.Header.Get(HeaderWait))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	chunk, err := s.store.Pop(ctx, name, credential, token, next)
	if errors.Is(err, store.ErrEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return nil
	} else if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentTypeFrames)
	w.Header().Set("Content-Length", strconv.Itoa(len(chunk.Frame)))
	w.Header().Set(HeaderSeq, strconv.FormatUint(chunk.Seq, 10))
	w.Header().Set(HeaderFinal, boolHeader(chunk.Final))
	if chunk.StreamChecksum != "" {
		w.Header().Set(HeaderStreamChecksum, chunk.StreamChecksum)
	}
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(chunk.Frame)
	return err
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) error {
	credential, err := credentialFromRequest(r)
	if err != nil {
		return err
	}
	if err := s.store.Delete(channelName(r), credential); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) error {
	credential, err := credentialFromRequest(r)
	if err != nil {
		return err
	}
	chunks, err := s.store.Peek(channelName(r), credential)
	if err != nil {
		return err
	} else if len(chunks) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	size := 0
	for _, chunk := range chunks {
		size += len(chunk.Frame)
	}
	last := chunks[len(chunks)-1]
	w.Header().Set("Content-Type", contentTypeFrames)
	w.Header().Set("Content-Length", strconv.Itoa(size))
	w.Header().Set(HeaderCount, strconv.Itoa(len(chunks)))
	w.Header().Set(HeaderFinal, boolHeader(last.Final))
	if last.StreamChecksum != "" {
		w.Header().Set(HeaderStreamChecksum, last.StreamChecksum)
	}
	w.WriteHeader(http.StatusOK)
	for _, chunk := range chunks {
		if _, err := w.Write(chunk.Frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) error {
	credential, err := credentialFromRequest(r)
	if err != nil {
		return err
	}
	info, err := s.store.Query(channelName(r), credential)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	return json.NewEncoder(w).Encode(info)
}

// handleWebSend accepts a raw body (e.g. from curl) and queues it as a single, unencrypted final chunk
func (s *Server) handleWebSend(w http.ResponseWriter, r *http.Request) error {
	credential, err := credentialFromRequest(r)
	if err != nil {
		return err
	}
	ttl, err := s.parseTTL(r.Header.Get(HeaderTTL))
	if err != nil {
		return err
	}
	body, err := s.readBody(r, codec.MaxChunkSize)
	if err != nil {
		return err
	}
	frame, err := s.webEncoder.Encode(body, true)
	if err != nil {
		return err
	}
	seq, err := s.store.Push(channelName(r), credential, &store.PushRequest{
		StreamID:       uuid.NewString(),
		Index:          0,
		Frame:          frame,
		StreamChecksum: codec.FormatChecksum(xxhash.Sum64(frame)),
		TTL:            ttl,
	})
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentTypeText)
	w.Header().Set(HeaderSeq, strconv.FormatUint(seq, 10))
	_, err = fmt.Fprintf(w, "Queued %s in channel %s\n", util.BytesToHuman(int64(len(body))), channelName(r))
	return err
}

// handleWebReceive drains everything that is currently queued in the channel and returns the decoded
// plain bytes, or, if the peek parameter is set, returns them without consuming anything
func (s *Server) handleWebReceive(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Query().Get(queryParamPeek) == "1" {
		return s.handleWebPeek(w, r)
	}
	name := channelName(r)
	credential, err := credentialFromRequest(r)
	if err != nil {
		return err
	}
	info, err := s.store.Query(name, credential)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return nil
	} else if err != nil {
		return err
	} else if info.Encrypted {
		return ErrHTTPUnprocessableEntity
	}
	ctx, cancel := context.WithCancel(r.Context())
	cancel() // Never wait, only return what is there
	token := uuid.NewString()
	written := false
	for next := info.Popped; ; next++ {
		chunk, err := s.store.Pop(ctx, name, credential, token, next)
		if errors.Is(err, store.ErrEmpty) {
			break
		} else if err != nil {
			if written {
				util.Log.Infof("[%s] %s - %s %s - web receive interrupted: %s", s.addr(), r.RemoteAddr, r.Method, r.RequestURI, err.Error())
				return nil
			}
			return err
		}
		_, plain, err := s.webDecoder.Decode(chunk.Frame)
		if err != nil {
			return err
		}
		if !written {
			w.Header().Set("Content-Type", contentTypeFrames)
			w.WriteHeader(http.StatusOK)
			written = true
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}
		if chunk.Final {
			break
		}
	}
	if !written {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

func (s *Server) handleWebPeek(w http.ResponseWriter, r *http.Request) error {
	credential, err := credentialFromRequest(r)
	if err != nil {
		return err
	}
	chunks, err := s.store.Peek(channelName(r), credential)
	if err != nil {
		return err
	} else if len(chunks) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	plains := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		if chunk.Encrypted {
			return ErrHTTPUnprocessableEntity
		}
		if _, plains[i], err = s.webDecoder.Decode(chunk.Frame); err != nil {
			return err
		}
	}
	w.Header().Set("Content-Type", contentTypeFrames)
	w.Header().Set(HeaderFinal, boolHeader(chunks[len(chunks)-1].Final))
	w.WriteHeader(http.StatusOK)
	for _, plain := range plains {
		if _, err := w.Write(plain); err != nil {
			return err
		}
	}
	return nil
}

// readBody reads the request body, failing with 413 if it is larger than limit bytes
func (s *Server) readBody(r *http.Request, limit int64) ([]byte, error) {
	if limit > 0 && r.ContentLength > limit {
		return nil, ErrHTTPPayloadTooLarge
	}
	reader := io.Reader(r.Body)
	if limit > 0 {
		reader = io.LimitReader(r.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	} else if limit > 0 && int64(len(body)) > limit {
		return nil, ErrHTTPPayloadTooLarge
	}
	return body, nil
}

// parseTTL parses the X-TTL header. Values above the configured max. TTL are capped.
func (s *Server) parseTTL(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	ttl, err := util.ParseDuration(value)
	if err != nil || ttl < 0 {
		return 0, ErrHTTPBadRequest
	}
	if s.config.ChannelTTLMax > 0 && ttl > s.config.ChannelTTLMax {
		ttl = s.config.ChannelTTLMax
	}
	return ttl, nil
}

// parseWait parses the X-Wait header. Values above the configured max. wait time are capped.
func (s *Server) parseWait(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	wait, err := util.ParseDuration(value)
	if err != nil || wait < 0 {
		return 0, ErrHTTPBadRequest
	}
	if wait > s.config.WaitMax {
		wait = s.config.WaitMax
	}
	return wait, nil
}

func (s *Server) startManager() {
	s.mu.Lock()
	if s.managerChan != nil {
		s.mu.Unlock()
		return
	}
	managerChan := make(chan bool)
	s.managerChan = managerChan
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.config.ManagerInterval)
		defer ticker.Stop()
		for {
			s.updateStatsAndExpire()
			select {
			case <-ticker.C:
			case <-managerChan:
				return
			}
		}
	}()
}

func (s *Server) stopManager() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.managerChan != nil {
		close(s.managerChan)
		s.managerChan = nil
	}
}

func (s *Server) updateStatsAndExpire() {
	s.mu.Lock()
	for ip, v := range s.visitors {
		if time.Since(v.lastSeen) > visitorExpungeAfter {
			delete(s.visitors, ip)
		}
	}
	visitors := len(s.visitors)
	s.mu.Unlock()

	for _, name := range s.store.ExpireSweep(time.Now(), s.config.ChannelTTL) {
		util.Log.Debugf("[%s] channel %s expired", s.addr(), name)
	}
	s.printStats(s.store.Stats(), visitors)
}

func (s *Server) printStats(stats *store.Stats, visitors int) {
	var countLimit, sizeLimit string
	if stats.ChannelsLimit == 0 {
		countLimit = "no limit"
	} else {
		countLimit = fmt.Sprintf("max %d", stats.ChannelsLimit)
	}
	if stats.SizeLimit == 0 {
		sizeLimit = "no limit"
	} else {
		sizeLimit = fmt.Sprintf("max %s", util.BytesToHuman(stats.SizeLimit))
	}
	util.Log.Infof("[%s] channels: %d (%s), size: %s (%s), pushes: %d, pops: %d, peeks: %d, expired: %d, visitors: %d (last 30 minutes)",
		s.addr(), stats.Channels, countLimit, util.BytesToHuman(stats.Size), sizeLimit,
		stats.Pushes, stats.Pops, stats.Peeks, stats.Evictions, visitors)
}

// limit wraps all HTTP endpoints, rejects blocked IP addresses and limits API use to a certain number
// of requests per second.
// This function was taken from https://www.alexedwards.net/blog/how-to-rate-limit-http-requests (MIT).
func (s *Server) limit(next handleFunc) handleFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		ip := util.RemoteIP(r)
		if s.isBlocked(ip) {
			return ErrHTTPForbidden
		}
		v := s.getVisitor(ip)
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if !v.limiterGET.Allow() {
				return ErrHTTPTooManyRequests
			}
		} else {
			if !v.limiterPUT.Allow() {
				return ErrHTTPTooManyRequests
			}
		}
		return next(w, r)
	}
}

// getVisitor creates or retrieves a rate.Limiter for the given visitor.
func (s *Server) getVisitor(ip string) *visitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, exists := s.visitors[ip]
	if !exists {
		v = &visitor{
			rate.NewLimiter(s.config.LimitGET, s.config.LimitGETBurst),
			rate.NewLimiter(s.config.LimitPUT, s.config.LimitPUTBurst),
			time.Now(),
		}
		s.visitors[ip] = v
		return v
	}
	v.lastSeen = time.Now()
	return v
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	e := toErrHTTP(err)
	if e == nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if e.Code == http.StatusUnauthorized {
		credential, _ := credentialFromRequest(r)
		w.Header().Set(HeaderAuth, authStatus(err, credential))
	}
	s.fail(w, r, e.Code, err)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		util.Log.Warnf("[%s] %s - %s %s - %s", s.addr(), r.RemoteAddr, r.Method, r.RequestURI, err.Error())
	} else {
		util.Log.Infof("[%s] %s - %s %s - %s", s.addr(), r.RemoteAddr, r.Method, r.RequestURI, err.Error())
	}
	w.Header().Set("Content-Type", contentTypeText)
	w.WriteHeader(code)
	w.Write([]byte(http.StatusText(code)))
}

func (s *Server) addr() string {
	if s.config.ServerAddr != "" {
		return config.CollapseServerAddr(s.config.ServerAddr)
	} else if s.config.ListenHTTPS != "" {
		return s.config.ListenHTTPS
	}
	return s.config.ListenHTTP
}
