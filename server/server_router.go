package server

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/requestlog"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/util"
)

// Router is a simple vhost delegator to be able to run multiple relays on the same port.
// It runs the actual HTTP(S) servers and delegates based on the configured hostname.
type Router struct {
	servers     []*Server
	httpServers []*http.Server
	mu          sync.Mutex
}

// Serve starts a server and listens for incoming HTTP(S) requests. It also starts a background process
// to expire idle channels and to print statistics.
//
// The function supports many configs, multiplexing based on the HTTP "Host:" header to the individual Server instances.
func Serve(configs ...*config.Config) error {
	router, err := NewRouter(configs...)
	if err != nil {
		return err
	}
	return router.Start()
}

// NewRouter creates a new multi-relay server using the given configs.
//
// The function supports many configs, multiplexing based on the HTTP "Host:" header to the individual Server instances.
// If more than one config is passed, the listen addresses should be identical for all of them.
func NewRouter(configs ...*config.Config) (*Router, error) {
	if len(configs) == 0 {
		return nil, errInvalidNumberOfConfigs
	}
	servers, err := createServers(configs)
	if err != nil {
		return nil, err
	}
	return &Router{servers: servers}, nil
}

// Start starts the HTTP(S) server. It blocks until one of the listeners fails or Stop is called.
func (r *Router) Start() error {
	r.mu.Lock()

	var err error
	r.httpServers, err = r.createHTTPServers()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.printListenInfo()

	errChan := make(chan error, len(r.httpServers))
	for _, s := range r.httpServers {
		go func(s *http.Server) {
			if s.TLSConfig != nil {
				listener, err := tls.Listen("tcp", s.Addr, s.TLSConfig)
				if err != nil {
					errChan <- err
					return
				}
				if err := s.Serve(listener); err != nil {
					errChan <- err
				}
			} else {
				if err := s.ListenAndServe(); err != nil {
					errChan <- err
				}
			}
		}(s)
	}

	for _, s := range r.servers {
		s.startManager()
	}

	r.mu.Unlock()
	err = <-errChan
	return err
}

// Stop immediately shuts down the HTTP(S) server. This is not a graceful shutdown. If a state directory
// is configured, all channels are saved before Stop returns.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result *multierror.Error
	for _, s := range r.httpServers {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, s := range r.servers {
		s.stopManager()
		if s.config.StateDir != "" {
			if err := s.saveState(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	r.httpServers = nil
	return result.ErrorOrNil()
}

func createServers(configs []*config.Config) ([]*Server, error) {
	servers := make([]*Server, len(configs))
	for i, conf := range configs {
		var err error
		servers[i], err = New(conf)
		if err != nil {
			return nil, err
		}
	}
	return servers, nil
}

func (r *Router) printListenInfo() {
	listens := make([]string, 0)
	for _, s := range r.httpServers {
		proto := "http"
		if s.TLSConfig != nil {
			proto = "https"
		}
		listens = append(listens, fmt.Sprintf("%s/%s", s.Addr, proto))
	}
	util.Log.Infof("Listening on %s (%d relay(s))", strings.Join(listens, " "), len(r.servers))
}

func (r *Router) createHTTPServers() ([]*http.Server, error) {
	serversPerPort := make(map[string]int)
	for _, s := range r.servers {
		serversPerPort[s.config.ListenHTTP]++
		serversPerPort[s.config.ListenHTTPS]++
	}
	servers := make(map[string]*http.Server)
	muxes := make(map[string]*http.ServeMux)
	for _, s := range r.servers {
		if s.config.ListenHTTP != "" {
			if _, err := r.createServerOrAddHandler(servers, muxes, serversPerPort, s, s.config.ListenHTTP); err != nil {
				return nil, err
			}
		}
		if s.config.ListenHTTPS != "" {
			server, err := r.createServerOrAddHandler(servers, muxes, serversPerPort, s, s.config.ListenHTTPS)
			if err != nil {
				return nil, err
			}
			cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
			if err != nil {
				return nil, err
			}
			if server.TLSConfig == nil {
				server.TLSConfig = &tls.Config{Certificates: make([]tls.Certificate, 0)}
			}
			server.TLSConfig.Certificates = append(server.TLSConfig.Certificates, cert)
		}
	}
	serversList := make([]*http.Server, 0)
	for _, s := range servers {
		serversList = append(serversList, s)
	}
	return serversList, nil
}

func (r *Router) createServerOrAddHandler(servers map[string]*http.Server, muxes map[string]*http.ServeMux,
	serversPerPort map[string]int, s *Server, listen string) (*http.Server, error) {
	server, ok := servers[listen]
	if !ok {
		mux := http.NewServeMux()
		handler := http.Handler(mux)
		if s.config.Debug {
			handler = requestlog.Wrap(handler)
		}
		server = &http.Server{Addr: listen, Handler: handler}
		servers[listen] = server
		muxes[listen] = mux
	}
	mux := muxes[listen]
	if serversPerPort[listen] == 1 || s.config.ServerAddr == "" {
		mux.HandleFunc("/", s.Handle)
		return server, nil
	}
	serverURL, err := url.ParseRequestURI(config.ExpandServerAddr(s.config.ServerAddr))
	if err != nil {
		return nil, err
	}
	mux.HandleFunc(fmt.Sprintf("%s/", serverURL.Hostname()), s.Handle)
	return server, nil
}
