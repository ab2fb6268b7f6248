package server

import (
	"net"
	"net/http"
	"sort"
	"strings"

	"heckel.io/rpipe/store"
	"heckel.io/rpipe/util"
)

const maxLogLevelLength = 16

// AdminStats is returned by the /admin/stats endpoint
type AdminStats struct {
	*store.Stats
	Visitors int      `json:"visitors"`
	Blocked  []string `json:"blocked"`
	LogLevel string   `json:"logLevel"`
}

// admin wraps the /admin endpoints. They do not exist unless an AdminKey is configured, and require
// the admin credential otherwise.
func (s *Server) admin(next handleFunc) handleFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if s.config.AdminKey == nil {
			return ErrHTTPNotFound
		}
		credential, err := credentialFromRequest(r)
		if err != nil {
			return err
		}
		if credential == "" || !s.config.AdminKey.Matches([]byte(credential)) {
			return ErrHTTPUnauthorized
		}
		return next(w, r)
	}
}

func (s *Server) handleAdminChannels(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", contentTypeJSON)
	return json.NewEncoder(w).Encode(s.store.List())
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) error {
	s.mu.Lock()
	visitors := len(s.visitors)
	s.mu.Unlock()
	stats := &AdminStats{
		Stats:    s.store.Stats(),
		Visitors: visitors,
		Blocked:  s.blockedIPs(),
		LogLevel: util.LogLevelName(),
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	return json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleAdminLogLevel(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", contentTypeText)
	_, err := w.Write([]byte(util.LogLevelName() + "\n"))
	return err
}

func (s *Server) handleAdminSetLogLevel(w http.ResponseWriter, r *http.Request) error {
	body, err := s.readBody(r, maxLogLevelLength)
	if err != nil {
		return err
	}
	if err := util.SetLogLevelName(strings.TrimSpace(string(body))); err != nil {
		return ErrHTTPBadRequest
	}
	util.Log.Infof("[%s] %s - log level changed to %s", s.addr(), r.RemoteAddr, util.LogLevelName())
	return s.handleAdminLogLevel(w, r)
}

func (s *Server) handleAdminHold(w http.ResponseWriter, r *http.Request) error {
	held := r.Method == http.MethodPut
	if err := s.store.Hold(channelName(r), held); err != nil {
		return err
	}
	util.Log.Infof("[%s] %s - channel %s held: %t", s.addr(), r.RemoteAddr, channelName(r), held)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleAdminBlock(w http.ResponseWriter, r *http.Request) error {
	ip := net.ParseIP(channelName(r))
	if ip == nil {
		return ErrHTTPBadRequest
	}
	blocked := r.Method == http.MethodPut
	s.mu.Lock()
	if blocked {
		s.blocked[ip.String()] = true
	} else {
		delete(s.blocked, ip.String())
	}
	s.mu.Unlock()
	util.Log.Infof("[%s] %s - IP %s blocked: %t", s.addr(), r.RemoteAddr, ip.String(), blocked)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) isBlocked(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[ip]
}

func (s *Server) blockedIPs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ips := make([]string, 0, len(s.blocked))
	for ip := range s.blocked {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// blockedSet normalizes the configured IP addresses. Invalid ones are skipped with a warning.
func blockedSet(ips []string) map[string]bool {
	blocked := make(map[string]bool)
	for _, s := range ips {
		ip := net.ParseIP(strings.TrimSpace(s))
		if ip == nil {
			util.Log.Warnf("ignoring invalid blocked IP address %q", s)
			continue
		}
		blocked[ip.String()] = true
	}
	return blocked
}
