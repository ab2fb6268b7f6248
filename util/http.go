package util

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
)

var (
	errNoTrustedCertMatch = errors.New("no trusted cert matches")
	authBasicRegex        = regexp.MustCompile(`^Basic (\S+)$`)
)

// NewHTTPClient creates a HTTP client. If pinned is not nil, the client only talks to HTTPS servers presenting
// exactly that certificate; communication with a HTTPS server with a different certificate will fail.
func NewHTTPClient(pinned *x509.Certificate) *http.Client {
	if pinned == nil {
		return &http.Client{}
	}
	verifyCertFn := func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, r := range rawCerts {
			if bytes.Equal(pinned.Raw, r) {
				return nil
			}
		}
		return errNoTrustedCertMatch
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify:    true, // Certs are checked manually
				VerifyPeerCertificate: verifyCertFn,
			},
		},
	}
}

// BasicAuthHeader encodes a credential as a HTTP Basic "Authorization" header value with an empty user
// name, i.e. the same value that "curl -u :credential" sends.
func BasicAuthHeader(credential string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+credential))
}

// ParseBasicAuthHeader extracts the password part of a HTTP Basic "Authorization" header. The user name is
// ignored. ok is false if the header is absent or malformed.
func ParseBasicAuthHeader(header string) (credential string, ok bool) {
	m := authBasicRegex.FindStringSubmatch(header)
	if m == nil {
		return "", false
	}
	userPass, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return "", false
	}
	parts := strings.SplitN(string(userPass), ":", 2)
	if len(parts) != 2 {
		return "", false
	}
	return parts[1], true
}

// RemoteIP returns the IP part of the request's remote address
func RemoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr // This should not happen in real life; only in tests.
	}
	return ip
}
