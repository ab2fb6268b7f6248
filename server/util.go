package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/util"
)

// channelName returns the channel name matched by the route
func channelName(r *http.Request) string {
	fields := r.Context().Value(routeCtx{}).([]string)
	return fields[0]
}

// credentialFromRequest extracts the credential from the Authorization header. A missing header
// means no credential; a malformed one is a bad request.
func credentialFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	credential, ok := util.ParseBasicAuthHeader(header)
	if !ok {
		return "", ErrHTTPBadRequest
	}
	return credential, nil
}

func parseUint(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, ErrHTTPBadRequest
	}
	return n, nil
}

// parseStreamChecksum validates the stream checksum header and returns it in canonical form
func parseStreamChecksum(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	sum, err := codec.ParseChecksum(value)
	if err != nil {
		return "", ErrHTTPBadRequest
	}
	return codec.FormatChecksum(sum), nil
}

func boolHeader(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// helpURL returns the URL under which clients reach this server, as shown on the help page
func helpURL(conf *config.Config) string {
	if conf.ServerAddr == "" {
		return fmt.Sprintf("http://localhost:%d", config.DefaultPort)
	}
	return strings.TrimSuffix(config.ExpandServerAddr(conf.ServerAddr), ":443")
}

// curlArgs returns the curl options needed to talk to this server. Self-signed certificates are
// pinned, so curl can verify them without a CA.
func curlArgs(conf *config.Config) string {
	if conf.CertFile == "" {
		return "-sSL"
	}
	cert, err := crypto.LoadCertFromFile(conf.CertFile)
	if err != nil {
		return "-sSLk"
	}
	pin, err := crypto.CurlPinnedPublicKey(cert)
	if err != nil {
		return "-sSLk"
	} else if pin != "" {
		return fmt.Sprintf("-sSLk --pinnedpubkey %s", pin)
	}
	return "-sSL"
}
