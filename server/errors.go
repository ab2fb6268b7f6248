package server

import (
	"errors"
	"fmt"
	"net/http"

	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/store"
)

// ErrHTTP is a generic HTTP error for any non-200 HTTP error
type ErrHTTP struct {
	Code   int
	Status string
}

func (e ErrHTTP) Error() string {
	return fmt.Sprintf("http: %s", e.Status)
}

func newErrHTTP(code int) *ErrHTTP {
	return &ErrHTTP{code, http.StatusText(code)}
}

// ErrHTTPBadRequest is returned when the request sent by the client was invalid, e.g. a malformed header or frame
var ErrHTTPBadRequest = newErrHTTP(http.StatusBadRequest)

// ErrHTTPNotFound is returned when a resource is not found on the server
var ErrHTTPNotFound = newErrHTTP(http.StatusNotFound)

// ErrHTTPUnauthorized is returned when the client has not sent proper credentials
var ErrHTTPUnauthorized = newErrHTTP(http.StatusUnauthorized)

// ErrHTTPForbidden is returned to IP addresses blocked by an administrator
var ErrHTTPForbidden = newErrHTTP(http.StatusForbidden)

// ErrHTTPConflict is returned for out-of-order chunks, foreign streams, or data consumed by someone else
var ErrHTTPConflict = newErrHTTP(http.StatusConflict)

// ErrHTTPGone is returned when a channel expired or was deleted during a transfer
var ErrHTTPGone = newErrHTTP(http.StatusGone)

// ErrHTTPPayloadTooLarge is returned when a frame exceeds the frame or channel size limit
var ErrHTTPPayloadTooLarge = newErrHTTP(http.StatusRequestEntityTooLarge)

// ErrHTTPUnsupportedMediaType is returned for frames with an unknown format version
var ErrHTTPUnsupportedMediaType = newErrHTTP(http.StatusUnsupportedMediaType)

// ErrHTTPUnprocessableEntity is returned by the web path if the channel contains encrypted data
var ErrHTTPUnprocessableEntity = newErrHTTP(http.StatusUnprocessableEntity)

// ErrHTTPLocked is returned when another receiver is currently draining the channel
var ErrHTTPLocked = newErrHTTP(http.StatusLocked)

// ErrHTTPTooEarly is returned when the channel or the server is full; the client should retry later
var ErrHTTPTooEarly = newErrHTTP(http.StatusTooEarly)

// ErrHTTPTooManyRequests is returned when a server-side rate limit has been reached
var ErrHTTPTooManyRequests = newErrHTTP(http.StatusTooManyRequests)

var errListenAddrMissing = errors.New("listen address missing, add 'ListenHTTPS' or 'ListenHTTP' to config or pass --listen-http(s)")
var errKeyFileMissing = errors.New("private key file missing, add 'KeyFile' to config or pass --keyfile")
var errCertFileMissing = errors.New("certificate file missing, add 'CertFile' to config or pass --certfile")
var errStateDirNotWritable = errors.New("state directory does not exist or is not writable")
var errNoMatchingRoute = errors.New("no matching route")
var errInvalidNumberOfConfigs = errors.New("invalid number of configs, need at least one")

// toErrHTTP maps errors returned by the store and the codec to HTTP status codes. Errors it does not know
// are returned as nil.
func toErrHTTP(err error) *ErrHTTP {
	var e *ErrHTTP
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, store.ErrUnauthorized), errors.Is(err, store.ErrNotProtected):
		return ErrHTTPUnauthorized
	case errors.Is(err, store.ErrLocked):
		return ErrHTTPLocked
	case errors.Is(err, store.ErrGone):
		return ErrHTTPGone
	case errors.Is(err, store.ErrNotFound):
		return ErrHTTPNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrHTTPConflict
	case errors.Is(err, store.ErrFull):
		return ErrHTTPTooEarly
	case errors.Is(err, store.ErrTooMany):
		return ErrHTTPTooManyRequests
	case errors.Is(err, store.ErrTooLarge), errors.Is(err, codec.ErrTooLarge):
		return ErrHTTPPayloadTooLarge
	case errors.Is(err, codec.ErrKeyRequired):
		return ErrHTTPUnprocessableEntity
	case errors.Is(err, codec.ErrUnsupportedVersion):
		return ErrHTTPUnsupportedMediaType
	case errors.Is(err, store.ErrInvalidName), errors.Is(err, codec.ErrFormat), errors.Is(err, codec.ErrIntegrity):
		return ErrHTTPBadRequest
	}
	return nil
}

// authStatus returns the value of the X-Auth response header for authentication errors
func authStatus(err error, credential string) string {
	if errors.Is(err, store.ErrNotProtected) {
		return AuthNone
	} else if credential == "" {
		return AuthRequired
	}
	return AuthMismatch
}
