package client

import (
	"errors"
	"net/http"

	pkgerrors "github.com/pkg/errors"
	"heckel.io/rpipe/server"
)

var (
	// ErrAuth is returned if the server rejected the credential, or if a credential was sent for a channel
	// without password. It is never retried.
	ErrAuth = errors.New("authentication failed")

	// ErrLocked is returned if another receiver held the channel for longer than the client was willing to wait
	ErrLocked = errors.New("channel is locked by another receiver")

	// ErrGone is returned if the channel expired or was deleted during a transfer
	ErrGone = errors.New("channel gone")

	// ErrNoData is returned by Receive if nothing arrived before the idle timeout
	ErrNoData = errors.New("no data received")

	// ErrIncomplete is returned by Receive if parts of a stream were received, but not its end. The data
	// that was received has been written already.
	ErrIncomplete = errors.New("stream incomplete, no data received for too long")

	// ErrMidStream is returned by Receive if the beginning of the stream was received by another receiver
	// whose lock expired. The rest of the stream has been written.
	ErrMidStream = errors.New("stream started mid-way")

	// ErrRetriesExceeded is returned if a transient error persisted for more than the configured number of retries
	ErrRetriesExceeded = errors.New("retries exceeded")
)

var errMissingServerAddr = errors.New("server address missing")
var errMissingChannel = errors.New("channel name missing")
var errUnexpectedSeq = errors.New("server returned unexpected sequence number")

// errorFromResponse maps a non-successful HTTP response to an error
func errorFromResponse(resp *response) error {
	switch resp.code {
	case http.StatusUnauthorized:
		switch resp.header.Get(server.HeaderAuth) {
		case server.AuthNone:
			return pkgerrors.Wrap(ErrAuth, "channel is not password protected")
		case server.AuthRequired:
			return pkgerrors.Wrap(ErrAuth, "channel requires a password")
		}
		return pkgerrors.Wrap(ErrAuth, "wrong password")
	case http.StatusLocked:
		return ErrLocked
	case http.StatusGone:
		return ErrGone
	}
	return &server.ErrHTTP{Code: resp.code, Status: http.StatusText(resp.code)}
}
