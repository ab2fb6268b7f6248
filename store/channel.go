package store

import (
	"sync"
	"time"

	"heckel.io/rpipe/crypto"
)

// Chunk is a single encoded frame in a channel's queue. Frame is never modified after the push.
type Chunk struct {
	Seq            uint64
	Frame          []byte
	Final          bool
	Encrypted      bool
	StreamChecksum string // only set on the final chunk, if the sender provided it
}

// Info contains metadata about a channel, as returned by Query
type Info struct {
	Name      string `json:"name"`
	Chunks    int    `json:"chunks"`
	Size      int64  `json:"size"`
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Final     bool   `json:"final"`
	Locked    bool   `json:"locked"`
	Held      bool   `json:"held,omitempty"`
	Protected bool   `json:"protected"`
	Encrypted bool   `json:"encrypted"`
	Expires   int64  `json:"expires"`
}

// channel is the state of a single named channel. All fields are guarded by mu. A channel that was
// removed from the store is marked as evicted; goroutines that looked it up before must look it up again.
type channel struct {
	name         string
	key          *crypto.Key // nil if the channel has no password
	streamID     string
	chunks       []*Chunk
	nextSeq      uint64 // seq of the next pushed chunk
	popped       uint64 // seq of the next chunk to pop
	lastPopped   *Chunk
	lockToken    string
	lockSeen     time.Time
	lastActivity time.Time
	ttl          time.Duration
	final        bool
	encrypted    bool
	held         bool // set by an administrator, blocks receivers
	size         int64
	notify       chan struct{} // closed and replaced on every push, and closed on eviction
	evicted      bool
	mu           sync.Mutex
}

func newChannel(name string, key *crypto.Key, streamID string, ttl time.Duration, now time.Time) *channel {
	return &channel{
		name:         name,
		key:          key,
		streamID:     streamID,
		chunks:       make([]*Chunk, 0),
		lastActivity: now,
		ttl:          ttl,
		notify:       make(chan struct{}),
	}
}

func (ch *channel) authorize(credential string) error {
	return authorize(ch.key, credential)
}

func authorize(key *crypto.Key, credential string) error {
	if key == nil {
		if credential != "" {
			return ErrNotProtected
		}
		return nil
	}
	if !key.Matches([]byte(credential)) {
		return ErrUnauthorized
	}
	return nil
}

func (ch *channel) locked(now time.Time, lockTimeout time.Duration) bool {
	return ch.lockToken != "" && now.Sub(ch.lockSeen) < lockTimeout
}

func (ch *channel) lockedByOther(token string, now time.Time, lockTimeout time.Duration) bool {
	return ch.locked(now, lockTimeout) && ch.lockToken != token
}

func (ch *channel) expired(now time.Time, defaultTTL time.Duration) bool {
	ttl := defaultTTL
	if ch.ttl > 0 {
		ttl = ch.ttl
	}
	return ttl > 0 && now.Sub(ch.lastActivity) > ttl
}

func (ch *channel) wake() {
	close(ch.notify)
	ch.notify = make(chan struct{})
}

func (ch *channel) info(now time.Time, lockTimeout time.Duration, defaultTTL time.Duration) *Info {
	ttl := defaultTTL
	if ch.ttl > 0 {
		ttl = ch.ttl
	}
	expires := int64(0)
	if ttl > 0 {
		expires = ch.lastActivity.Add(ttl).Unix()
	}
	return &Info{
		Name:      ch.name,
		Chunks:    len(ch.chunks),
		Size:      ch.size,
		Pushed:    ch.nextSeq,
		Popped:    ch.popped,
		Final:     ch.final,
		Locked:    ch.held || ch.locked(now, lockTimeout),
		Held:      ch.held,
		Protected: ch.key != nil,
		Encrypted: ch.encrypted,
		Expires:   expires,
	}
}
