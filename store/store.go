// Package store implements the server-side channel relay engine: a map of named channels, each holding
// an ordered queue of encoded chunks. Writers push chunks, a single receiver at a time pops them in order,
// and anybody with the right credential may peek at the queue without consuming it.
//
// The store mutex only guards the channel map. Each channel has its own mutex, which may be held while
// briefly taking the store mutex, but never the other way around.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/config"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/util"
)

// completion remembers a fully drained stream for the lock timeout, so that a receiver that lost the
// response to its last pop can still get it, and a sender retrying a chunk is not mistaken for a new stream
type completion struct {
	key      *crypto.Key
	streamID string
	pushed   uint64
	token    string
	chunk    *Chunk
	at       time.Time
}

// PushRequest describes a single chunk sent by a writer
type PushRequest struct {
	StreamID       string
	Index          uint64
	Frame          []byte
	StreamChecksum string
	TTL            time.Duration // only honored when the channel is created
}

// Stats holds statistics about the current store usage. Limits of zero mean no limit.
type Stats struct {
	Channels      int    `json:"channels"`
	ChannelsLimit int64  `json:"channelsLimit"`
	Size          int64  `json:"size"`
	SizeLimit     int64  `json:"sizeLimit"`
	Pushes        uint64 `json:"pushes"`
	Pops          uint64 `json:"pops"`
	Peeks         uint64 `json:"peeks"`
	Evictions     uint64 `json:"evictions"`
}

// Store holds all channels of a server
type Store struct {
	config       *config.Config
	channels     map[string]*channel
	created      chan struct{} // closed and replaced whenever a channel is created
	completed    map[string]*completion
	countLimiter *util.Limiter
	sizeLimiter  *util.Limiter
	pushes       *atomic.Uint64
	pops         *atomic.Uint64
	peeks        *atomic.Uint64
	evictions    *atomic.Uint64
	now          func() time.Time
	mu           sync.Mutex
}

// New creates a new, empty Store using the given config
func New(conf *config.Config) *Store {
	return &Store{
		config:       conf,
		channels:     make(map[string]*channel),
		created:      make(chan struct{}),
		completed:    make(map[string]*completion),
		countLimiter: util.NewLimiter(int64(conf.ChannelCountLimit)),
		sizeLimiter:  util.NewLimiter(conf.TotalSizeLimit),
		pushes:       atomic.NewUint64(0),
		pops:         atomic.NewUint64(0),
		peeks:        atomic.NewUint64(0),
		evictions:    atomic.NewUint64(0),
		now:          time.Now,
	}
}

// Push appends a chunk to the channel, creating the channel if this is the first chunk of a stream. The
// first writer's credential becomes the channel's password. It returns the sequence number of the chunk.
//
// Pushes are idempotent per stream and index: a retried push of a chunk that was already accepted returns
// the original sequence number without appending the chunk again.
func (s *Store) Push(name string, credential string, req *PushRequest) (uint64, error) {
	if !config.ValidChannel(name) {
		return 0, ErrInvalidName
	}
	header, err := codec.ParseHeader(req.Frame)
	if err != nil {
		return 0, err
	}
	size := int64(len(req.Frame))
	if s.config.ChannelSizeLimit > 0 && size > s.config.ChannelSizeLimit {
		return 0, ErrTooLarge
	}
	if seq, ok, err := s.pushCompleted(name, credential, req); ok {
		return seq, err
	}
	for {
		ch, fresh, err := s.getOrCreate(name, credential, req)
		if err != nil {
			return 0, err
		}
		ch.mu.Lock()
		if ch.evicted {
			ch.mu.Unlock()
			continue
		}
		seq, err := s.push(ch, fresh, credential, req, header, size)
		if err != nil && fresh {
			s.evict(ch) // Failed first pushes leave no channel
		}
		ch.mu.Unlock()
		return seq, err
	}
}

// pushCompleted answers retries of chunks that belong to an already drained stream. ok is false if the
// request is not such a retry.
func (s *Store) pushCompleted(name string, credential string, req *PushRequest) (seq uint64, ok bool, err error) {
	s.mu.Lock()
	c := s.completed[name]
	s.mu.Unlock()
	if c == nil || c.streamID != req.StreamID || req.Index >= c.pushed || s.now().Sub(c.at) > s.config.LockTimeout {
		return 0, false, nil
	} else if err := authorize(c.key, credential); err != nil {
		return 0, true, err
	}
	return req.Index, true, nil
}

func (s *Store) push(ch *channel, fresh bool, credential string, req *PushRequest, header *codec.Header, size int64) (uint64, error) {
	if !fresh {
		if err := ch.authorize(credential); err != nil {
			return 0, err
		}
	}
	if req.StreamID != ch.streamID {
		return 0, ErrConflict
	} else if req.Index < ch.nextSeq {
		return req.Index, nil // Retry of an accepted chunk
	} else if ch.final || req.Index > ch.nextSeq {
		return 0, ErrConflict
	}
	if s.config.ChannelSizeLimit > 0 && ch.size+size > s.config.ChannelSizeLimit {
		return 0, ErrFull
	}
	if err := s.sizeLimiter.Add(size); err != nil {
		return 0, ErrFull
	}
	chunk := &Chunk{
		Seq:       ch.nextSeq,
		Frame:     req.Frame,
		Final:     header.Final,
		Encrypted: header.Encrypted(),
	}
	if header.Final {
		chunk.StreamChecksum = req.StreamChecksum
	}
	if ch.nextSeq == 0 {
		ch.encrypted = chunk.Encrypted
	}
	ch.chunks = append(ch.chunks, chunk)
	ch.nextSeq++
	ch.size += size
	ch.final = header.Final
	ch.lastActivity = s.now()
	ch.wake()
	s.pushes.Inc()
	return chunk.Seq, nil
}

// getOrCreate returns the channel with the given name, or creates it if this is the beginning of a
// stream. fresh is true if the channel was created by this call.
func (s *Store) getOrCreate(name string, credential string, req *PushRequest) (ch *channel, fresh bool, err error) {
	if ch, _ := s.lookup(name); ch != nil {
		return ch, false, nil
	} else if req.Index > 0 {
		return nil, false, ErrGone
	}
	var key *crypto.Key
	if credential != "" {
		if key, err = crypto.GenerateKey([]byte(credential)); err != nil {
			return nil, false, err
		}
	}
	ttl := req.TTL
	if s.config.ChannelTTLMax > 0 && ttl > s.config.ChannelTTLMax {
		ttl = s.config.ChannelTTLMax
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok {
		return ch, false, nil // Somebody was faster
	}
	if err := s.countLimiter.Add(1); err != nil {
		return nil, false, ErrTooMany
	}
	ch = newChannel(name, key, req.StreamID, ttl, s.now())
	s.channels[name] = ch
	close(s.created)
	s.created = make(chan struct{})
	return ch, true, nil
}

// Pop removes and returns the next chunk of the channel. The receiver identifies itself with a lock token,
// and passes the sequence number it expects next. The first successful pop locks the channel to the token;
// other tokens get ErrLocked until the holder has been idle for longer than the lock timeout.
//
// If the channel is empty or does not exist yet, Pop waits until a chunk arrives or ctx is done, in which
// case ErrEmpty is returned. A receiver that lost the response to a pop may repeat it with the same token
// and sequence number to get the same chunk again. Popping the final chunk removes the channel.
func (s *Store) Pop(ctx context.Context, name string, credential string, token string, next uint64) (*Chunk, error) {
	for {
		ch, created := s.lookup(name)
		if ch == nil {
			if next > 0 {
				return s.popCompleted(name, credential, token, next)
			}
			select {
			case <-created:
				continue
			case <-ctx.Done():
				return nil, ErrEmpty
			}
		}
		ch.mu.Lock()
		if ch.evicted {
			ch.mu.Unlock()
			continue
		}
		chunk, notify, err := s.pop(ch, credential, token, next)
		ch.mu.Unlock()
		if notify == nil {
			return chunk, err
		}
		select {
		case <-notify:
		case <-ctx.Done():
			s.touchLock(ch, token)
			return nil, ErrEmpty
		}
	}
}

// pop returns either a chunk, an error, or the notification channel to wait on if the queue is empty
func (s *Store) pop(ch *channel, credential string, token string, next uint64) (*Chunk, <-chan struct{}, error) {
	if err := ch.authorize(credential); err != nil {
		return nil, nil, err
	}
	now := s.now()
	if ch.held || ch.lockedByOther(token, now, s.config.LockTimeout) {
		return nil, nil, ErrLocked
	}
	if ch.lastPopped != nil && next+1 == ch.popped && token == ch.lockToken {
		ch.lockSeen = now
		return ch.lastPopped, nil, nil // Retry of the last pop
	} else if next != ch.popped {
		return nil, nil, ErrConflict
	}
	ch.lastActivity = now
	if len(ch.chunks) == 0 {
		if ch.lockToken == token {
			ch.lockSeen = now
		}
		return nil, ch.notify, nil
	}
	chunk := ch.chunks[0]
	ch.chunks[0] = nil
	ch.chunks = ch.chunks[1:]
	ch.popped++
	ch.size -= int64(len(chunk.Frame))
	s.sizeLimiter.Sub(int64(len(chunk.Frame)))
	ch.lockToken = token
	ch.lockSeen = now
	ch.lastPopped = chunk
	if chunk.Final {
		s.evict(ch)
		s.mu.Lock()
		s.completed[ch.name] = &completion{
			key:      ch.key,
			streamID: ch.streamID,
			pushed:   ch.nextSeq,
			token:    token,
			chunk:    chunk,
			at:       now,
		}
		s.mu.Unlock()
	}
	s.pops.Inc()
	return chunk, nil, nil
}

// popCompleted returns the final chunk of an already drained channel again, if the same receiver asks
// for it within the lock timeout. Everybody else sees the channel as gone.
func (s *Store) popCompleted(name string, credential string, token string, next uint64) (*Chunk, error) {
	s.mu.Lock()
	c := s.completed[name]
	s.mu.Unlock()
	if c == nil || c.token != token || c.chunk.Seq != next || s.now().Sub(c.at) > s.config.LockTimeout {
		return nil, ErrGone
	} else if err := authorize(c.key, credential); err != nil {
		return nil, err
	}
	return c.chunk, nil
}

func (s *Store) touchLock(ch *channel, token string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.evicted && ch.lockToken == token {
		ch.lockSeen = s.now()
	}
}

// Peek returns a copy of the channel's queue without consuming it. Peeking never touches the lock, so it
// works while another receiver is draining the channel. A channel that does not exist is empty.
func (s *Store) Peek(name string, credential string) ([]*Chunk, error) {
	s.peeks.Inc()
	ch, _ := s.lookup(name)
	if ch == nil {
		return []*Chunk{}, nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.evicted {
		return []*Chunk{}, nil
	}
	if err := ch.authorize(credential); err != nil {
		return nil, err
	}
	chunks := make([]*Chunk, len(ch.chunks))
	copy(chunks, ch.chunks)
	return chunks, nil
}

// Query returns metadata about a channel
func (s *Store) Query(name string, credential string) (*Info, error) {
	ch, _ := s.lookup(name)
	if ch == nil {
		return nil, ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.evicted {
		return nil, ErrNotFound
	} else if err := ch.authorize(credential); err != nil {
		return nil, err
	}
	return ch.info(s.now(), s.config.LockTimeout, s.config.ChannelTTL), nil
}

// Delete removes a channel and all of its chunks, unless a receiver currently holds it. Deleting a
// channel that does not exist is not an error.
func (s *Store) Delete(name string, credential string) error {
	ch, _ := s.lookup(name)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.evicted {
		return nil
	} else if err := ch.authorize(credential); err != nil {
		return err
	} else if ch.held || ch.locked(s.now(), s.config.LockTimeout) {
		return ErrLocked
	}
	s.evict(ch)
	return nil
}

// List returns metadata about all channels, sorted by name. It does not check credentials and is only
// meant for administrators.
func (s *Store) List() []*Info {
	now := s.now()
	infos := make([]*Info, 0)
	for _, ch := range s.list() {
		ch.mu.Lock()
		if !ch.evicted {
			infos = append(infos, ch.info(now, s.config.LockTimeout, s.config.ChannelTTL))
		}
		ch.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Hold stops (or, if held is false, resumes) receiving from a channel. Receivers of a held channel get
// ErrLocked, and it cannot be deleted. Sending and peeking still work. This is an administrator action
// and does not check credentials.
func (s *Store) Hold(name string, held bool) error {
	ch, _ := s.lookup(name)
	if ch == nil {
		return ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.evicted {
		return ErrNotFound
	}
	ch.held = held
	if !held {
		ch.wake()
	}
	return nil
}

// ExpireSweep removes all channels that have been inactive for longer than their TTL, or ttl if the channel
// has no TTL of its own. Waiting receivers are woken up. It returns the names of the removed channels.
func (s *Store) ExpireSweep(now time.Time, ttl time.Duration) []string {
	evicted := make([]string, 0)
	for _, ch := range s.list() {
		ch.mu.Lock()
		if !ch.evicted && ch.expired(now, ttl) {
			s.evict(ch)
			s.evictions.Inc()
			evicted = append(evicted, ch.name)
		}
		ch.mu.Unlock()
	}
	s.mu.Lock()
	for name, c := range s.completed {
		if now.Sub(c.at) > s.config.LockTimeout {
			delete(s.completed, name)
		}
	}
	s.mu.Unlock()
	return evicted
}

// Stats returns statistics about the current store
func (s *Store) Stats() *Stats {
	s.mu.Lock()
	count := len(s.channels)
	s.mu.Unlock()
	return &Stats{
		Channels:      count,
		ChannelsLimit: s.countLimiter.Limit(),
		Size:          s.sizeLimiter.Value(),
		SizeLimit:     s.sizeLimiter.Limit(),
		Pushes:        s.pushes.Load(),
		Pops:          s.pops.Load(),
		Peeks:         s.peeks.Load(),
		Evictions:     s.evictions.Load(),
	}
}

// evict removes the channel from the store and wakes up everybody waiting on it. The caller must
// hold the channel's mutex.
func (s *Store) evict(ch *channel) {
	ch.evicted = true
	close(ch.notify)
	s.sizeLimiter.Sub(ch.size)
	ch.chunks = nil
	ch.size = 0
	s.mu.Lock()
	if s.channels[ch.name] == ch {
		delete(s.channels, ch.name)
		s.countLimiter.Sub(1)
	}
	s.mu.Unlock()
}

func (s *Store) lookup(name string) (*channel, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[name], s.created
}

func (s *Store) list() []*channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	return channels
}
