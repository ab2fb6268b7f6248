package store

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/util"
)

const (
	snapshotVersion   = 1
	snapshotKeyPrefix = "channel:"
	snapshotKeyMeta   = "meta"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type snapshotMeta struct {
	Version int   `json:"version"`
	Saved   int64 `json:"saved"`
}

type channelSnapshot struct {
	Name         string          `json:"name"`
	Key          string          `json:"key,omitempty"`
	StreamID     string          `json:"stream_id"`
	Chunks       []chunkSnapshot `json:"chunks"`
	NextSeq      uint64          `json:"next_seq"`
	Popped       uint64          `json:"popped"`
	LastActivity int64           `json:"last_activity"`
	TTL          time.Duration   `json:"ttl"`
	Final        bool            `json:"final"`
	Encrypted    bool            `json:"encrypted"`
	Held         bool            `json:"held,omitempty"`
}

type chunkSnapshot struct {
	Seq            uint64 `json:"seq"`
	Frame          []byte `json:"frame"`
	Final          bool   `json:"final"`
	Encrypted      bool   `json:"encrypted"`
	StreamChecksum string `json:"stream_checksum,omitempty"`
}

// OpenSnapshotDB opens (or creates) the badger database used for state snapshots in dir
func OpenSnapshotDB(dir string) (*badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open state dir %s", dir)
	}
	return db, nil
}

// Save writes all channels to db, replacing a previous snapshot. Locks are not saved; after a restart,
// receivers have to reacquire them. Save is best-effort: pushes and pops that happen while saving may or
// may not be part of the snapshot.
func (s *Store) Save(db *badger.DB) (int, error) {
	if err := db.DropAll(); err != nil {
		return 0, err
	}
	wb := db.NewWriteBatch()
	defer wb.Cancel()
	count := 0
	for _, ch := range s.list() {
		ch.mu.Lock()
		if ch.evicted {
			ch.mu.Unlock()
			continue
		}
		value, err := json.Marshal(snapshotOf(ch))
		ch.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if err := wb.Set([]byte(snapshotKeyPrefix+ch.name), value); err != nil {
			return 0, err
		}
		count++
	}
	meta, err := json.Marshal(&snapshotMeta{Version: snapshotVersion, Saved: s.now().Unix()})
	if err != nil {
		return 0, err
	}
	if err := wb.Set([]byte(snapshotKeyMeta), meta); err != nil {
		return 0, err
	}
	return count, wb.Flush()
}

// Load reads a snapshot written by Save and adds its channels to the store. Channels that already exist
// in the store are skipped. A database without snapshot is not an error.
func (s *Store) Load(db *badger.DB) (int, error) {
	count := 0
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKeyMeta))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		var meta snapshotMeta
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
			return err
		}
		if meta.Version != snapshotVersion {
			return errors.Errorf("unsupported snapshot version %d", meta.Version)
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapshotKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var snap channelSnapshot
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &snap) }); err != nil {
				util.Log.Warnf("skipping unreadable channel %s in snapshot: %s", it.Item().Key(), err.Error())
				continue
			}
			ch, err := channelFrom(&snap)
			if err != nil {
				util.Log.Warnf("skipping channel %s in snapshot: %s", snap.Name, err.Error())
				continue
			}
			if s.restore(ch) {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *Store) restore(ch *channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.name]; ok {
		return false
	}
	if err := s.countLimiter.Add(1); err != nil {
		return false
	}
	s.sizeLimiter.Add(ch.size)
	s.channels[ch.name] = ch
	return true
}

func snapshotOf(ch *channel) *channelSnapshot {
	chunks := make([]chunkSnapshot, len(ch.chunks))
	for i, c := range ch.chunks {
		chunks[i] = chunkSnapshot{
			Seq:            c.Seq,
			Frame:          c.Frame,
			Final:          c.Final,
			Encrypted:      c.Encrypted,
			StreamChecksum: c.StreamChecksum,
		}
	}
	return &channelSnapshot{
		Name:         ch.name,
		Key:          crypto.EncodeKey(ch.key),
		StreamID:     ch.streamID,
		Chunks:       chunks,
		NextSeq:      ch.nextSeq,
		Popped:       ch.popped,
		LastActivity: ch.lastActivity.Unix(),
		TTL:          ch.ttl,
		Final:        ch.final,
		Encrypted:    ch.encrypted,
		Held:         ch.held,
	}
}

func channelFrom(snap *channelSnapshot) (*channel, error) {
	var key *crypto.Key
	if snap.Key != "" {
		var err error
		if key, err = crypto.DecodeKey(snap.Key); err != nil {
			return nil, err
		}
	}
	ch := newChannel(snap.Name, key, snap.StreamID, snap.TTL, time.Unix(snap.LastActivity, 0))
	for _, c := range snap.Chunks {
		ch.chunks = append(ch.chunks, &Chunk{
			Seq:            c.Seq,
			Frame:          c.Frame,
			Final:          c.Final,
			Encrypted:      c.Encrypted,
			StreamChecksum: c.StreamChecksum,
		})
		ch.size += int64(len(c.Frame))
	}
	ch.nextSeq = snap.NextSeq
	ch.popped = snap.Popped
	ch.final = snap.Final
	ch.encrypted = snap.Encrypted
	ch.held = snap.Held
	return ch, nil
}
