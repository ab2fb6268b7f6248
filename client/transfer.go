package client

import (
	"io"

	"github.com/cespare/xxhash/v2"
	"heckel.io/rpipe/codec"
)

// Transfer describes one logical stream that was sent or received. For a failed receive, Bytes is the
// number of plain bytes that were written before the error occurred.
type Transfer struct {
	Channel  string
	StreamID string   // Send only
	Token    string   // Receive only
	Acked    []uint64 // Chunk indices confirmed by the server (Send) or received in order (Receive)
	Skipped  uint64   // Receive only, chunks taken by an earlier receiver
	Bytes    int64
	Final    bool // True if the end of the stream was sent or received
	digest   *xxhash.Digest
	frames   *xxhash.Digest
}

func newTransfer(channel string) *Transfer {
	return &Transfer{
		Channel: channel,
		Acked:   make([]uint64, 0),
		digest:  xxhash.New(),
		frames:  xxhash.New(),
	}
}

// Chunks returns the number of chunks that were confirmed or received
func (t *Transfer) Chunks() int {
	return len(t.Acked)
}

// Checksum returns the hex-encoded xxhash of all plain bytes of the stream seen so far
func (t *Transfer) Checksum() string {
	return codec.FormatChecksum(t.digest.Sum64())
}

// framesChecksum is the checksum of all frames of the stream, as exchanged in the X-Stream-Checksum
// header. Unlike Checksum, it is not calculated over the plaintext.
func (t *Transfer) framesChecksum() string {
	return codec.FormatChecksum(t.frames.Sum64())
}

func (t *Transfer) acked(index uint64) bool {
	n := len(t.Acked)
	return n > 0 && t.Acked[n-1] >= index
}

func (t *Transfer) ack(index uint64) {
	t.Acked = append(t.Acked, index)
}

// chunker splits a stream into pieces of a fixed size, reading one piece ahead to know which one is
// the last. An empty stream results in a single empty final piece.
type chunker struct {
	reader  io.Reader
	size    int
	next    []byte
	eof     bool
	started bool
}

func newChunker(r io.Reader, size int) *chunker {
	return &chunker{
		reader: r,
		size:   size,
	}
}

func (c *chunker) read() (piece []byte, final bool, err error) {
	if !c.started {
		c.started = true
		if c.next, c.eof, err = c.fill(); err != nil {
			return nil, false, err
		}
	}
	piece = c.next
	if c.eof {
		return piece, true, nil
	}
	if c.next, c.eof, err = c.fill(); err != nil {
		return nil, false, err
	}
	return piece, c.eof && len(c.next) == 0, nil
}

func (c *chunker) fill() ([]byte, bool, error) {
	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.reader, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf[:n], true, nil
	} else if err != nil {
		return nil, false, err
	}
	return buf, false, nil
}
