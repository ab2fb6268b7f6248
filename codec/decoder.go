package codec

import (
	"github.com/cespare/xxhash/v2"
)

// Decoder turns frames back into plaintext. It caches the derived key per stream salt, so it is
// cheap to decode many frames of the same stream. A Decoder is safe for concurrent use.
type Decoder struct {
	keys *keyCache
}

// NewDecoder creates a Decoder. password may be nil if no encrypted frames are expected.
func NewDecoder(password []byte) *Decoder {
	return &Decoder{
		keys: newKeyCache(password),
	}
}

// Decode verifies and decodes a frame and returns its header and plaintext
func (d *Decoder) Decode(frame []byte) (*Header, []byte, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, nil, err
	}
	payload := frame[HeaderLen:]
	if h.Encrypted() {
		if len(d.keys.password) == 0 {
			return nil, nil, ErrKeyRequired
		} else if xxhash.Sum64(payload) != h.Checksum {
			return nil, nil, ErrIntegrity
		}
		if payload, err = d.keys.open(h.Cipher, payload, additionalData(frame)); err != nil {
			return nil, nil, err
		}
	}
	plain, err := decompress(h.Compression, payload)
	if err != nil {
		return nil, nil, err
	}
	if len(plain) > MaxChunkSize {
		return nil, nil, ErrTooLarge
	}
	if !h.Encrypted() && xxhash.Sum64(plain) != h.Checksum {
		return nil, nil, ErrIntegrity
	}
	return h, plain, nil
}

// DecodeAll decodes a concatenation of frames, e.g. a peek response, and returns the joined plaintext
// and whether the last frame was the final frame of the stream
func (d *Decoder) DecodeAll(data []byte) (plain []byte, final bool, err error) {
	frames, err := SplitFrames(data)
	if err != nil {
		return nil, false, err
	}
	plain = make([]byte, 0, len(data))
	for _, frame := range frames {
		h, p, err := d.Decode(frame)
		if err != nil {
			return nil, false, err
		}
		plain = append(plain, p...)
		final = h.Final
	}
	return plain, final, nil
}
