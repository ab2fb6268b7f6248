package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	magic0    = 'R'
	magic1    = 'P'
	flagFinal = 1 << 0

	// the additional data authenticated by the cipher is the header without the length field
	adLen = HeaderLen - 4
)

// Header is the fixed-size header at the beginning of every frame
type Header struct {
	Version     byte
	Final       bool
	Compression Compression
	Cipher      Cipher
	Checksum    uint64 // xxhash64 of the plaintext, or of the sealed payload if the frame is encrypted
	Length      uint32 // payload length
}

// Encrypted returns true if the payload of the frame is encrypted
func (h *Header) Encrypted() bool {
	return h.Cipher != CipherNone
}

func (h *Header) marshal(b []byte) {
	b[0], b[1] = magic0, magic1
	b[2] = h.Version
	b[3] = 0
	if h.Final {
		b[3] |= flagFinal
	}
	b[4] = byte(h.Compression)
	b[5] = byte(h.Cipher)
	binary.BigEndian.PutUint64(b[6:14], h.Checksum)
	binary.BigEndian.PutUint32(b[14:18], h.Length)
}

// additionalData returns the part of the header that the cipher authenticates. The checksum is zeroed,
// since for encrypted frames it is calculated over the sealed payload.
func additionalData(header []byte) []byte {
	ad := make([]byte, adLen)
	copy(ad, header[:adLen])
	for i := 6; i < 14; i++ {
		ad[i] = 0
	}
	return ad
}

// ParseHeader parses and validates the header of a frame. It checks that the version and algorithms are
// known and that the frame is exactly as long as the header says. The payload is not inspected.
func ParseHeader(frame []byte) (*Header, error) {
	h, err := parseHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) != HeaderLen+int(h.Length) {
		return nil, errors.Wrapf(ErrFormat, "frame length %d does not match header length %d", len(frame), HeaderLen+int(h.Length))
	}
	return h, nil
}

func parseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderLen {
		return nil, errors.Wrap(ErrFormat, "frame shorter than header")
	} else if b[0] != magic0 || b[1] != magic1 {
		return nil, errors.Wrap(ErrFormat, "invalid magic")
	} else if b[2] != Version1 {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", b[2])
	} else if b[3]&^flagFinal != 0 {
		return nil, errors.Wrapf(ErrFormat, "unknown flags %x", b[3])
	}
	h := &Header{
		Version:     b[2],
		Final:       b[3]&flagFinal != 0,
		Compression: Compression(b[4]),
		Cipher:      Cipher(b[5]),
		Checksum:    binary.BigEndian.Uint64(b[6:14]),
		Length:      binary.BigEndian.Uint32(b[14:18]),
	}
	if _, ok := compressionNames[h.Compression]; !ok {
		return nil, errors.Wrapf(ErrFormat, "unknown compression %d", b[4])
	} else if _, ok := cipherNames[h.Cipher]; !ok {
		return nil, errors.Wrapf(ErrFormat, "unknown cipher %d", b[5])
	} else if h.Length > maxPayloadLen {
		return nil, errors.Wrapf(ErrTooLarge, "payload length %d", h.Length)
	}
	return h, nil
}

// SplitFrames splits a concatenation of frames, as returned by a peek, into individual frames.
// The returned slices share memory with data.
func SplitFrames(data []byte) ([][]byte, error) {
	frames := make([][]byte, 0)
	for len(data) > 0 {
		h, err := parseHeader(data)
		if err != nil {
			return nil, err
		}
		end := HeaderLen + int(h.Length)
		if end > len(data) {
			return nil, errors.Wrap(ErrFormat, "truncated frame")
		}
		frames = append(frames, data[:end:end])
		data = data[end:]
	}
	return frames, nil
}
