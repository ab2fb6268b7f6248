// Package codec implements the rpipe chunk frame format. A frame is a small fixed header followed by
// the chunk payload, which may be compressed and encrypted. Frames are self-describing: the compression
// and cipher used for a chunk are recorded in its header, so a decoder only needs the password.
package codec

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// Version1 is the only frame version this package reads and writes
	Version1 = 1

	// HeaderLen is the length of the fixed frame header in bytes
	HeaderLen = 18

	// MaxChunkSize is the hard upper limit for the plaintext size of a single chunk
	MaxChunkSize = 16 * 1024 * 1024

	// DefaultChunkSize is the plaintext size of a chunk if nothing else is configured
	DefaultChunkSize = 1024 * 1024
)

var (
	// ErrIntegrity is returned if a frame's checksum or authentication tag does not match its content
	ErrIntegrity = errors.New("chunk integrity check failed")

	// ErrFormat is returned for frames with an unknown version or algorithm, or a malformed layout
	ErrFormat = errors.New("invalid chunk format")

	// ErrKeyRequired is returned when decoding an encrypted frame without a password, or when
	// creating an encoder with a cipher but without a password
	ErrKeyRequired = errors.New("chunk is encrypted, password required")

	// ErrUnsupportedVersion is returned for frames written with a frame version this package does not know.
	// It wraps ErrFormat.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported chunk version", ErrFormat)

	// ErrTooLarge is returned when a chunk exceeds MaxChunkSize
	ErrTooLarge = errors.New("chunk too large")
)

// maxPayloadLen leaves room for the salt, nonce and tag of an encrypted MaxChunkSize chunk
const maxPayloadLen = MaxChunkSize + 1024

// Compression identifies the compression algorithm of a chunk
type Compression byte

// Compression algorithms, as stored in the frame header
const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// Cipher identifies the AEAD cipher of a chunk
type Cipher byte

// Ciphers, as stored in the frame header
const (
	CipherNone             Cipher = 0
	CipherAESGCM           Cipher = 1
	CipherChaCha20Poly1305 Cipher = 2
)

var compressionNames = map[Compression]string{
	CompressionNone: "none",
	CompressionLZ4:  "lz4",
	CompressionZstd: "zstd",
}

var cipherNames = map[Cipher]string{
	CipherNone:             "none",
	CipherAESGCM:           "aes-gcm",
	CipherChaCha20Poly1305: "chacha20-poly1305",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", byte(c))
}

func (c Cipher) String() string {
	if name, ok := cipherNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", byte(c))
}

// ParseCompression returns the compression algorithm with the given name
func ParseCompression(name string) (Compression, error) {
	for c, n := range compressionNames {
		if n == name {
			return c, nil
		}
	}
	return CompressionNone, fmt.Errorf("unknown compression %q, valid values are %v", name, Compressions())
}

// ParseCipher returns the cipher with the given name
func ParseCipher(name string) (Cipher, error) {
	for c, n := range cipherNames {
		if n == name {
			return c, nil
		}
	}
	return CipherNone, fmt.Errorf("unknown cipher %q, valid values are %v", name, Ciphers())
}

// Compressions returns the names of all supported compression algorithms
func Compressions() []string {
	names := make([]string, 0, len(compressionNames))
	for c := CompressionNone; int(c) < len(compressionNames); c++ {
		names = append(names, compressionNames[c])
	}
	return names
}

// Ciphers returns the names of all supported ciphers
func Ciphers() []string {
	names := make([]string, 0, len(cipherNames))
	for c := CipherNone; int(c) < len(cipherNames); c++ {
		names = append(names, cipherNames[c])
	}
	return names
}

// FormatChecksum formats a checksum the way it is transferred in HTTP headers
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// ParseChecksum parses a checksum formatted by FormatChecksum
func ParseChecksum(s string) (uint64, error) {
	sum, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checksum %q", s)
	}
	return sum, nil
}
