package codec

import (
	"context"
	"crypto/cipher"
	"runtime"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"heckel.io/rpipe/crypto"
)

// Options configures an Encoder
type Options struct {
	ChunkSize   int         // Plaintext size per chunk, defaults to DefaultChunkSize
	Compression Compression // Compression algorithm; chunks that do not shrink are stored uncompressed
	Cipher      Cipher      // Cipher; defaults to CipherAESGCM if a password is set
	Password    []byte      // Password to derive the encryption key from; nil disables encryption
	Parallelism int         // Max. number of chunks encoded concurrently, defaults to the number of CPUs
}

// Encoder turns plaintext into frames. All frames of one Encoder belong to the same stream and share
// the same key salt. An Encoder is safe for concurrent use.
type Encoder struct {
	chunkSize   int
	compression Compression
	cipher      Cipher
	parallelism int
	salt        []byte
	aead        cipher.AEAD
}

// NewEncoder creates a new Encoder. If a password is given, the stream key is derived here, which
// is deliberately slow (scrypt).
func NewEncoder(opts Options) (*Encoder, error) {
	e := &Encoder{
		chunkSize:   opts.ChunkSize,
		compression: opts.Compression,
		cipher:      opts.Cipher,
		parallelism: opts.Parallelism,
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultChunkSize
	} else if e.chunkSize > MaxChunkSize {
		return nil, ErrTooLarge
	}
	if e.parallelism <= 0 {
		e.parallelism = runtime.NumCPU()
	}
	if _, ok := compressionNames[e.compression]; !ok {
		return nil, ErrFormat
	} else if _, ok := cipherNames[e.cipher]; !ok {
		return nil, ErrFormat
	}
	if len(opts.Password) == 0 {
		if e.cipher != CipherNone {
			return nil, ErrKeyRequired
		}
		return e, nil
	}
	if e.cipher == CipherNone {
		e.cipher = CipherAESGCM
	}
	salt, err := crypto.GenerateCipherSalt()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveCipherKey(opts.Password, salt)
	if err != nil {
		return nil, err
	}
	e.salt = salt
	if e.aead, err = newAEAD(e.cipher, key); err != nil {
		return nil, err
	}
	return e, nil
}

// ChunkSize returns the plaintext size of a chunk
func (e *Encoder) ChunkSize() int {
	return e.chunkSize
}

// Encrypted returns true if this encoder encrypts its frames
func (e *Encoder) Encrypted() bool {
	return e.aead != nil
}

// Encode encodes a single piece of plaintext into a frame. The piece must not be larger than
// MaxChunkSize. An empty piece is valid; it is how an empty stream is terminated.
func (e *Encoder) Encode(piece []byte, final bool) ([]byte, error) {
	if len(piece) > MaxChunkSize {
		return nil, ErrTooLarge
	}
	h := &Header{
		Version:     Version1,
		Final:       final,
		Compression: CompressionNone,
		Cipher:      CipherNone,
	}
	payload := piece
	if e.compression != CompressionNone && len(piece) > 0 {
		compressed, err := compress(e.compression, piece)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(piece) {
			h.Compression = e.compression
			payload = compressed
		}
	}
	if e.aead != nil {
		// Encrypted frames carry the checksum of the sealed payload, never of the plaintext
		var header [HeaderLen]byte
		h.Cipher = e.cipher
		h.marshal(header[:])
		sealed, err := seal(e.aead, e.salt, payload, additionalData(header[:]))
		if err != nil {
			return nil, err
		}
		payload = sealed
		h.Checksum = xxhash.Sum64(sealed)
	} else {
		h.Checksum = xxhash.Sum64(piece)
	}
	h.Length = uint32(len(payload))
	frame := make([]byte, HeaderLen+len(payload))
	h.marshal(frame)
	copy(frame[HeaderLen:], payload)
	return frame, nil
}

// EncodeBatch encodes multiple pieces concurrently and returns the frames in the same order. If final
// is true, the last frame is flagged as the end of the stream.
func (e *Encoder) EncodeBatch(ctx context.Context, pieces [][]byte, final bool) ([][]byte, error) {
	frames := make([][]byte, len(pieces))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i := range pieces {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			frame, err := e.Encode(pieces[i], final && i == len(pieces)-1)
			if err != nil {
				return err
			}
			frames[i] = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}

// EncodeAll splits data into chunk-sized pieces and encodes them as one complete stream. Empty data
// results in exactly one empty final frame.
func (e *Encoder) EncodeAll(ctx context.Context, data []byte) ([][]byte, error) {
	pieces := make([][]byte, 0, len(data)/e.chunkSize+1)
	for len(data) > e.chunkSize {
		pieces = append(pieces, data[:e.chunkSize])
		data = data[e.chunkSize:]
	}
	pieces = append(pieces, data)
	return e.EncodeBatch(ctx, pieces, true)
}
