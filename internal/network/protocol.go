package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// maxMessageSize is the maximum allowed message size (16 MB).
	maxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4

	// frameHeaderSize is the kind byte plus the flags byte.
	frameHeaderSize = 2

	// compressThreshold is the body size above which frames are compressed.
	compressThreshold = 1 << 10

	// flagCompressed marks a zstd-compressed body.
	flagCompressed = 1 << 0
)

// Kind tags the body of a frame.
type Kind uint8

const (
	KindQueued      Kind = iota + 1 // KindQueued carries a scheduler.Queued, host to cluster
	KindOutput                      // KindOutput carries an attest.SignedOutput, cluster to host
	KindAccountRead                 // KindAccountRead carries a types.AccountRead, both ways
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindQueued:
		return "queued"
	case KindOutput:
		return "output"
	case KindAccountRead:
		return "account_read"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	codecErr    error
)

// codecs returns the shared zstd encoder and decoder.
func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	encoderOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}

		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxMessageSize))
	})

	return encoder, decoder, codecErr
}

// encodeFrame builds [kind][flags][body], compressing large bodies.
func encodeFrame(kind Kind, body []byte) ([]byte, error) {
	flags := byte(0)

	if len(body) > compressThreshold {
		enc, _, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder:\n%w", err)
		}

		body = enc.EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= flagCompressed
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	frame[0] = byte(kind)
	frame[1] = flags

	return append(frame, body...), nil
}

// decodeFrame splits a frame into its kind and decompressed body.
func decodeFrame(frame []byte) (Kind, []byte, error) {
	if len(frame) < frameHeaderSize {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	kind, flags, body := Kind(frame[0]), frame[1], frame[frameHeaderSize:]

	if flags&flagCompressed != 0 {
		_, dec, err := codecs()
		if err != nil {
			return 0, nil, fmt.Errorf("zstd decoder:\n%w", err)
		}

		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("decompress %s frame:\n%w", kind, err)
		}
	}

	return kind, body, nil
}

// writeMessage writes a length-prefixed message to the writer.
// Format: [4 bytes big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message from the reader.
func readMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
