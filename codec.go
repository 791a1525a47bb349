package chaski

import (
	"encoding/binary"
	"fmt"
	"io"

	gjson "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/shamaton/msgpack/v2"
)

// CompressionAlgo names the per-frame compression applied after
// serialization and before length-prefixing, tagged on the wire by a
// single byte so a symmetric reader never needs out-of-band knowledge
// of which algorithm a peer chose, in the same spirit as the teacher's
// magic7 compression tag.
type CompressionAlgo byte

const (
	CompressNone CompressionAlgo = 0
	CompressLZ4  CompressionAlgo = 1
	CompressZstd CompressionAlgo = 2
)

// frameMagic is the fixed two-byte prefix every frame's header carries
// ahead of the compression tag and the 4-byte length, letting a reader
// detect a corrupted stream before trusting the length it read.
var frameMagic = [2]byte{0xc4, 0x51}

// defaultMaxFrameSize bounds allocation for a frame's declared length
// before MaxFrameSize is known to the caller; codec.go itself enforces
// whatever MaxFrameSize the Config passed in specifies.
const defaultMaxFrameSize = 64 << 20

// Serializer turns an *Envelope to and from bytes. The default is a
// tagged binary MessagePack encoding (msgpackSerializer); any type
// satisfying this interface can be handed to newCodec. A Node always
// frames its edges with DefaultSerializer (Node.serializer); Config has no
// field that selects another. jsonSerializer is available to code that
// builds a codec directly.
type Serializer interface {
	Marshal(e *Envelope) ([]byte, error)
	Unmarshal(b []byte, e *Envelope) error
}

// msgpackSerializer encodes an Envelope as MessagePack, the reflection-
// based cousin of the teacher's own code-generated greenpack/msgp wire
// format: both are compact, tagged binary encodings of the same family,
// but msgpack needs no `go generate` step, so a hand-adapted Serializer
// can be grounded and verified against its documented API rather than
// against code this module can't regenerate.
type msgpackSerializer struct{}

func (msgpackSerializer) Marshal(e *Envelope) ([]byte, error)   { return msgpack.Marshal(e) }
func (msgpackSerializer) Unmarshal(b []byte, e *Envelope) error { return msgpack.Unmarshal(b, e) }

// DefaultSerializer is the compact tagged binary MessagePack encoding,
// used by every Edge a Node creates.
var DefaultSerializer Serializer = msgpackSerializer{}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(e *Envelope) ([]byte, error)   { return gjson.Marshal(e) }
func (jsonSerializer) Unmarshal(b []byte, e *Envelope) error { return gjson.Unmarshal(b, e) }

// JSONSerializer trades the compact binary default for a human-readable
// wire, useful when debugging a capture with a text tool. A Node does not
// use it for its own edges.
var JSONSerializer Serializer = jsonSerializer{}

// codec frames and unframes envelopes for one Edge. It is not itself
// goroutine-safe; each Edge owns exactly one reader and the writer side
// is protected by the Edge's own write mutex.
type codec struct {
	ser          Serializer
	compression  CompressionAlgo
	maxFrameSize int
	zw           *zstd.Encoder
	zr           *zstd.Decoder
}

func newCodec(ser Serializer, compression CompressionAlgo, maxFrameSize int) *codec {
	if ser == nil {
		ser = DefaultSerializer
	}
	if maxFrameSize <= 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	c := &codec{ser: ser, compression: compression, maxFrameSize: maxFrameSize}
	if compression == CompressZstd {
		zw, err := zstd.NewWriter(nil)
		panicOn(err)
		zr, err := zstd.NewReader(nil)
		panicOn(err)
		c.zw, c.zr = zw, zr
	}
	return c
}

// encodeFrame serializes e, optionally compresses the result, and
// returns a complete wire frame: 2-byte magic, 1-byte compression tag,
// 4-byte big-endian length, payload.
func (c *codec) encodeFrame(e *Envelope) ([]byte, error) {
	body, err := c.ser.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("chaski: %w: %v", ErrDecodeFailed, err)
	}

	switch c.compression {
	case CompressLZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(body)))
		var lzc lz4.Compressor
		n, err := lzc.CompressBlock(body, compressed)
		if err != nil {
			return nil, err
		}
		if n > 0 && n < len(body) {
			body = compressed[:n]
		} else {
			// incompressible; fall back to storing raw with no-compress tag
			return c.frame(body, CompressNone)
		}
	case CompressZstd:
		body = c.zw.EncodeAll(body, nil)
	}

	return c.frame(body, c.compression)
}

func (c *codec) frame(body []byte, algo CompressionAlgo) ([]byte, error) {
	if len(body) > c.maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 2+1+4+len(body))
	copy(out[0:2], frameMagic[:])
	out[2] = byte(algo)
	binary.BigEndian.PutUint32(out[3:7], uint32(len(body)))
	copy(out[7:], body)
	return out, nil
}

// writeFrame writes one complete frame to w.
func (c *codec) writeFrame(w io.Writer, e *Envelope) error {
	frame, err := c.encodeFrame(e)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// readFrame reads one complete frame from r and decodes it into a fresh
// Envelope. Returns ErrBadMagic on a corrupted stream, ErrFrameTooLarge
// on an over-limit declared length, and ErrDecodeFailed on a
// deserialization error after an otherwise well-formed frame.
func (c *codec) readFrame(r io.Reader) (*Envelope, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != frameMagic[0] || hdr[1] != frameMagic[1] {
		return nil, ErrBadMagic
	}
	algo := CompressionAlgo(hdr[2])
	length := binary.BigEndian.Uint32(hdr[3:7])
	if int(length) > c.maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var err error
	switch algo {
	case CompressLZ4:
		// unknown decompressed size ahead of time; grow a generous buffer.
		dst := make([]byte, len(body)*8+64)
		for {
			n, derr := lz4.UncompressBlock(body, dst)
			if derr == nil {
				dst = dst[:n]
				break
			}
			dst = make([]byte, len(dst)*2)
		}
		body = dst
	case CompressZstd:
		body, err = c.zr.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("chaski: %w: %v", ErrDecodeFailed, err)
		}
	}

	e := &Envelope{}
	if err := c.ser.Unmarshal(body, e); err != nil {
		return nil, fmt.Errorf("chaski: %w: %v", ErrDecodeFailed, err)
	}
	return e, nil
}
