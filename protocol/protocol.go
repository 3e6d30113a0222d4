// Package protocol implements the length-delimited frame protocol for curryx.
//
// It solves TCP's sticky packet problem by prefixing every envelope with its
// length. The receiver reads the 4-byte length first, then reads exactly that
// many bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────────────────┐
//	│ bodyLen │          body ...          │
//	│ uint32  │  serialized envelope, or   │
//	│ big-end │  ciphertext of the same    │
//	└─────────┴───────────────────────────┘
//
// The pipeline on the way out is serialize → encrypt (optional) → frame, and
// the reverse on the way in.
package protocol

import (
	"bufio"
	"encoding/binary"
	"io"
	"reflect"

	"curryx/codec"
	"curryx/message"

	"github.com/pkg/errors"
)

const (
	HeaderSize                 = 4
	DefaultMaxFrameSize uint32 = 16 << 20
)

// ErrFrameTooLarge is returned when a frame announces a body larger than the
// configured maximum. The connection must be closed: the stream cannot be resynced.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Options configures both directions of the pipeline. The zero value is JSON,
// no encryption and the default maximum frame size.
type Options struct {
	Codec        codec.Codec
	Cipher       codec.Cipher // nil disables encryption
	MaxFrameSize uint32       // 0 means DefaultMaxFrameSize
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = &codec.JSONCodec{}
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// WriteFrame writes body with its length prefix in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func WriteFrame(w io.Writer, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one complete frame body from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, so a partial frame is
// never returned: the call blocks until the rest arrives or the stream fails.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && n > maxSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d > %d", n, maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// Encoder writes envelopes of one declared type.
type Encoder struct {
	w    io.Writer
	typ  reflect.Type
	opts Options
}

// NewEncoder returns an encoder that only accepts values of the same type as
// declared, e.g. NewEncoder(conn, (*message.Request)(nil), opts).
func NewEncoder(w io.Writer, declared any, opts Options) *Encoder {
	return &Encoder{w: w, typ: reflect.TypeOf(declared), opts: opts.withDefaults()}
}

// Marshal runs the outbound pipeline without writing: the returned slice is
// the frame body.
func (e *Encoder) Marshal(v any) ([]byte, error) {
	if reflect.TypeOf(v) != e.typ {
		return nil, message.Errorf(message.KindTypeMismatch, "cannot encode %T as %s", v, e.typ)
	}
	body, err := e.opts.Codec.Encode(v)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: serialize %s", e.typ)
	}
	if e.opts.Cipher != nil {
		if body, err = e.opts.Cipher.Encrypt(body); err != nil {
			return nil, errors.Wrap(err, "protocol: encrypt")
		}
	}
	if uint32(len(body)) > e.opts.MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d > %d", len(body), e.opts.MaxFrameSize)
	}
	return body, nil
}

// Encode serializes v, encrypts it when a cipher is configured and writes one frame.
func (e *Encoder) Encode(v any) error {
	body, err := e.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(e.w, body)
}

// Decoder reads envelopes from a stream.
type Decoder struct {
	r    *bufio.Reader
	opts Options
}

func NewDecoder(r io.Reader, opts Options) *Decoder {
	return &Decoder{r: bufio.NewReader(r), opts: opts.withDefaults()}
}

// Decode reads one frame into v.
//
// Stream errors (EOF, closed connection) are returned as is. Everything else,
// an oversized frame included, is a *message.Error of kind decode-failure and
// leaves the stream unusable.
func (d *Decoder) Decode(v any) error {
	body, err := ReadFrame(d.r, d.opts.MaxFrameSize)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return message.Errorf(message.KindDecodeFailure, "%v", err)
		}
		return err
	}
	return d.Unmarshal(body, v)
}

// Unmarshal runs the inbound pipeline on a frame body.
func (d *Decoder) Unmarshal(body []byte, v any) error {
	if d.opts.Cipher != nil {
		plain, err := d.opts.Cipher.Decrypt(body)
		if err != nil {
			return message.Errorf(message.KindDecodeFailure, "decrypt: %v", err)
		}
		body = plain
	}
	if err := d.opts.Codec.Decode(body, v); err != nil {
		return message.Errorf(message.KindDecodeFailure, "deserialize: %v", err)
	}
	return nil
}
