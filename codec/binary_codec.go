package codec

import (
	"encoding/binary"

	"curryx/message"

	"github.com/pkg/errors"
)

// BinaryCodec writes envelopes as a flat sequence of length-prefixed fields.
// It only understands *message.Request and *message.Response.
//
// Request:  id(16) | service | version | method | n(2) types... | n(2) params...
// Response: id(16) | result | hasErr(1) [ kind | message | cause ]
//
// Strings and type names carry a 2-byte length, byte payloads a 4-byte length.
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: truncated input")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &binaryWriter{}
	switch msg := v.(type) {
	case *message.Request:
		w.raw(msg.ID[:])
		w.str(msg.ServiceName)
		w.str(msg.ServiceVersion)
		w.str(msg.MethodName)
		w.u16(len(msg.ParamTypes))
		for _, t := range msg.ParamTypes {
			w.str(t)
		}
		w.u16(len(msg.Params))
		for _, p := range msg.Params {
			w.bytes(p)
		}
	case *message.Response:
		w.raw(msg.ID[:])
		w.bytes(msg.Result)
		if msg.Error == nil {
			w.buf = append(w.buf, 0)
			break
		}
		w.buf = append(w.buf, 1)
		w.str(string(msg.Error.Kind))
		w.bytes([]byte(msg.Error.Message))
		w.str(msg.Error.Cause)
	default:
		return nil, errors.Errorf("BinaryCodec: cannot encode %T", v)
	}
	return w.buf, w.err
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &binaryReader{data: data}
	switch msg := v.(type) {
	case *message.Request:
		copy(msg.ID[:], r.raw(16))
		msg.ServiceName = r.str()
		msg.ServiceVersion = r.str()
		msg.MethodName = r.str()
		if n := r.u16(); n > 0 {
			msg.ParamTypes = make([]string, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				msg.ParamTypes = append(msg.ParamTypes, r.str())
			}
		}
		if n := r.u16(); n > 0 {
			msg.Params = make([][]byte, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				msg.Params = append(msg.Params, r.bytes())
			}
		}
	case *message.Response:
		copy(msg.ID[:], r.raw(16))
		msg.Result = r.bytes()
		if flag := r.raw(1); len(flag) == 1 && flag[0] == 1 {
			msg.Error = &message.Error{
				Kind:    message.Kind(r.str()),
				Message: string(r.bytes()),
				Cause:   r.str(),
			}
		}
	default:
		return errors.Errorf("BinaryCodec: cannot decode into %T", v)
	}
	if r.err == nil && r.off != len(data) {
		return errors.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binaryWriter struct {
	buf []byte
	err error
}

func (w *binaryWriter) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *binaryWriter) u16(n int) {
	if n > 0xffff {
		w.err = errors.Errorf("BinaryCodec: field count %d exceeds 65535", n)
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *binaryWriter) str(s string) {
	w.u16(len(s))
	w.buf = append(w.buf, s...)
}

func (w *binaryWriter) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binaryReader remembers the first error; later reads return zero values.
type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) raw(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data)-r.off < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) u16() int {
	b := r.raw(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *binaryReader) str() string {
	return string(r.raw(r.u16()))
}

func (r *binaryReader) bytes() []byte {
	b := r.raw(4)
	if b == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(r.data)-r.off) {
		r.err = errShortBuffer
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.raw(int(n)))
	return out
}
