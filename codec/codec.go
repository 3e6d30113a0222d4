// Package codec turns envelopes into bytes and back, and provides the optional
// symmetric cipher stage that sits between serialization and framing.
package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// JSONCodec is the default envelope codec. Parameter and result payloads are
// JSON whichever codec carries the envelope, see MarshalParams.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (c *JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (c *JSONCodec) Type() CodecType { return CodecTypeJSON }

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name ("json", "binary") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, errors.Errorf("codec: unknown codec %q", name)
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}
