package codec

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"

	"github.com/pkg/errors"
)

// Cipher is the optional symmetric stage applied to serialized envelopes.
// Both peers must share the same key.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// ErrBadPadding is returned when decrypted data does not end in valid PKCS#5
// padding, which is what a wrong key usually looks like.
var ErrBadPadding = errors.New("codec: bad padding")

// DESCipher is DES in ECB mode with PKCS#5 padding, the layout the Java side
// gets from Cipher.getInstance("DES").
type DESCipher struct {
	block cipher.Block
}

// NewDESCipher returns a cipher for the given 8-byte key. The low bit of every
// key byte is a DES parity bit and does not affect the result.
func NewDESCipher(key []byte) (*DESCipher, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "codec: des key")
	}
	return &DESCipher{block: block}, nil
}

func (c *DESCipher) Encrypt(plain []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	pad := bs - len(plain)%bs
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	copy(buf[len(plain):], bytes.Repeat([]byte{byte(pad)}, pad))
	for off := 0; off < len(buf); off += bs {
		c.block.Encrypt(buf[off:off+bs], buf[off:off+bs])
	}
	return buf, nil
}

func (c *DESCipher) Decrypt(data []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, errors.Errorf("codec: ciphertext length %d is not a multiple of %d", len(data), bs)
	}
	buf := make([]byte, len(data))
	for off := 0; off < len(data); off += bs {
		c.block.Decrypt(buf[off:off+bs], data[off:off+bs])
	}
	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > bs {
		return nil, ErrBadPadding
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return buf[:len(buf)-pad], nil
}
