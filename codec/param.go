package codec

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

// Parameters and results are opaque bytes inside the envelope. They are always
// JSON, whatever codec frames the envelope.

// MarshalParams serializes args and names their types.
func MarshalParams(args ...any) ([]string, [][]byte, error) {
	types := make([]string, len(args))
	params := make([][]byte, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "codec: marshal param %d", i)
		}
		types[i] = TypeName(reflect.TypeOf(arg))
		params[i] = b
	}
	return types, params, nil
}

// MarshalResult serializes a return value.
func MarshalResult(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "codec: marshal result")
}

// UnmarshalResult decodes a return value into v. An empty result leaves v untouched.
func UnmarshalResult(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, v), "codec: unmarshal result")
}

// TypeName is the name a parameter type goes by in a method signature.
// Pointers are named after what they point to, so *Args and Args match.
func TypeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}
