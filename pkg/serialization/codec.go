package serialization

import (
	"bytes"
	"fmt"
	"io"
)

// Codec turns values into the bytes handed to a storage engine and back.
type Codec struct {
	Type    string
	Encoder func(io.Writer) Encoder
	Decoder func(io.Reader) Decoder
}

// JSON returns the default codec.
func JSON() Codec {
	return Codec{Type: JSONType, Encoder: JsonEncoder, Decoder: JsonDecoder}
}

// Gob returns a codec backed by encoding/gob.
func Gob() Codec {
	return Codec{Type: GobType, Encoder: GobEncoder, Decoder: GobDecoder}
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	switch name {
	case JSONType, "":
		return JSON(), nil
	case GobType:
		return Gob(), nil
	default:
		return Codec{}, fmt.Errorf("unsupported serialization type: %s", name)
	}
}

// Marshal encodes v into a new byte slice.
func (c Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%s encode: %w", c.Type, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func (c Codec) Unmarshal(data []byte, v any) error {
	if err := c.Decoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%s decode: %w", c.Type, err)
	}
	return nil
}
