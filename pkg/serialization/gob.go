package serialization

import (
	"encoding/gob"
	"io"
)

// gobCodec streams values through encoding/gob. Each Codec.Marshal call gets
// a fresh encoder, so every payload carries its own type descriptors.
type gobCodec struct {
	dec *gob.Decoder
	enc *gob.Encoder
}

func (g *gobCodec) Decode(v any) error {
	return g.dec.Decode(v)
}

func (g *gobCodec) Encode(v any) error {
	return g.enc.Encode(v)
}

// GobDecoder reads gob-encoded values from r.
func GobDecoder(r io.Reader) Decoder {
	return &gobCodec{dec: gob.NewDecoder(r)}
}

// GobEncoder writes gob-encoded values to w.
func GobEncoder(w io.Writer) Encoder {
	return &gobCodec{enc: gob.NewEncoder(w)}
}
