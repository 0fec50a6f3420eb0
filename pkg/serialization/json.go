package serialization

import (
	"encoding/json"
	"io"
)

type jsonCodec struct {
	dec *json.Decoder
	enc *json.Encoder
}

func (j *jsonCodec) Decode(v any) error {
	return j.dec.Decode(v)
}

func (j *jsonCodec) Encode(v any) error {
	return j.enc.Encode(v)
}

// JsonDecoder reads JSON values from r.
func JsonDecoder(r io.Reader) Decoder {
	return &jsonCodec{dec: json.NewDecoder(r)}
}

// JsonEncoder writes JSON values to w without HTML escaping.
func JsonEncoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonCodec{enc: enc}
}
