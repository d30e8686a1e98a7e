package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec uses encoding/json for every document on the wire.
type JSONCodec struct {
	// UseNumber decodes numbers into json.Number instead of float64.
	UseNumber bool
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if !c.UseNumber {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
