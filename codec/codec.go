// Package codec serializes the documents carried in frame bodies.
//
// Requests, replies and feed messages are all JSON-equivalent documents; the
// codec type travels in the frame header so a peer can decode the body
// without out-of-band agreement.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for a header codec byte.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec type: %d", codecType)
}
