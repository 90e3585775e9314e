package rpc

import (
	"github.com/goccy/go-json"
	"google.golang.org/grpc/encoding"
)

const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

// Codec returns the message codec both ends of the Syncer service are forced
// to use.
func Codec() encoding.Codec {
	return jsonCodec{}
}
