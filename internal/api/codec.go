package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// The worker protocol uses plain JSON messages over a gRPC bidirectional
// stream, so workers in any language can speak it without generated code.
// Workers select it with the "json" content-subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
