package grpc

import (
    "encoding/json"

    "google.golang.org/grpc/encoding"
)

// jsonCodec carries the management messages as JSON so the wire types stay
// plain Go structs shared with the HTTP transport.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

// Unmarshal leaves v at its zero value for an empty frame.
func (jsonCodec) Unmarshal(b []byte, v interface{}) error {
    if len(b) == 0 { return nil }
    return json.Unmarshal(b, v)
}

func (jsonCodec) Name() string { return "json" }

func init() { encoding.RegisterCodec(jsonCodec{}) }
