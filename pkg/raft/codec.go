package raft

import "encoding/json"

// jsonCodec is a grpc encoding.Codec that marshals with encoding/json
// instead of protobuf. Registered under the "json" content-subtype so a
// hand-built grpc.ServiceDesc (serviceDesc below) can ship real RPCs over
// google.golang.org/grpc without a protoc-generated stub.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }
