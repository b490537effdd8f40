package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ProtobufCodec implements Protocol Buffers binary encoding/decoding
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
	return proto.Marshal(msg)
}

func (c *ProtobufCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (c *ProtobufCodec) Name() string {
	return "protobuf"
}

func (c *ProtobufCodec) ContentType() string {
	return MIMEProtobuf
}

// ProtoJSONCodec encodes protobuf messages using the canonical JSON mapping
type ProtoJSONCodec struct{}

func (c *ProtoJSONCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
	return protojson.Marshal(msg)
}

func (c *ProtoJSONCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
	return protojson.Unmarshal(data, msg)
}

func (c *ProtoJSONCodec) Name() string {
	return "protojson"
}

func (c *ProtoJSONCodec) ContentType() string {
	return "application/json; charset=utf-8"
}
