package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/searchktools/hookserver/core/pools"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Media types understood by the built-in codecs
const (
	MIMEJSON     = "application/json"
	MIMEProtobuf = "application/x-protobuf"
)

// Codec defines the interface for encoding/decoding payloads
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v any) ([]byte, error)

	// Decode decodes bytes to a value
	Decode(data []byte, v any) error

	// Name returns the codec name
	Name() string

	// ContentType returns the content-type header written with the encoding
	ContentType() string
}

var (
	jsonCodec      = &JSONCodec{}
	protoJSONCodec = &ProtoJSONCodec{}
	protobufCodec  = &ProtobufCodec{}
)

// ForValue picks the codec used when a structured payload has no explicit
// serializer: protojson for protobuf messages, JSON for everything else.
func ForValue(v any) Codec {
	if _, ok := v.(proto.Message); ok {
		return protoJSONCodec
	}
	return jsonCodec
}

// Marshal encodes v with the codec returned by ForValue
func Marshal(v any) ([]byte, error) {
	return ForValue(v).Encode(v)
}

// ForContentType returns the codec registered for a content-type header
// value. Parameters such as charset are ignored.
func ForContentType(contentType string) (Codec, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == MIMEJSON || strings.HasSuffix(mediaType, "+json"):
		return jsonCodec, nil
	case mediaType == MIMEProtobuf || mediaType == "application/protobuf":
		return protobufCodec, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// JSONCodec implements JSON encoding/decoding. HTML characters are not
// escaped.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	buf := pools.AcquireBuffer(pools.SmallBufferSize)
	defer pools.ReleaseBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return bytes.Clone(out), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string {
	return "application/json; charset=utf-8"
}
