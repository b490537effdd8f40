package core

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/searchktools/hookserver/core/codec"
	"github.com/searchktools/hookserver/core/pools"
)

// BodyParser decodes a raw request body. Returned *Error values are sent
// as they are; any other error is reported as an invalid body (400).
type BodyParser func(req *Request, body []byte) (any, error)

// contentTypeParsers maps media types to parsers. "*" registers a
// catch-all used when nothing else matches.
type contentTypeParsers struct {
	parsers  map[string]BodyParser
	builtin  map[string]bool
	catchAll BodyParser
}

func newContentTypeParsers() *contentTypeParsers {
	return &contentTypeParsers{
		parsers: map[string]BodyParser{
			MIMEApplicationJSON: parseJSON,
			MIMETextPlain:       parseText,
		},
		builtin: map[string]bool{
			MIMEApplicationJSON: true,
			MIMETextPlain:       true,
		},
	}
}

func (p *contentTypeParsers) clone() *contentTypeParsers {
	cp := &contentTypeParsers{
		parsers:  make(map[string]BodyParser, len(p.parsers)),
		builtin:  make(map[string]bool, len(p.builtin)),
		catchAll: p.catchAll,
	}
	for k, v := range p.parsers {
		cp.parsers[k] = v
	}
	for k, v := range p.builtin {
		cp.builtin[k] = v
	}
	return cp
}

// add registers fn. Built-in parsers may be replaced once; any other
// duplicate fails.
func (p *contentTypeParsers) add(contentType string, fn BodyParser) error {
	if fn == nil {
		return ErrParserInvalid
	}
	if contentType == "*" {
		if p.catchAll != nil {
			return ErrParserAlreadyPresent.withMessage("Content type parser '*' already present.")
		}
		p.catchAll = fn
		return nil
	}

	key := mediaType(contentType)
	if key == "" {
		return ErrParserInvalid.withMessage("invalid content type %q", contentType)
	}
	if _, ok := p.parsers[key]; ok && !p.builtin[key] {
		return ErrParserAlreadyPresent.withMessage("Content type parser '%s' already present.", key)
	}
	p.parsers[key] = fn
	delete(p.builtin, key)
	return nil
}

func (p *contentTypeParsers) has(contentType string) bool {
	if contentType == "*" {
		return p.catchAll != nil
	}
	_, ok := p.parsers[mediaType(contentType)]
	return ok
}

func (p *contentTypeParsers) lookup(contentType string) BodyParser {
	if fn, ok := p.parsers[mediaType(contentType)]; ok {
		return fn
	}
	return p.catchAll
}

func mediaType(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func parseJSON(_ *Request, body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyJSONBody
	}
	var v any
	if err := (&codec.JSONCodec{}).Decode(body, &v); err != nil {
		return nil, ErrInvalidBody.wrap(err)
	}
	return v, nil
}

func parseText(_ *Request, body []byte) (any, error) {
	return string(body), nil
}

// ProtobufParser decodes binary protobuf bodies into messages created by
// newMessage. Register it with AddContentTypeParser(codec.MIMEProtobuf, ...).
func ProtobufParser(newMessage func() proto.Message) BodyParser {
	return func(_ *Request, body []byte) (any, error) {
		msg := newMessage()
		if err := (&codec.ProtobufCodec{}).Decode(body, msg); err != nil {
			return nil, ErrInvalidBody.wrap(err)
		}
		return msg, nil
	}
}

// hasBody reports whether the request announces a payload
func hasBody(raw *http.Request) bool {
	return raw.ContentLength > 0 || len(raw.TransferEncoding) > 0
}

// parseBody runs the content-type parser of the route. GET and HEAD never
// carry a parsed body; OPTIONS and DELETE need both a content-type and a
// body.
func (rt *route) parseBody(req *Request) error {
	raw := req.Raw
	ct := raw.Header.Get(HeaderContentType)

	switch raw.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if ct == "" && !hasBody(raw) {
			return nil
		}
	case http.MethodOptions, http.MethodDelete:
		if ct == "" || !hasBody(raw) {
			return nil
		}
	default:
		return nil
	}

	parser := rt.parsers.lookup(ct)
	if parser == nil {
		return ErrUnsupportedMediaType.withMessage("Unsupported Media Type: %s", ct)
	}

	body, err := readBody(raw, rt.bodyLimit)
	if err != nil {
		return err
	}

	value, err := parser(req, body)
	if err != nil {
		var coded *Error
		if errors.As(err, &coded) {
			return err
		}
		return ErrInvalidBody.wrap(err)
	}
	req.setBody(value)
	return nil
}

// readBody reads at most limit bytes. A declared or actual length above
// the limit fails with ErrBodyTooLarge.
func readBody(raw *http.Request, limit int64) ([]byte, error) {
	if raw.ContentLength > limit {
		return nil, ErrBodyTooLarge
	}
	if raw.Body == nil {
		return nil, nil
	}

	buf := pools.AcquireBuffer(int(max(raw.ContentLength, 0)))
	defer pools.ReleaseBuffer(buf)

	n, err := buf.ReadFrom(io.LimitReader(raw.Body, limit+1))
	if err != nil {
		return nil, ErrInvalidBody.wrap(err)
	}
	if n > limit {
		return nil, ErrBodyTooLarge
	}
	return bytes.Clone(buf.Bytes()), nil
}
