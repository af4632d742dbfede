// Package codec turns protocol envelopes into frames and back. Two wire
// shapes exist: a textual JSON-RPC envelope and a compact msgpack map. A
// session picks one by name and keeps it for its whole life.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"singularitytrainer.ai/internal/protocol"
)

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// ErrDecode marks a frame that could not be decoded. Callers treat it as a
// recoverable per-tick failure.
var ErrDecode = errors.New("codec: decode failed")

type Codec interface {
	Name() string
	// Binary reports whether frames must be sent as binary messages.
	Binary() bool

	EncodeRequest(req protocol.Request) ([]byte, error)
	DecodeRequest(b []byte) (protocol.Request, error)
	EncodeResponse(resp protocol.Response) ([]byte, error)
	DecodeResponse(b []byte) (protocol.Response, error)

	// Unmarshal decodes a RawMessage produced by this codec.
	Unmarshal(raw protocol.RawMessage, v any) error
}

func New(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJSON, "jsonrpc":
		return JSON{}, nil
	case NameMsgpack, "msgpack-rpc":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// DecodeParam unmarshals the param of a decoded request into v.
func DecodeParam(c Codec, req protocol.Request, v any) error {
	raw, ok := req.Param.(protocol.RawMessage)
	if !ok {
		return fmt.Errorf("%w: %s: param not decoded by a codec", ErrDecode, req.Method)
	}
	if err := c.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s param: %w", req.Method, err)
	}
	return nil
}

// DecodeResult unmarshals the result of a decoded response into v.
func DecodeResult(c Codec, resp protocol.Response, v any) error {
	raw, ok := resp.Result.(protocol.RawMessage)
	if !ok {
		return fmt.Errorf("%w: result not decoded by a codec", ErrDecode)
	}
	return c.Unmarshal(raw, v)
}

func decodeErr(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDecode, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrDecode, what, err)
}
