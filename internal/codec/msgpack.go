package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"singularitytrainer.ai/internal/protocol"
)

// Msgpack is the compact binary envelope: a msgpack map keyed by field name
// with the API revision under "api". Struct fields reuse their json tags so
// both codecs share one vocabulary.
type Msgpack struct{}

const structTag = "json"

type msgpackRequest struct {
	API    string `json:"api"`
	Method string `json:"method"`
	Param  any    `json:"param,omitempty"`
	ID     int    `json:"id"`
}

type msgpackRequestIn struct {
	API    string             `json:"api"`
	Method string             `json:"method"`
	Param  msgpack.RawMessage `json:"param,omitempty"`
	ID     int                `json:"id"`
}

type msgpackResponse struct {
	API    string          `json:"api"`
	Result any             `json:"result,omitempty"`
	Error  *protocol.Error `json:"error,omitempty"`
	ID     int             `json:"id"`
}

type msgpackResponseIn struct {
	API    string             `json:"api"`
	Result msgpack.RawMessage `json:"result,omitempty"`
	Error  *protocol.Error    `json:"error,omitempty"`
	ID     int                `json:"id"`
}

func (Msgpack) Name() string { return NameMsgpack }
func (Msgpack) Binary() bool { return true }

func (Msgpack) EncodeRequest(req protocol.Request) ([]byte, error) {
	v := req.Version
	if v == "" {
		v = protocol.APIVersion
	}
	return marshalMsgpack(msgpackRequest{API: v, Method: req.Method, Param: req.Param, ID: req.ID})
}

func (Msgpack) DecodeRequest(b []byte) (protocol.Request, error) {
	var in msgpackRequestIn
	if err := unmarshalMsgpack(b, &in); err != nil {
		return protocol.Request{}, decodeErr("request", err)
	}
	if in.API != "" && in.API != protocol.APIVersion {
		return protocol.Request{}, decodeErr("unsupported api version "+in.API, nil)
	}
	if in.Method == "" {
		return protocol.Request{}, decodeErr("missing method", nil)
	}
	return protocol.Request{
		Version: in.API,
		Method:  in.Method,
		Param:   protocol.RawMessage(in.Param),
		ID:      in.ID,
	}, nil
}

func (Msgpack) EncodeResponse(resp protocol.Response) ([]byte, error) {
	v := resp.Version
	if v == "" {
		v = protocol.APIVersion
	}
	return marshalMsgpack(msgpackResponse{API: v, Result: resp.Result, Error: resp.Error, ID: resp.ID})
}

func (Msgpack) DecodeResponse(b []byte) (protocol.Response, error) {
	var in msgpackResponseIn
	if err := unmarshalMsgpack(b, &in); err != nil {
		return protocol.Response{}, decodeErr("response", err)
	}
	if in.API != "" && in.API != protocol.APIVersion {
		return protocol.Response{}, decodeErr("unsupported api version "+in.API, nil)
	}
	if len(in.Result) == 0 && in.Error == nil {
		return protocol.Response{}, decodeErr("response has neither result nor error", nil)
	}
	return protocol.Response{
		Version: in.API,
		Result:  protocol.RawMessage(in.Result),
		Error:   in.Error,
		ID:      in.ID,
	}, nil
}

func (Msgpack) Unmarshal(raw protocol.RawMessage, v any) error {
	if len(raw) == 0 {
		return decodeErr("empty payload", nil)
	}
	if err := unmarshalMsgpack(raw, v); err != nil {
		return decodeErr("payload", err)
	}
	return nil
}

func marshalMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(structTag)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalMsgpack(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag(structTag)
	return dec.Decode(v)
}
