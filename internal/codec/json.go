package codec

import (
	"encoding/json"

	"singularitytrainer.ai/internal/protocol"
)

// JSON is the textual JSON-RPC 2.0 envelope.
type JSON struct{}

type jsonRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Param   any    `json:"param,omitempty"`
	ID      int    `json:"id"`
}

type jsonRequestIn struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Param   json.RawMessage `json:"param,omitempty"`
	ID      int             `json:"id"`
}

type jsonResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type jsonResponseIn struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
	ID      int             `json:"id"`
}

func (JSON) Name() string { return NameJSON }
func (JSON) Binary() bool { return false }

func (JSON) EncodeRequest(req protocol.Request) ([]byte, error) {
	v := req.Version
	if v == "" {
		v = protocol.JSONRPCVersion
	}
	return json.Marshal(jsonRequest{JSONRPC: v, Method: req.Method, Param: req.Param, ID: req.ID})
}

func (JSON) DecodeRequest(b []byte) (protocol.Request, error) {
	var in jsonRequestIn
	if err := json.Unmarshal(b, &in); err != nil {
		return protocol.Request{}, decodeErr("request", err)
	}
	if in.JSONRPC != "" && in.JSONRPC != protocol.JSONRPCVersion {
		return protocol.Request{}, decodeErr("unsupported jsonrpc version "+in.JSONRPC, nil)
	}
	if in.Method == "" {
		return protocol.Request{}, decodeErr("missing method", nil)
	}
	return protocol.Request{
		Version: in.JSONRPC,
		Method:  in.Method,
		Param:   protocol.RawMessage(in.Param),
		ID:      in.ID,
	}, nil
}

func (JSON) EncodeResponse(resp protocol.Response) ([]byte, error) {
	v := resp.Version
	if v == "" {
		v = protocol.JSONRPCVersion
	}
	return json.Marshal(jsonResponse{JSONRPC: v, Result: resp.Result, Error: resp.Error, ID: resp.ID})
}

func (JSON) DecodeResponse(b []byte) (protocol.Response, error) {
	var in jsonResponseIn
	if err := json.Unmarshal(b, &in); err != nil {
		return protocol.Response{}, decodeErr("response", err)
	}
	if in.JSONRPC != "" && in.JSONRPC != protocol.JSONRPCVersion {
		return protocol.Response{}, decodeErr("unsupported jsonrpc version "+in.JSONRPC, nil)
	}
	if len(in.Result) == 0 && in.Error == nil {
		return protocol.Response{}, decodeErr("response has neither result nor error", nil)
	}
	return protocol.Response{
		Version: in.JSONRPC,
		Result:  protocol.RawMessage(in.Result),
		Error:   in.Error,
		ID:      in.ID,
	}, nil
}

func (JSON) Unmarshal(raw protocol.RawMessage, v any) error {
	if len(raw) == 0 {
		return decodeErr("empty payload", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return decodeErr("payload", err)
	}
	return nil
}
