package bridge

import (
	"errors"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/types"
)

// frameType discriminates the JSON frames exchanged on a bridge
// connection. Clients emit send, recv, cancel, and abort; the server
// answers send and recv with result frames correlated by ID.
type frameType string

const (
	frameSend   frameType = "send"
	frameRecv   frameType = "recv"
	frameCancel frameType = "cancel"
	frameAbort  frameType = "abort"
	frameResult frameType = "result"
)

// frame is the single wire message shape. Payload travels base64-encoded
// by encoding/json. Which fields are meaningful depends on Type:
//
//	send:   ID, Key, Payload, Dead, Attrs
//	recv:   ID, Key, Attrs
//	cancel: ID
//	abort:  Error
//	result: ID, then either Error+Code or Payload+Dead+Attrs
type frame struct {
	Type    frameType         `json:"type"`
	ID      string            `json:"id,omitempty"`
	Key     string            `json:"key,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
	Dead    bool              `json:"dead,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	Error   string            `json:"error,omitempty"`
	Code    types.ErrorCode   `json:"code,omitempty"`
}

// resultFrame builds the server's answer to a send or recv frame. Taxonomy
// errors travel as message plus code so the client can rebuild them
// without re-wrapping the formatted string.
func resultFrame(id string, err error, sendArgs rendezvous.Args, env rendezvous.Envelope) frame {
	f := frame{Type: frameResult, ID: id}
	if err != nil {
		var e *types.Error
		if errors.As(err, &e) {
			f.Error = e.Message
			if e.Cause != nil {
				f.Error += ": " + e.Cause.Error()
			}
			f.Code = e.Code
		} else {
			f.Error = err.Error()
			f.Code = types.ErrInternal
		}
		return f
	}
	f.Payload = env.Payload
	f.Dead = env.Dead
	f.Attrs = sendArgs.DeviceContext
	return f
}

// resultError rehydrates a result frame's error on the client side. The
// message already carries the server-side formatting, so it is wrapped
// as-is under the transported code.
func resultError(f frame) error {
	if f.Error == "" {
		return nil
	}
	code := f.Code
	if code == "" {
		code = types.ErrInternal
	}
	e := types.NewError(code, f.Error)
	if code == types.ErrUnavailable {
		e = e.WithRetryable(true)
	}
	return e
}
