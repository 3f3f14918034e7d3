// Package protocol defines the wire types shared with the external
// gateway binary: inbound frame shapes, the HTTP response envelope, and
// the closed error taxonomy its negative result codes map onto.
package protocol

import (
	"encoding/json"
	"fmt"
)

// StringValue is how the gateway wraps most string fields:
// {"string": "..."}. Some deployments inline the value instead, so
// both shapes decode.
type StringValue struct {
	String string `json:"string"`
}

func (s *StringValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.String)
	}
	type alias StringValue
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	s.String = a.String
	return nil
}

func (s StringValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"string": s.String})
}

// BufferValue wraps the optional inline media buffer:
// {"iLen": n, "buffer": "<base64>"}.
type BufferValue struct {
	Len    int    `json:"iLen"`
	Buffer string `json:"buffer"`
}

// Frame is one raw inbound message as delivered by Sync or the
// websocket feed. Only the fields the decoder reads are declared.
type Frame struct {
	MsgID       int64        `json:"MsgId"`
	NewMsgID    int64        `json:"NewMsgId"`
	CreateTime  int64        `json:"CreateTime"`
	MsgType     int          `json:"MsgType"`
	Content     StringValue  `json:"Content"`
	FromUser    StringValue  `json:"FromUserName"`
	ToWxid      StringValue  `json:"ToWxid"`
	MsgSource   string       `json:"MsgSource"`
	PushContent string       `json:"PushContent,omitempty"`
	ImgBuf      *BufferValue `json:"ImgBuf,omitempty"`
}

// Envelope is the gateway's uniform POST response shape.
type Envelope struct {
	Success bool            `json:"Success"`
	Code    int             `json:"Code"`
	Message string          `json:"Message"`
	Data    json.RawMessage `json:"Data"`
}

// SyncData is the payload of a Sync response.
type SyncData struct {
	AddMsgs []Frame `json:"AddMsgs"`
}

// Code classifies every failure the core can observe.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidArgument
	CodeLoggedOut
	CodeSerialization
	CodeTransport
	CodeRateLimited
	CodeDatabase
	CodeDownloadFailed
	CodeDecode
	CodeRiskBlocked
	CodePlugin
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeLoggedOut:
		return "logged out"
	case CodeSerialization:
		return "serialization error"
	case CodeTransport:
		return "transport error"
	case CodeRateLimited:
		return "rate limited"
	case CodeDatabase:
		return "database error"
	case CodeDownloadFailed:
		return "download failed"
	case CodeDecode:
		return "decode error"
	case CodeRiskBlocked:
		return "blocked by risk control"
	case CodePlugin:
		return "plugin error"
	default:
		return "unknown error"
	}
}

// FromWireCode maps the gateway's negative result codes onto the
// taxonomy. Positive and zero codes are success and never reach here.
func FromWireCode(code int) Code {
	switch code {
	case -1:
		return CodeInvalidArgument
	case -2:
		return CodeLoggedOut
	case -3:
		return CodeSerialization
	case -4:
		return CodeDatabase
	case -5, -6:
		return CodeInvalidArgument
	case -7:
		return CodeLoggedOut
	case -8:
		return CodeTransport
	case -9:
		return CodeRateLimited
	default:
		return CodeUnknown
	}
}

// APIError is a gateway verb failure.
type APIError struct {
	Code Code
	Verb string
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("gateway %s: %s", e.Verb, e.Code)
	}
	return fmt.Sprintf("gateway %s: %s: %s", e.Verb, e.Code, e.Msg)
}

// Retryable reports whether retrying the same call can succeed.
func (e *APIError) Retryable() bool {
	return e.Code == CodeTransport || e.Code == CodeRateLimited
}

// Is allows errors.Is comparisons against a bare *APIError carrying
// only a Code.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Verb == "" || t.Verb == e.Verb)
}

// ErrLoggedOut is the sentinel the supervisor watches for to trigger
// an awaken re-login.
var ErrLoggedOut = &APIError{Code: CodeLoggedOut}

// ErrRiskBlocked surfaces to plugins when the risk gate refuses an
// outbound verb.
var ErrRiskBlocked = &APIError{Code: CodeRiskBlocked, Msg: "banned in protection window"}
