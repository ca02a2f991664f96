// ABOUTME: JSON wire frames for the WebSocket gateway
// ABOUTME: Field order and names are pinned for interop; ping/pong is bit-for-bit

package gateway

import "encoding/json"

// protoVersion is stamped on every server frame.
const protoVersion = 1

// clientFrame is any inbound JSON object. The type tag selects which fields
// are meaningful; unknown tags produce an error frame.
type clientFrame struct {
	T  string          `json:"t"`
	ID json.RawMessage `json:"id,omitempty"`

	// hello
	Resume string `json:"resume,omitempty"`
	User   string `json:"user,omitempty"`
	Device string `json:"device,omitempty"`

	// send / sub / unsub / ack
	Conv    string  `json:"conv,omitempty"`
	MsgID   string  `json:"msg_id,omitempty"`
	Payload string  `json:"payload,omitempty"` // base64 content
	Text    *string `json:"text,omitempty"`    // raw text content
	TS      int64   `json:"ts,omitempty"`
	After   int64   `json:"after,omitempty"`
	Seq     int64   `json:"seq,omitempty"`
}

// pongFrame answers a JSON ping, echoing the id untouched.
type pongFrame struct {
	V  int             `json:"v"`
	T  string          `json:"t"`
	ID json.RawMessage `json:"id"`
}

// helloOKFrame acknowledges session creation or resume. The resume token is
// freshly rotated on every hello.
type helloOKFrame struct {
	V       int    `json:"v"`
	T       string `json:"t"`
	User    string `json:"user"`
	Device  string `json:"device"`
	Session string `json:"session"`
	Resume  string `json:"resume"`
}

// sentFrame confirms an append. Created is false for a deduplicated retry.
type sentFrame struct {
	V       int    `json:"v"`
	T       string `json:"t"`
	Conv    string `json:"conv"`
	MsgID   string `json:"msg_id"`
	Seq     int64  `json:"seq"`
	Created bool   `json:"created"`
}

// ackOKFrame confirms a cursor ack with the resulting next sequence.
type ackOKFrame struct {
	V    int    `json:"v"`
	T    string `json:"t"`
	Conv string `json:"conv"`
	Next int64  `json:"next"`
}

// eventFrame pushes one stored event to a subscriber.
type eventFrame struct {
	V       int    `json:"v"`
	T       string `json:"t"`
	Conv    string `json:"conv"`
	MsgID   string `json:"msg_id"`
	Seq     int64  `json:"seq"`
	Payload string `json:"payload"` // base64 of the canonical bytes
	Device  string `json:"device"`
	TS      int64  `json:"ts"`
}

// errorFrame reports a rejected frame. The connection stays open.
type errorFrame struct {
	V   int    `json:"v"`
	T   string `json:"t"`
	Msg string `json:"msg"`
}
