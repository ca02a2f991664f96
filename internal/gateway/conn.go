// ABOUTME: Per-connection read loop, frame dispatch, and ordered event pushes
// ABOUTME: Handles hello/resume, send, sub with backlog replay, ack, and JSON ping/pong

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/fold-relay/internal/store"
)

// convSub tracks what this connection has already been shown for one
// conversation. Its mutex serializes replay and live pushes so a subscriber
// never sees an event twice or out of order.
type convSub struct {
	mu   sync.Mutex
	last int64 // highest seq written to the connection
}

type conn struct {
	g  *Gateway
	ws *websocket.Conn

	writeMu sync.Mutex

	session *store.Session

	mu   sync.Mutex
	subs map[string]*convSub // convID -> state
}

func newConn(g *Gateway, ws *websocket.Conn) *conn {
	return &conn{
		g:    g,
		ws:   ws,
		subs: make(map[string]*convSub),
	}
}

// run reads frames until the connection drops, then tears down all
// subscriptions. The server pings on an interval and expects pongs within
// twice that interval.
func (c *conn) run(ctx context.Context) {
	defer c.teardown()
	defer c.ws.Close()

	pongWait := 2 * c.g.cfg.PingInterval
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.g.logger.Debug("read error", "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.writeError("malformed frame: not a JSON object")
			continue
		}
		c.handleFrame(ctx, &frame)
	}
}

func (c *conn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.g.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *conn) handleFrame(ctx context.Context, frame *clientFrame) {
	switch frame.T {
	case "ping":
		// Control-plane liveness check, reproduced bit-for-bit:
		// {"t":"ping","id":X} elicits {"v":1,"t":"pong","id":X}.
		c.writeJSON(pongFrame{V: protoVersion, T: "pong", ID: frame.ID})
	case "hello":
		c.handleHello(ctx, frame)
	case "send":
		c.handleSend(ctx, frame)
	case "sub":
		c.handleSub(ctx, frame)
	case "unsub":
		c.handleUnsub(frame)
	case "ack":
		c.handleAck(ctx, frame)
	default:
		c.writeError("unknown message type: " + frame.T)
	}
}

func (c *conn) handleHello(ctx context.Context, frame *clientFrame) {
	var session *store.Session

	if frame.Resume != "" {
		prev, err := c.g.sessions.GetSessionByResume(ctx, frame.Resume)
		if errors.Is(err, store.ErrSessionNotFound) {
			c.writeError("unknown resume token")
			return
		}
		if err != nil {
			c.g.logger.Error("resume lookup failed", "error", err)
			c.writeError("internal error")
			return
		}
		// Rotate on every resume so a captured token dies with its use.
		session, err = c.g.sessions.RotateResume(ctx, prev)
		if err != nil {
			c.g.logger.Error("resume rotation failed", "error", err)
			c.writeError("internal error")
			return
		}
	} else {
		if frame.User == "" || frame.Device == "" {
			c.writeError("hello requires a resume token or user and device")
			return
		}
		var err error
		session, err = c.g.sessions.CreateSession(ctx, frame.User, frame.Device)
		if err != nil {
			c.g.logger.Error("session creation failed", "error", err)
			c.writeError("internal error")
			return
		}
	}

	c.session = session
	c.writeJSON(helloOKFrame{
		V:       protoVersion,
		T:       "hello-ok",
		User:    session.UserID,
		Device:  session.DeviceID,
		Session: session.SessionToken,
		Resume:  session.ResumeToken,
	})
}

func (c *conn) handleSend(ctx context.Context, frame *clientFrame) {
	if c.session == nil {
		c.writeError("hello required before send")
		return
	}

	var payload store.Payload
	if frame.Text != nil {
		payload = store.BytesPayload([]byte(*frame.Text))
	} else {
		payload = store.Base64Payload(frame.Payload)
	}

	ts := frame.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	// The conversation's send lock spans the append and the broadcast.
	// Without it a concurrent sender could broadcast seq N+1 first and the
	// subscriber's ordering guard would discard seq N.
	c.g.sendLocks.Lock(frame.Conv)
	event, created, err := c.g.log.Append(ctx, frame.Conv, frame.MsgID, payload, c.session.DeviceID, ts)
	if err != nil {
		c.g.sendLocks.Unlock(frame.Conv)
		c.writeError("append failed: " + err.Error())
		return
	}

	// Only a first-time insert fans out; a deduplicated retry was already
	// delivered when it first arrived.
	if created {
		c.g.hub.Broadcast(event)
	}
	c.g.sendLocks.Unlock(frame.Conv)

	c.writeJSON(sentFrame{
		V:       protoVersion,
		T:       "sent",
		Conv:    event.ConvID,
		MsgID:   event.MsgID,
		Seq:     event.Seq,
		Created: created,
	})
}

func (c *conn) handleSub(ctx context.Context, frame *clientFrame) {
	if c.session == nil {
		c.writeError("hello required before sub")
		return
	}

	cs := c.subFor(frame.Conv)

	// Hold the conversation's push lock across replay and registration.
	// Live hub deliveries block on the same lock, so they cannot interleave
	// with the backlog; the seq guard in pushLocked drops anything replayed.
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.last = frame.After

	backlog, err := c.g.log.ListSince(ctx, frame.Conv, frame.After, c.g.cfg.ReplayLimit)
	if err != nil {
		c.writeError("replay failed: " + err.Error())
		return
	}
	for _, event := range backlog {
		c.pushLocked(cs, event)
	}

	c.g.hub.Subscribe(c.session.DeviceID, frame.Conv, func(event *store.Event) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		c.pushLocked(cs, event)
	})

	// Events appended between the backlog query and the subscription.
	gap, err := c.g.log.ListSince(ctx, frame.Conv, cs.last, c.g.cfg.ReplayLimit)
	if err != nil {
		c.writeError("replay failed: " + err.Error())
		return
	}
	for _, event := range gap {
		c.pushLocked(cs, event)
	}
}

func (c *conn) handleUnsub(frame *clientFrame) {
	if c.session == nil {
		c.writeError("hello required before unsub")
		return
	}

	c.g.hub.Unsubscribe(c.session.DeviceID, frame.Conv)

	c.mu.Lock()
	delete(c.subs, frame.Conv)
	c.mu.Unlock()
}

func (c *conn) handleAck(ctx context.Context, frame *clientFrame) {
	if c.session == nil {
		c.writeError("hello required before ack")
		return
	}

	next, err := c.g.cursors.Ack(ctx, c.session.DeviceID, frame.Conv, frame.Seq)
	if err != nil {
		c.writeError("ack failed: " + err.Error())
		return
	}

	c.writeJSON(ackOKFrame{V: protoVersion, T: "ack-ok", Conv: frame.Conv, Next: next})
}

func (c *conn) subFor(convID string) *convSub {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.subs[convID]
	if !ok {
		cs = &convSub{}
		c.subs[convID] = cs
	}
	return cs
}

// pushLocked writes one event frame. Caller holds cs.mu.
func (c *conn) pushLocked(cs *convSub, event *store.Event) {
	if event.Seq <= cs.last {
		return
	}
	cs.last = event.Seq

	c.writeJSON(eventFrame{
		V:       protoVersion,
		T:       "event",
		Conv:    event.ConvID,
		MsgID:   event.MsgID,
		Seq:     event.Seq,
		Payload: base64.StdEncoding.EncodeToString(event.Payload),
		Device:  event.DeviceID,
		TS:      event.TS,
	})
}

func (c *conn) writeError(msg string) {
	c.writeJSON(errorFrame{V: protoVersion, T: "error", Msg: msg})
}

// writeJSON marshals and writes one frame. Marshaling is explicit rather
// than via WriteJSON so the wire bytes carry no trailing newline; the
// pong frame in particular is pinned byte-for-byte.
func (c *conn) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.g.logger.Error("marshaling frame", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.g.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.g.logger.Debug("write failed", "error", err)
	}
}

// teardown removes all hub subscriptions held by this connection.
func (c *conn) teardown() {
	if c.session == nil {
		return
	}

	c.mu.Lock()
	convs := make([]string, 0, len(c.subs))
	for convID := range c.subs {
		convs = append(convs, convID)
	}
	c.mu.Unlock()

	for _, convID := range convs {
		c.g.hub.Unsubscribe(c.session.DeviceID, convID)
	}
}
