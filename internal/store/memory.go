// ABOUTME: In-memory ConversationLog and CursorStore implementations
// ABOUTME: Same contracts as the SQLite store, backed by per-key locked map state

package store

import (
	"context"
	"sync"
	"time"
)

// memConv holds one conversation's log state. Each conversation has its own
// mutex, so appends to independent conversations never contend.
type memConv struct {
	mu     sync.Mutex
	events []*Event
	byMsg  map[string]*Event
}

// MemoryLog is an in-memory ConversationLog. State is owned exclusively by
// the store and only mutated through its operations.
type MemoryLog struct {
	mu    sync.RWMutex
	convs map[string]*memConv
}

// NewMemoryLog creates an empty in-memory conversation log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{convs: make(map[string]*memConv)}
}

func (l *MemoryLog) conv(convID string) *memConv {
	l.mu.RLock()
	c, ok := l.convs[convID]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.convs[convID]; ok {
		return c
	}
	c = &memConv{byMsg: make(map[string]*Event)}
	l.convs[convID] = c
	return c
}

// Append implements ConversationLog.
func (l *MemoryLog) Append(ctx context.Context, convID, msgID string, payload Payload, deviceID string, ts int64) (*Event, bool, error) {
	raw, err := normalizePayload(payload)
	if err != nil {
		return nil, false, err
	}

	c := l.conv(convID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byMsg[msgID]; ok {
		return existing, false, nil
	}

	event := &Event{
		ConvID:   convID,
		MsgID:    msgID,
		Seq:      int64(len(c.events)) + 1,
		Payload:  raw,
		DeviceID: deviceID,
		TS:       ts,
	}
	c.events = append(c.events, event)
	c.byMsg[msgID] = event
	return event, true, nil
}

// ListSince implements ConversationLog.
func (l *MemoryLog) ListSince(ctx context.Context, convID string, afterSeq int64, limit int) ([]*Event, error) {
	return l.list(convID, afterSeq+1, limit)
}

// ListFrom implements ConversationLog.
func (l *MemoryLog) ListFrom(ctx context.Context, convID string, fromSeq int64, limit int) ([]*Event, error) {
	return l.list(convID, fromSeq, limit)
}

func (l *MemoryLog) list(convID string, minSeq int64, limit int) ([]*Event, error) {
	limit = clampLimit(limit)

	c := l.conv(convID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if minSeq < 1 {
		minSeq = 1
	}
	var out []*Event
	// Seqs are gapless, so the event at index i carries seq i+1.
	for i := minSeq - 1; i < int64(len(c.events)) && len(out) < limit; i++ {
		out = append(out, c.events[i])
	}
	return out, nil
}

// MemoryCursors is an in-memory CursorStore with the same monotonic-ack and
// staleness semantics as the SQLite implementation.
type MemoryCursors struct {
	mu      sync.RWMutex
	cursors map[string]*memCursor
	now     func() time.Time
}

type memCursor struct {
	mu        sync.Mutex
	convID    string
	nextSeq   int64
	updatedMS int64
}

// NewMemoryCursors creates an empty in-memory cursor store.
func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{
		cursors: make(map[string]*memCursor),
		now:     time.Now,
	}
}

func (m *MemoryCursors) cursor(deviceID, convID string) *memCursor {
	key := cursorKey(deviceID, convID)

	m.mu.RLock()
	c, ok := m.cursors[key]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[key]; ok {
		return c
	}
	c = &memCursor{convID: convID, nextSeq: 1}
	m.cursors[key] = c
	return c
}

// Ack implements CursorStore.
func (m *MemoryCursors) Ack(ctx context.Context, deviceID, convID string, seq int64) (int64, error) {
	c := m.cursor(deviceID, convID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq+1 > c.nextSeq {
		c.nextSeq = seq + 1
	}
	// A no-op ack still refreshes liveness.
	c.updatedMS = m.now().UnixMilli()
	return c.nextSeq, nil
}

// LastAck implements CursorStore.
func (m *MemoryCursors) LastAck(ctx context.Context, deviceID, convID string) (int64, error) {
	next, err := m.NextSeq(ctx, deviceID, convID)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// NextSeq implements CursorStore.
func (m *MemoryCursors) NextSeq(ctx context.Context, deviceID, convID string) (int64, error) {
	m.mu.RLock()
	c, ok := m.cursors[cursorKey(deviceID, convID)]
	m.mu.RUnlock()
	if !ok {
		return 1, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq, nil
}

// ActiveMinNextSeq implements CursorStore with the same inclusive staleness
// comparison as the SQLite store.
func (m *MemoryCursors) ActiveMinNextSeq(ctx context.Context, convID string, nowMS, staleAfterMS int64) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var min int64
	found := false
	for _, c := range m.cursors {
		c.mu.Lock()
		match := c.convID == convID && nowMS-c.updatedMS <= staleAfterMS
		next := c.nextSeq
		c.mu.Unlock()

		if !match {
			continue
		}
		if !found || next < min {
			min = next
			found = true
		}
	}
	if !found {
		return 0, false, nil
	}
	return min, true, nil
}

// Interface checks
var (
	_ ConversationLog = (*MemoryLog)(nil)
	_ CursorStore     = (*MemoryCursors)(nil)
)
