// internal/eventlog/view_test.go
package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/user/cadpilot/internal/types"
)

// memLog is an in-memory Log for tests.
type memLog struct {
	mu      sync.Mutex
	streams map[types.SessionID][]*Event
}

func newMemLog() *memLog {
	return &memLog{streams: make(map[types.SessionID][]*Event)}
}

func (m *memLog) Create(ctx context.Context, stream types.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream]; !ok {
		m.streams[stream] = nil
	}
	return nil
}

func (m *memLog) Append(ctx context.Context, stream types.SessionID, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Seq = int64(len(m.streams[stream]) + 1)
	m.streams[stream] = append(m.streams[stream], event)
	return nil
}

func (m *memLog) Read(ctx context.Context, stream types.SessionID, from int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, ev := range m.streams[stream] {
		if ev.Seq > from {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestViewObservesOwnWrites(t *testing.T) {
	log := newMemLog()
	ctx := context.Background()
	view := NewView(log, "sess-1")

	msg := testMessage("msg-1", types.MessageStreaming)
	if err := view.Append(ctx, NewMessageInsert(msg)); err != nil {
		t.Fatal(err)
	}

	if _, ok := view.Collections().Message("msg-1"); !ok {
		t.Fatal("expected appended message in local fold")
	}
}

func TestViewRefreshPicksUpOtherWriters(t *testing.T) {
	log := newMemLog()
	ctx := context.Background()

	writer := NewView(log, "sess-1")
	reader := NewView(log, "sess-1")

	msg := testMessage("msg-1", types.MessageStreaming)
	if err := writer.Append(ctx, NewMessageInsert(msg)); err != nil {
		t.Fatal(err)
	}

	if _, ok := reader.Collections().Message("msg-1"); ok {
		t.Fatal("reader should not see the message before refresh")
	}
	if err := reader.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := reader.Collections().Message("msg-1"); !ok {
		t.Fatal("reader should see the message after refresh")
	}
}

func TestViewRefreshIsIncremental(t *testing.T) {
	log := newMemLog()
	ctx := context.Background()
	view := NewView(log, "sess-1")

	msg := testMessage("msg-1", types.MessageStreaming)
	if err := view.Append(ctx, NewMessageInsert(msg)); err != nil {
		t.Fatal(err)
	}
	if err := view.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	// Refresh after our own contiguous write must not re-apply it.
	if len(view.Collections().Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(view.Collections().Messages))
	}
}

func TestViewRecoversFromLostUpdate(t *testing.T) {
	log := newMemLog()
	ctx := context.Background()

	a := NewView(log, "sess-1")
	b := NewView(log, "sess-1")

	msg := testMessage("msg-1", types.MessageStreaming)
	if err := a.Append(ctx, NewMessageInsert(msg)); err != nil {
		t.Fatal(err)
	}
	if err := b.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	// a completes the message.
	done := *msg
	done.Status = types.MessageComplete
	if err := a.Append(ctx, NewMessageUpdate(&done, msg)); err != nil {
		t.Fatal(err)
	}

	// b, unaware, tries the same transition to a different value. The write
	// is durable but loses the compare-and-swap on replay: Append reports
	// the loss and b's view converges on the log's order, where a's update
	// wins.
	lost := *msg
	lost.Status = types.MessageError
	err := b.Append(ctx, NewMessageUpdate(&lost, msg))
	if err == nil {
		t.Fatal("expected an error for the losing update")
	}
	if !errors.Is(err, ErrStaleUpdate) {
		t.Fatalf("expected ErrStaleUpdate, got %v", err)
	}

	got, ok := b.Collections().Message("msg-1")
	if !ok {
		t.Fatal("expected message in fold")
	}
	if got.Status != types.MessageComplete {
		t.Errorf("expected first writer to win after replay, got %s", got.Status)
	}
}

func TestViewAppendReportsContiguousLostUpdate(t *testing.T) {
	log := newMemLog()
	ctx := context.Background()

	a := NewView(log, "sess-1")
	b := NewView(log, "sess-1")

	msg := testMessage("msg-1", types.MessageStreaming)
	if err := a.Append(ctx, NewMessageInsert(msg)); err != nil {
		t.Fatal(err)
	}
	if err := b.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	done := *msg
	done.Status = types.MessageComplete
	if err := a.Append(ctx, NewMessageUpdate(&done, msg)); err != nil {
		t.Fatal(err)
	}
	// b sees a's update, then tries an update against the state it held
	// before the refresh. The event lands contiguously for b, but the swap
	// must still be rejected.
	if err := b.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	lost := *msg
	lost.Status = types.MessageError
	err := b.Append(ctx, NewMessageUpdate(&lost, msg))
	if !errors.Is(err, ErrStaleUpdate) {
		t.Fatalf("expected ErrStaleUpdate, got %v", err)
	}

	got, ok := b.Collections().Message("msg-1")
	if !ok {
		t.Fatal("expected message in fold")
	}
	if got.Status != types.MessageComplete {
		t.Errorf("expected the earlier update to stand, got %s", got.Status)
	}
}
