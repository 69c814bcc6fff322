// internal/state/log.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/cadpilot/internal/eventlog"
	"github.com/user/cadpilot/internal/types"
)

// LogStore is a JSONL-backed append-only event log. Each session stream is
// stored in streams/<sessionID>/events.jsonl. It is the local-disk log
// transport used by the serve daemon and by tests; the HTTP transport in
// eventlog/httplog speaks to a remote log service instead.
type LogStore struct {
	root    string
	mu      sync.Mutex
	streams map[types.SessionID]*streamState
}

// streamState serializes writers to one stream and remembers the last
// sequence number, so appends don't re-count the file every time.
type streamState struct {
	mu      sync.Mutex
	lastSeq int64
	counted bool
}

// NewLogStore creates a file-backed LogStore rooted at the given directory.
func NewLogStore(root string) *LogStore {
	return &LogStore{
		root:    root,
		streams: make(map[types.SessionID]*streamState),
	}
}

// stream returns the per-stream state, creating it if it doesn't exist.
func (l *LogStore) stream(stream types.SessionID) *streamState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.streams[stream]; ok {
		return st
	}
	st := &streamState{}
	l.streams[stream] = st
	return st
}

func (l *LogStore) eventsPath(stream types.SessionID) string {
	return filepath.Join(l.root, "streams", string(stream), "events.jsonl")
}

// count reads the event file and counts lines. Caller must hold the stream lock.
func (l *LogStore) count(stream types.SessionID) (int64, error) {
	f, err := os.Open(l.eventsPath(stream))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// Create ensures the stream's directory exists. Idempotent.
func (l *LogStore) Create(_ context.Context, stream types.SessionID) error {
	st := l.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	dir := filepath.Dir(l.eventsPath(stream))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stream dir: %w", err)
	}
	return nil
}

// Append adds an event to the stream with an auto-incremented sequence number.
// The file is counted once per stream to seed the sequence; after that the
// cached value advances with each durable write.
func (l *LogStore) Append(_ context.Context, stream types.SessionID, event *eventlog.Event) error {
	st := l.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	dir := filepath.Dir(l.eventsPath(stream))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stream dir: %w", err)
	}

	if !st.counted {
		existing, err := l.count(stream)
		if err != nil {
			return err
		}
		st.lastSeq = existing
		st.counted = true
	}
	seq := st.lastSeq + 1
	event.Seq = seq

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(l.eventsPath(stream), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	st.lastSeq = seq

	return nil
}

// Read returns all events with sequence numbers greater than from, in order.
func (l *LogStore) Read(_ context.Context, stream types.SessionID, from int64) ([]*eventlog.Event, error) {
	st := l.stream(stream)
	st.mu.Lock()
	defer st.mu.Unlock()

	f, err := os.Open(l.eventsPath(stream))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*eventlog.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event eventlog.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if event.Seq <= from {
			continue
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	return events, nil
}
