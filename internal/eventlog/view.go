// internal/eventlog/view.go
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/cadpilot/internal/types"
)

// View is a cached fold of one session stream, refreshed incrementally from
// the last seen sequence number. Multiple writers append to the same stream,
// so callers refresh before reading current state.
type View struct {
	log    Log
	stream types.SessionID
	last   int64
	cols   *Collections
}

// NewView creates an empty view over the given stream. Call Refresh before
// reading collections.
func NewView(log Log, stream types.SessionID) *View {
	return &View{
		log:    log,
		stream: stream,
		cols:   NewCollections(),
	}
}

// Stream returns the session stream this view folds.
func (v *View) Stream() types.SessionID {
	return v.stream
}

// Refresh reads events appended since the last refresh and folds them in.
// Stale or duplicate events are skipped: the log's order is authoritative
// and a replayer cannot reject what has already been written.
func (v *View) Refresh(ctx context.Context) error {
	events, err := v.log.Read(ctx, v.stream, v.last)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := v.cols.Apply(ev); err != nil {
			if errors.Is(err, ErrStaleUpdate) || errors.Is(err, ErrDuplicateInsert) {
				slog.Warn("skipping conflicting event on replay",
					"stream", string(v.stream), "seq", ev.Seq, "kind", string(ev.Kind), "error", err)
				continue
			}
			return err
		}
	}
	if n := len(events); n > 0 {
		v.last = events[n-1].Seq
	}
	return nil
}

// Append writes an event to the stream and folds it into the local cache so
// the writer observes its own write without a round trip. The write is always
// durable; if it is a conditional update that lost to a concurrent writer,
// the returned error wraps ErrStaleUpdate and the fold holds the winner's
// value, exactly as every replayer will see it.
func (v *View) Append(ctx context.Context, ev *Event) error {
	if err := v.log.Append(ctx, v.stream, ev); err != nil {
		return err
	}
	if ev.Seq == v.last+1 {
		v.last = ev.Seq
		return v.applyOwn(ev)
	}
	// Other writers interleaved ahead of us. Fold the gap in log order; our
	// own event is in there, and applying it against the interleaved state
	// decides whether our write took effect.
	events, err := v.log.Read(ctx, v.stream, v.last)
	if err != nil {
		return err
	}
	var ownErr error
	for _, e := range events {
		if aerr := v.cols.Apply(e); aerr != nil {
			if !errors.Is(aerr, ErrStaleUpdate) && !errors.Is(aerr, ErrDuplicateInsert) {
				return aerr
			}
			if e.Seq == ev.Seq {
				ownErr = fmt.Errorf("write superseded by a concurrent update: %w", aerr)
				continue
			}
			slog.Warn("skipping conflicting event on replay",
				"stream", string(v.stream), "seq", e.Seq, "kind", string(e.Kind), "error", aerr)
		}
	}
	if n := len(events); n > 0 {
		v.last = events[n-1].Seq
	}
	return ownErr
}

func (v *View) applyOwn(ev *Event) error {
	if err := v.cols.Apply(ev); err != nil {
		if errors.Is(err, ErrStaleUpdate) || errors.Is(err, ErrDuplicateInsert) {
			return fmt.Errorf("write superseded by a concurrent update: %w", err)
		}
		return err
	}
	return nil
}

// Collections returns the current fold. The returned value is shared with
// the view; callers must not mutate it.
func (v *View) Collections() *Collections {
	return v.cols
}
