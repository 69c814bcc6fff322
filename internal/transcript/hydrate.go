// Package transcript folds replayed message and chunk collections into an
// ordered conversation and the message list sent to the model. Both
// functions are pure and deterministic: the log may be re-read from scratch
// at any time and must hydrate to the same result.
package transcript

import (
	"sort"
	"strings"

	"github.com/user/cadpilot/internal/types"
	"github.com/user/cadpilot/pkg/llm"
)

// Hydrate builds the conversation transcript from replayed collections.
// Chunks are grouped per message and sorted by seq (they may replay out of
// order); messages are sorted by creation time with ties keeping their
// original relative order; error-role messages are dropped from the
// transcript entirely.
func Hydrate(messages []*types.Message, chunks []*types.Chunk) []*types.Message {
	byMessage := make(map[types.MessageID][]*types.Chunk)
	for _, ch := range chunks {
		byMessage[ch.MessageID] = append(byMessage[ch.MessageID], ch)
	}

	out := make([]*types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == types.RoleError {
			continue
		}
		copied := *m
		if group, ok := byMessage[m.ID]; ok && copied.Content == "" {
			copied.Content = assemble(group)
		}
		out = append(out, &copied)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// assemble concatenates a single message's chunks in seq order.
func assemble(group []*types.Chunk) string {
	sorted := make([]*types.Chunk, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Seq < sorted[j].Seq
	})

	var b strings.Builder
	for _, ch := range sorted {
		b.WriteString(ch.Delta)
	}
	return b.String()
}

// ToModelMessages derives the minimal message list fed to the model: user
// messages and assistant messages with non-empty content. Tool calls and
// results are not replayed across turns; the provider handles tool
// round-trips within a single turn itself.
func ToModelMessages(transcript []*types.Message) []llm.Message {
	out := make([]llm.Message, 0, len(transcript))
	for _, m := range transcript {
		switch m.Role {
		case types.RoleUser:
			out = append(out, llm.Message{Role: "user", Content: m.Content})
		case types.RoleAssistant:
			if m.Content == "" {
				continue
			}
			out = append(out, llm.Message{Role: "assistant", Content: m.Content})
		}
	}
	return out
}
