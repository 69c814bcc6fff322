// internal/types/models.go
package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// Role classifies a Message within a conversation.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
	RoleError      Role = "error"
)

// MessageStatus is the lifecycle state of a Message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageRunning   MessageStatus = "running"
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageError     MessageStatus = "error"
)

// RunStatus is the lifecycle state of a Run. A Run is created running and
// transitions to complete or error exactly once; it is never re-opened.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

// Context identifies which surface of the application a session belongs to.
type Context string

const (
	ContextDashboard Context = "dashboard"
	ContextEditor    Context = "editor"
)

// Message is one conversational unit. Tool fields are populated only for
// tool_call and tool_result roles. Content is empty while an assistant
// message is still streaming; the full text lives in Chunks until the
// message completes.
type Message struct {
	ID               MessageID       `json:"id"`
	RunID            RunID           `json:"run_id"`
	Role             Role            `json:"role"`
	Status           MessageStatus   `json:"status"`
	Content          string          `json:"content,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	ToolArgs         json.RawMessage `json:"tool_args,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ToolResult       json.RawMessage `json:"tool_result,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	ParentMessageID  MessageID       `json:"parent_message_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Chunk is one increment of streamed assistant text. Chunks are immutable
// and append-only; concatenating a message's chunks ordered by Seq
// reconstructs its full content regardless of arrival order.
type Chunk struct {
	ID        string    `json:"id"`
	MessageID MessageID `json:"message_id"`
	Seq       int       `json:"seq"`
	Delta     string    `json:"delta"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkID derives the chunk identifier from its message and sequence number.
func ChunkID(messageID MessageID, seq int) string {
	return string(messageID) + ":" + strconv.Itoa(seq)
}

// Run is one user-turn execution. At most one Run per session may be in
// running status at a time.
type Run struct {
	ID                 RunID      `json:"id"`
	Status             RunStatus  `json:"status"`
	UserMessageID      MessageID  `json:"user_message_id"`
	AssistantMessageID MessageID  `json:"assistant_message_id"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	Error              string     `json:"error,omitempty"`
}

// SessionIndex is the relational bookkeeping record for a session. The
// conversation itself lives in the session's event stream; this record only
// carries metadata updated after a run completes.
type SessionIndex struct {
	SessionID    SessionID `json:"session_id"`
	Context      Context   `json:"context"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	LastRunID    RunID     `json:"last_run_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
