// Package llm is the model gateway: a uniform "send conversation, get
// completion" capability with a streaming variant and a retry wrapper.
package llm

import "context"

// 对话角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion 模型完整回复
type Completion struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
}

// Chunk is a partial piece of a streamed completion. The final chunk has
// Done set and carries the finish reason. Reset means the stream restarted
// and everything delivered so far must be discarded.
type Chunk struct {
	Content      string
	Done         bool
	FinishReason string
	Reset        bool
}

// Gateway sends a conversation to a model.
//
// Stream calls onChunk for every partial delta and once more with Done set,
// then returns the assembled completion.
type Gateway interface {
	Send(ctx context.Context, messages []Message) (Completion, error)
	Stream(ctx context.Context, messages []Message, onChunk func(Chunk)) (Completion, error)
}
