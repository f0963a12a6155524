package provider

import "context"

// Message roles used in scoring conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents one turn in a conversation with the model.
type Message struct {
	Role       string
	Content    string
	ToolCallID string     // set on RoleTool messages, keyed to the originating call
	ToolCalls  []ToolCall // set on assistant messages that requested tools
}

// ToolCall is a model request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes a tool the model is allowed to call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// Completion is a single model response: free text, tool requests, or both.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is the prompt-in/JSON-out contract with the inference service.
// Content is expected-but-not-guaranteed JSON; callers must parse defensively.
type Provider interface {
	Complete(ctx context.Context, messages []Message, tools []ToolSpec) (Completion, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
