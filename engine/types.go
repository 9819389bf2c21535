// Package engine drives a bounded conversation with a reasoning service,
// dispatching requested tool calls through a registry until the service
// produces a tool-free answer or the step budget runs out.
package engine

import "encoding/json"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation turn. Assistant turns may carry tool calls;
// tool turns carry the result for exactly one call.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolCall is one tool invocation requested by the reasoning service.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one tool call. Failures never raise past the
// engine boundary; they travel back into the conversation flagged as errors.
type ToolResult struct {
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	IsError      bool   `json:"is_error"`
}

// StopReason records why a step ended.
type StopReason string

const (
	StopToolUse     StopReason = "tool_use"
	StopFinalAnswer StopReason = "final_answer"
	StopBudget      StopReason = "budget_exhausted"
)

// StepRecord is a diagnostic trace of one step. The engine keeps records on
// the Result; nothing is persisted.
type StepRecord struct {
	Index      int          `json:"index"`
	StopReason StopReason   `json:"stop_reason"`
	Calls      []ToolCall   `json:"calls,omitempty"`
	Results    []ToolResult `json:"results,omitempty"`
}

// Result is a finished run. Steps counts reasoning round-trips; a run whose
// last record carries StopBudget ended exhausted, with Content holding the
// best text available from the final reasoning response (possibly empty).
type Result struct {
	Content string       `json:"content"`
	Steps   int          `json:"steps"`
	Records []StepRecord `json:"records,omitempty"`
}

// Exhausted reports whether the run ended by hitting the step budget rather
// than by a tool-free answer.
func (r Result) Exhausted() bool {
	if len(r.Records) == 0 {
		return false
	}
	return r.Records[len(r.Records)-1].StopReason == StopBudget
}
