package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes used on the wire. No other codes are emitted.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternal       = -32603
)

// ProtocolVersion is the protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// ToolCategory classifies a tool for the approval gate. Unclassified tools
// are treated as side-effecting (fail closed).
type ToolCategory int

const (
	CategoryUnclassified ToolCategory = iota
	CategoryReadOnly
	CategoryWrite
)

func (c ToolCategory) String() string {
	switch c {
	case CategoryReadOnly:
		return "read-only"
	case CategoryWrite:
		return "write"
	default:
		return "unclassified"
	}
}

// ToolResult is the value a tool handler produces. Handlers return one of
// TextResult, StructuredResult or RawResult; normalizeResult folds all three
// into the wire content-list shape.
type ToolResult interface {
	isToolResult()
}

// TextResult is a plain string result, rendered as a single text block.
type TextResult string

// StructuredResult already carries a content list and passes through as-is.
type StructuredResult struct {
	Content []ToolContent
}

// RawResult holds any other value; it is stringified into one text block.
type RawResult struct {
	Value interface{}
}

func (TextResult) isToolResult()       {}
func (StructuredResult) isToolResult() {}
func (RawResult) isToolResult()        {}

// normalizeResult converts any ToolResult into the uniform content list.
func normalizeResult(r ToolResult) []ToolContent {
	switch v := r.(type) {
	case TextResult:
		return []ToolContent{{Type: "text", Text: string(v)}}
	case StructuredResult:
		return v.Content
	case RawResult:
		if b, err := json.Marshal(v.Value); err == nil {
			return []ToolContent{{Type: "text", Text: string(b)}}
		}
		return []ToolContent{{Type: "text", Text: fmt.Sprintf("%v", v.Value)}}
	case nil:
		return []ToolContent{}
	default:
		return []ToolContent{{Type: "text", Text: fmt.Sprintf("%v", r)}}
	}
}

// ToolHandler executes a tool invocation with the raw JSON arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (ToolResult, error)

// Tool is an invocable capability. Tools are registered once at startup and
// immutable afterwards.
type Tool struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	InputSchema      json.RawMessage `json:"inputSchema,omitempty"`
	Category         ToolCategory    `json:"-"`
	RequiresApproval bool            `json:"-"`
	Handler          ToolHandler     `json:"-"`
}

// ToolContent is one block of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolParams are the parameters of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result of a tools/call request. IsError marks an
// in-band operation failure (handler error, schema violation, denied
// approval); it is not a protocol-level error.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError"`
}

// ListToolsResult is the result of a tools/list request.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// PromptArgument describes one substitutable argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a registered template. Content contains {name} substitution
// sites matched against the argument list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Content     string           `json:"-"`
}

// PromptContent is the content of one prompt message.
type PromptContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string        `json:"role"`
	Content PromptContent `json:"content"`
}

// GetPromptParams are the parameters of a prompts/get request.
type GetPromptParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// GetPromptResult is the rendered prompt returned by prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ListPromptsResult is the result of a prompts/list request.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Resource is a registered resource. Content is resolved through the
// resource manager's read hook, never stored on the descriptor.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is one content entry of a resources/read result.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceParams are the parameters of a resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the result of a resources/read request.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ListResourcesResult is the result of a resources/list request.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListParams carries the pagination cursor of */list requests.
type ListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// InitializeParams are the parameters of an initialize request.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
	Capabilities    map[string]interface{} `json:"capabilities"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of an initialize request.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      ServerInfo             `json:"serverInfo"`
}

// ServerInfo identifies this server to clients.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LogLevel is a syslog-style severity used by logging/setLevel.
type LogLevel string

// Log levels, most to least severe.
const (
	LogLevelEmergency LogLevel = "emergency"
	LogLevelAlert     LogLevel = "alert"
	LogLevelCritical  LogLevel = "critical"
	LogLevelError     LogLevel = "error"
	LogLevelWarning   LogLevel = "warning"
	LogLevelNotice    LogLevel = "notice"
	LogLevelInfo      LogLevel = "info"
	LogLevelDebug     LogLevel = "debug"
)

var logLevelSeverity = map[LogLevel]int{
	LogLevelEmergency: 0,
	LogLevelAlert:     1,
	LogLevelCritical:  2,
	LogLevelError:     3,
	LogLevelWarning:   4,
	LogLevelNotice:    5,
	LogLevelInfo:      6,
	LogLevelDebug:     7,
}

// SetLogLevelParams are the parameters of a logging/setLevel request.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// LogMessageParams are the parameters of a notifications/message push.
type LogMessageParams struct {
	Level  LogLevel    `json:"level"`
	Logger string      `json:"logger,omitempty"`
	Data   interface{} `json:"data"`
}
