package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/agentworks/opsmcp/observability"
)

// ToolManager holds the tool registry. Registration happens at startup;
// afterwards the registry is read-only and safe to share across sessions.
type ToolManager struct {
	tools  map[string]Tool
	logger observability.Logger
}

// NewToolManager creates a ToolManager and registers the given tools.
func NewToolManager(tools []Tool, logger observability.Logger) (*ToolManager, error) {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	tm := &ToolManager{
		tools:  make(map[string]Tool),
		logger: logger,
	}
	for _, tool := range tools {
		if err := tm.RegisterTool(tool); err != nil {
			return nil, err
		}
	}
	return tm, nil
}

// RegisterTool adds a tool to the registry. A duplicate name overwrites the
// previous registration (last write wins) with a warning.
func (tm *ToolManager) RegisterTool(tool Tool) error {
	if err := validateTool(tool); err != nil {
		return err
	}
	if _, exists := tm.tools[tool.Name]; exists {
		tm.logger.WithFields(map[string]interface{}{
			"tool": tool.Name,
		}).Warn("Duplicate tool registration, overwriting previous definition")
	}
	tm.tools[tool.Name] = tool
	return nil
}

func validateTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if tool.InputSchema != nil {
		loader := gojsonschema.NewStringLoader(string(tool.InputSchema))
		if _, err := gojsonschema.NewSchema(loader); err != nil {
			return fmt.Errorf("invalid input schema for tool %q: %v", tool.Name, err)
		}
	}
	return nil
}

// ListTools returns a snapshot of the registered tools, sorted by name,
// with optional cursor pagination.
func (tm *ToolManager) ListTools(cursor string, limit int) ListToolsResult {
	if limit <= 0 {
		limit = 50
	}

	names := make([]string, 0, len(tm.tools))
	for name := range tm.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	startIdx := 0
	if cursor != "" {
		for i, name := range names {
			if name == cursor {
				startIdx = i + 1
				break
			}
		}
	}

	endIdx := startIdx + limit
	if endIdx > len(names) {
		endIdx = len(names)
	}

	pageTools := make([]Tool, 0, endIdx-startIdx)
	for i := startIdx; i < endIdx; i++ {
		pageTools = append(pageTools, tm.tools[names[i]])
	}

	var nextCursor string
	if endIdx < len(names) {
		nextCursor = names[endIdx-1]
	}

	return ListToolsResult{Tools: pageTools, NextCursor: nextCursor}
}

// GetTool retrieves a tool by name. The second return value reports a miss;
// callers translate a miss into a method-not-found protocol error.
func (tm *ToolManager) GetTool(name string) (Tool, bool) {
	tool, exists := tm.tools[name]
	return tool, exists
}

// CallTool validates the arguments against the tool's input schema and runs
// the handler. Schema violations and handler errors come back as in-band
// IsError results, not Go errors: the operation ran and failed, which is a
// normal outcome at the protocol layer.
func (tm *ToolManager) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	tool, exists := tm.tools[params.Name]
	if !exists {
		return CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}

	if tool.InputSchema != nil && len(params.Arguments) > 0 {
		schemaLoader := gojsonschema.NewStringLoader(string(tool.InputSchema))
		documentLoader := gojsonschema.NewStringLoader(string(params.Arguments))

		result, err := gojsonschema.Validate(schemaLoader, documentLoader)
		if err != nil {
			return CallToolResult{}, fmt.Errorf("validation error: %v", err)
		}
		if !result.Valid() {
			var errMsgs []string
			for _, desc := range result.Errors() {
				errMsgs = append(errMsgs, desc.String())
			}
			return CallToolResult{
				IsError: true,
				Content: []ToolContent{{
					Type: "text",
					Text: fmt.Sprintf("Schema validation failed: %s", strings.Join(errMsgs, "; ")),
				}},
			}, nil
		}
	}

	result, err := tm.invoke(ctx, tool, params.Arguments)
	if err != nil {
		return CallToolResult{
			IsError: true,
			Content: []ToolContent{{Type: "text", Text: err.Error()}},
		}, nil
	}

	return CallToolResult{Content: normalizeResult(result)}, nil
}

// invoke runs the handler with panic containment so one misbehaving tool
// cannot take down the dispatch path.
func (tm *ToolManager) invoke(ctx context.Context, tool Tool, args json.RawMessage) (result ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			tm.logger.WithFields(map[string]interface{}{
				"tool": tool.Name,
			}).Error(fmt.Sprintf("Tool handler panicked: %v", r))
			result = nil
			err = fmt.Errorf("tool %s failed: %v", tool.Name, r)
		}
	}()
	return tool.Handler(ctx, args)
}
