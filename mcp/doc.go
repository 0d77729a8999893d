// Package mcp implements the protocol and session core of the opsmcp
// server: JSON-RPC 2.0 envelopes over a Server-Sent Events push channel
// paired with a decoupled POST ingress, registries for tools, prompts and
// resources, and a per-session approval state machine that gates
// side-effecting tools behind remembered grants, an asynchronous
// confirmation round-trip, or a permissive "trust" mode.
//
// Example:
//
//	package main
//
//	import (
//		"context"
//		"encoding/json"
//
//		"github.com/agentworks/opsmcp/mcp"
//		"github.com/agentworks/opsmcp/observability"
//	)
//
//	func main() {
//		logger := observability.NewDefaultLogger()
//
//		echoTool := mcp.Tool{
//			Name:        "echo",
//			Description: "Echo the supplied text back to the caller.",
//			Category:    mcp.CategoryReadOnly,
//			InputSchema: json.RawMessage(`{
//				"type": "object",
//				"properties": {"text": {"type": "string"}},
//				"required": ["text"]
//			}`),
//			Handler: func(ctx context.Context, args json.RawMessage) (mcp.ToolResult, error) {
//				var input struct {
//					Text string `json:"text"`
//				}
//				if err := json.Unmarshal(args, &input); err != nil {
//					return nil, err
//				}
//				return mcp.TextResult(input.Text), nil
//			},
//		}
//
//		tools, _ := mcp.NewToolManager([]mcp.Tool{echoTool}, logger)
//		base, _ := mcp.NewBaseServer(
//			mcp.UseLogger(logger),
//			mcp.UseTools(tools),
//		)
//		server := mcp.NewSSEServer(base, mcp.WithAddress(":8080"))
//		_ = server.Run(context.Background())
//	}
package mcp
