package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/agentworks/opsmcp/observability"
)

const (
	defaultServerName = "opsmcp-server"
	serverVersion     = "0.1.0"
)

// ServerConfig holds all configuration for BaseServer.
type ServerConfig struct {
	logger          observability.Logger
	protocolVersion string
	serverName      string
	serverVersion   string
	minLogLevel     LogLevel
	capabilities    map[string]interface{}
	toolManager     *ToolManager
	promptManager   *PromptManager
	resourceManager *ResourceManager
	approvalManager *ApprovalManager
	sessionStore    *SessionStore
}

// ServerConfigOption is a function that modifies ServerConfig.
type ServerConfigOption func(*ServerConfig)

// UseLogger sets a custom logger.
func UseLogger(logger observability.Logger) ServerConfigOption {
	return func(c *ServerConfig) { c.logger = logger }
}

// UseServerInfo sets server name and version.
func UseServerInfo(name, version string) ServerConfigOption {
	return func(c *ServerConfig) {
		c.serverName = name
		c.serverVersion = version
	}
}

// UseLogLevel sets the minimum level for notifications/message pushes.
func UseLogLevel(level LogLevel) ServerConfigOption {
	return func(c *ServerConfig) { c.minLogLevel = level }
}

// UseTools sets the tool registry.
func UseTools(toolManager *ToolManager) ServerConfigOption {
	return func(c *ServerConfig) { c.toolManager = toolManager }
}

// UsePrompts sets the prompt registry.
func UsePrompts(promptManager *PromptManager) ServerConfigOption {
	return func(c *ServerConfig) { c.promptManager = promptManager }
}

// UseResources sets the resource registry.
func UseResources(resourceManager *ResourceManager) ServerConfigOption {
	return func(c *ServerConfig) { c.resourceManager = resourceManager }
}

// UseApprovals sets the approval manager.
func UseApprovals(approvalManager *ApprovalManager) ServerConfigOption {
	return func(c *ServerConfig) { c.approvalManager = approvalManager }
}

// UseSessionStore sets the session store.
func UseSessionStore(store *SessionStore) ServerConfigOption {
	return func(c *ServerConfig) { c.sessionStore = store }
}

// BaseServer is the transport-independent dispatcher. All server state is
// injected at construction; several independent instances can coexist.
type BaseServer struct {
	protocolVersion string
	serverInfo      ServerInfo
	capabilities    map[string]interface{}
	minLogLevel     LogLevel
	logger          observability.Logger

	toolManager     *ToolManager
	promptManager   *PromptManager
	resourceManager *ResourceManager
	approvalManager *ApprovalManager
	sessionStore    *SessionStore

	// Transport-provided push hook for server-initiated notifications. An
	// empty session id means broadcast.
	sendNoti func(sessionID string, method string, params interface{})
}

// NewBaseServer creates a BaseServer with the given options.
func NewBaseServer(opts ...ServerConfigOption) (*BaseServer, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	s := &BaseServer{
		protocolVersion: cfg.protocolVersion,
		serverInfo:      ServerInfo{Name: cfg.serverName, Version: cfg.serverVersion},
		capabilities:    cfg.capabilities,
		minLogLevel:     cfg.minLogLevel,
		logger:          cfg.logger,
		toolManager:     cfg.toolManager,
		promptManager:   cfg.promptManager,
		resourceManager: cfg.resourceManager,
		approvalManager: cfg.approvalManager,
		sessionStore:    cfg.sessionStore,
		sendNoti:        func(sessionID string, method string, params interface{}) {},
	}
	return s, nil
}

func defaultConfig() *ServerConfig {
	logger := observability.NewDefaultLogger()
	tm, _ := NewToolManager(nil, logger)
	pm, _ := NewPromptManager(nil, logger)
	rm, _ := NewResourceManager(nil, nil, logger)

	return &ServerConfig{
		logger:          logger,
		protocolVersion: ProtocolVersion,
		serverName:      defaultServerName,
		serverVersion:   serverVersion,
		minLogLevel:     LogLevelInfo,
		capabilities: map[string]interface{}{
			"resources": map[string]interface{}{"listChanged": true},
			"tools":     map[string]interface{}{"listChanged": true},
			"prompts":   map[string]interface{}{"listChanged": true},
			"logging":   map[string]interface{}{},
		},
		toolManager:     tm,
		promptManager:   pm,
		resourceManager: rm,
		approvalManager: NewApprovalManager(logger),
		sessionStore:    NewSessionStore(DefaultSessionMaxAge, logger),
	}
}

// Sessions exposes the session store for transports and sweepers.
func (s *BaseServer) Sessions() *SessionStore {
	return s.sessionStore
}

// LogMessage pushes a log notification to clients at or above the minimum
// level.
func (s *BaseServer) LogMessage(level LogLevel, loggerName string, data interface{}) {
	if logLevelSeverity[level] > logLevelSeverity[s.minLogLevel] {
		return
	}
	s.sendNoti("", "notifications/message", LogMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	})
}

// Handle dispatches one envelope for a session and returns the response
// envelope, or nil when the message is a notification. A panic anywhere in
// a handler is contained here and surfaces as an internal error without a
// stack trace on the wire.
func (s *BaseServer) Handle(ctx context.Context, sessionID string, msg *Message) (resp *Message) {
	sess := s.sessionStore.Get(sessionID)

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(map[string]interface{}{
				"method": msg.Method,
				"stack":  string(debug.Stack()),
			}).Error(fmt.Sprintf("Handler panicked: %v", r))
			if msg.IsRequest() {
				resp = errorResponse(msg.ID, ErrorCodeInternal, "Internal error", fmt.Sprintf("%v", r))
			} else {
				resp = nil
			}
		}
	}()

	if msg.IsNotification() {
		s.handleNotification(sessionID, msg)
		return nil
	}

	if msg.Method == "" {
		return errorResponse(msg.ID, ErrorCodeInvalidRequest, "Invalid Request", nil)
	}

	// The trigger phrase may arrive in any request's textual parameters.
	s.approvalManager.DetectTrigger(sess, msg.Params)

	s.logger.WithFields(map[string]interface{}{
		"sessionID": sessionID,
		"method":    msg.Method,
	}).Debug("Handling request")

	switch msg.Method {
	case "initialize":
		return s.handleInitialize(msg)
	case "ping":
		return newResponse(msg.ID, map[string]interface{}{})
	case "tools/list":
		return s.handleToolsList(msg)
	case "tools/call":
		return s.handleToolsCall(ctx, sess, msg)
	case "prompts/list":
		return s.handlePromptsList(msg)
	case "prompts/get":
		return s.handlePromptGet(msg)
	case "resources/list":
		return s.handleResourcesList(msg)
	case "resources/read":
		return s.handleResourcesRead(ctx, msg)
	case "logging/setLevel":
		return s.handleLoggingSetLevel(msg)
	default:
		return errorResponse(msg.ID, ErrorCodeMethodNotFound, "Method not found", nil)
	}
}

func (s *BaseServer) handleInitialize(msg *Message) *Message {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid params", nil)
	}

	if params.ProtocolVersion != "" && !strings.HasPrefix(params.ProtocolVersion, "2024-11") {
		return errorResponse(msg.ID, ErrorCodeInvalidParams, "Unsupported protocol version",
			map[string][]string{"supported": {ProtocolVersion}})
	}

	return newResponse(msg.ID, InitializeResult{
		ProtocolVersion: s.protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.serverInfo,
	})
}

func (s *BaseServer) handleToolsList(msg *Message) *Message {
	var params ListParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid params", nil)
		}
	}
	return newResponse(msg.ID, s.toolManager.ListTools(params.Cursor, 0))
}

// handleToolsCall interposes the approval gate before the registry. Denied
// or timed-out approvals and handler failures are successful envelopes with
// error-flagged content: the request itself was well-formed and routable.
func (s *BaseServer) handleToolsCall(ctx context.Context, sess *Session, msg *Message) *Message {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid params", nil)
	}

	tool, exists := s.toolManager.GetTool(params.Name)
	if !exists {
		return errorResponse(msg.ID, ErrorCodeMethodNotFound, "Method not found",
			map[string]string{"tool": params.Name})
	}

	approved, req := s.approvalManager.Decide(ctx, sess, tool, params.Arguments)
	if !approved {
		description := fmt.Sprintf("Execute %s", tool.Name)
		if req != nil {
			description = req.Description
		}
		return newResponse(msg.ID, CallToolResult{
			IsError: true,
			Content: []ToolContent{{
				Type: "text",
				Text: fmt.Sprintf("This action was not approved: %s", description),
			}},
		})
	}

	result, err := s.toolManager.CallTool(ctx, params)
	if err != nil {
		// Only registry-level faults reach here; execution failures are
		// already folded into the IsError result.
		return errorResponse(msg.ID, ErrorCodeInternal, "Internal error", err.Error())
	}
	return newResponse(msg.ID, result)
}

func (s *BaseServer) handlePromptsList(msg *Message) *Message {
	var params ListParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid params", nil)
		}
	}
	return newResponse(msg.ID, s.promptManager.ListPrompts(params.Cursor, 0))
}

func (s *BaseServer) handlePromptGet(msg *Message) *Message {
	var params GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid params", nil)
	}

	result, exists := s.promptManager.GetPrompt(params)
	if !exists {
		return errorResponse(msg.ID, ErrorCodeMethodNotFound, "Method not found",
			map[string]string{"prompt": params.Name})
	}
	return newResponse(msg.ID, result)
}

func (s *BaseServer) handleResourcesList(msg *Message) *Message {
	var params ListParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid params", nil)
		}
	}
	return newResponse(msg.ID, s.resourceManager.ListResources(params.Cursor, 0))
}

func (s *BaseServer) handleResourcesRead(ctx context.Context, msg *Message) *Message {
	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid params", nil)
	}

	if _, exists := s.resourceManager.GetResource(params.URI); !exists {
		return errorResponse(msg.ID, ErrorCodeMethodNotFound, "Method not found",
			map[string]string{"uri": params.URI})
	}

	result, err := s.resourceManager.ReadResource(ctx, params)
	if err != nil {
		return errorResponse(msg.ID, ErrorCodeInternal, "Failed to read resource",
			map[string]string{"uri": params.URI})
	}
	return newResponse(msg.ID, result)
}

func (s *BaseServer) handleLoggingSetLevel(msg *Message) *Message {
	var params SetLogLevelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid params", nil)
	}
	if _, ok := logLevelSeverity[params.Level]; !ok {
		return errorResponse(msg.ID, ErrorCodeInvalidParams, "Invalid log level", nil)
	}
	s.minLogLevel = params.Level
	return newResponse(msg.ID, struct{}{})
}

func (s *BaseServer) handleNotification(sessionID string, msg *Message) {
	switch msg.Method {
	case "initialized", "notifications/initialized":
		s.logger.WithFields(map[string]interface{}{
			"sessionID": sessionID,
		}).Debug("Client initialized")
	case "notifications/cancelled":
		var cancelParams struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason"`
		}
		if err := json.Unmarshal(msg.Params, &cancelParams); err == nil {
			// In-flight invocations are not forcibly aborted; closing the
			// channel is the only cancellation primitive. Log and move on.
			s.logger.WithFields(map[string]interface{}{
				"sessionID": sessionID,
				"requestID": string(cancelParams.RequestID),
				"reason":    cancelParams.Reason,
			}).Debug("Cancellation requested")
		}
	default:
		s.logger.WithFields(map[string]interface{}{
			"sessionID": sessionID,
			"method":    msg.Method,
		}).Debug("Unhandled notification")
	}
}

// classifyToolName is a helper classifier for the common operational verbs.
// It is advisory only; registrations may set the category explicitly.
func classifyToolName(name string) ToolCategory {
	readPrefixes := []string{"get_", "list_", "read_", "show_", "search_", "describe_", "status_"}
	writePrefixes := []string{"create_", "delete_", "update_", "write_", "set_", "run_", "execute_", "send_", "remove_", "deploy_"}
	lower := strings.ToLower(name)
	for _, p := range readPrefixes {
		if strings.HasPrefix(lower, p) {
			return CategoryReadOnly
		}
	}
	for _, p := range writePrefixes {
		if strings.HasPrefix(lower, p) {
			return CategoryWrite
		}
	}
	return CategoryUnclassified
}

// ClassifyTool fills in a tool's category from its name when unclassified.
func ClassifyTool(tool Tool) Tool {
	if tool.Category == CategoryUnclassified {
		tool.Category = classifyToolName(tool.Name)
	}
	return tool
}

// sweepInterval derives a sensible sweep cadence from the session max age.
func sweepInterval(maxAge time.Duration) time.Duration {
	interval := maxAge / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}
