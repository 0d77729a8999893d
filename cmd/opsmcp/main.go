package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentworks/opsmcp/mcp"
	"github.com/agentworks/opsmcp/observability"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "opsmcp: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logrusLogger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrusLogger.SetLevel(level)
	}
	logger := observability.NewLogrusLogger(logrusLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var approvalOpts []mcp.ApprovalOption
	approvalOpts = append(approvalOpts,
		mcp.WithApprovalTimeout(cfg.ApprovalTimeout.Duration),
		mcp.WithTriggerPhrase(cfg.TriggerPhrase),
	)

	if cfg.AuditDBPath != "" {
		db, err := sql.Open("sqlite3", cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		defer db.Close()

		audit, err := mcp.NewSQLiteAuditStore(db, logger)
		if err != nil {
			return err
		}
		approvalOpts = append(approvalOpts, mcp.WithAuditStore(audit))
	}

	approvals := mcp.NewApprovalManager(logger, approvalOpts...)
	sessions := mcp.NewSessionStore(cfg.SessionMaxAge.Duration, logger)

	tools, err := mcp.NewToolManager(builtinTools(), logger)
	if err != nil {
		return err
	}
	prompts, err := mcp.NewPromptManager(nil, logger)
	if err != nil {
		return err
	}
	resources, err := mcp.NewResourceManager(nil, nil, logger)
	if err != nil {
		return err
	}

	base, err := mcp.NewBaseServer(
		mcp.UseLogger(logger),
		mcp.UseServerInfo(cfg.ServerName, "0.1.0"),
		mcp.UseTools(tools),
		mcp.UsePrompts(prompts),
		mcp.UseResources(resources),
		mcp.UseApprovals(approvals),
		mcp.UseSessionStore(sessions),
	)
	if err != nil {
		return err
	}

	var validator mcp.TokenValidator
	if secret := cfg.jwtSecret(); secret != nil {
		validator = mcp.NewJWTValidator(secret)
	}
	gate := mcp.NewAuthGate(cfg.APIKeys, validator, logger)

	server := mcp.NewSSEServer(base,
		mcp.WithAddress(cfg.Listen),
		mcp.WithAuthGate(gate),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		sessions.RunSweeper(ctx, 0)
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// builtinTools are the server's own diagnostic capabilities. Operational
// capability packs register their tools on top of these at startup.
func builtinTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "echo",
			Description: "Echo the supplied text back to the caller.",
			Category:    mcp.CategoryReadOnly,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"text": {"type": "string", "description": "Text to echo back"}
				},
				"required": ["text"]
			}`),
			Handler: func(ctx context.Context, args json.RawMessage) (mcp.ToolResult, error) {
				var input struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(args, &input); err != nil {
					return nil, err
				}
				return mcp.TextResult(input.Text), nil
			},
		},
		{
			Name:        "get_server_time",
			Description: "Return the server's current time in RFC 3339 format.",
			Category:    mcp.CategoryReadOnly,
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler: func(ctx context.Context, args json.RawMessage) (mcp.ToolResult, error) {
				return mcp.TextResult(time.Now().Format(time.RFC3339)), nil
			},
		},
	}
}
