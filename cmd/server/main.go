package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"viewguard-mcp-server/internal/browser"
	"viewguard-mcp-server/internal/config"
	"viewguard-mcp-server/internal/mangle"
	mcpserver "viewguard-mcp-server/internal/mcp"
)

type cliOptions struct {
	configPath   string
	workspaceDir string
	noWorkspace  bool
	ssePort      int
	baseURL      string
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		root := "."
		if len(os.Args) > 2 {
			root = os.Args[2]
		}
		if err := config.InitWorkspace(root); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		fmt.Printf("initialized %s workspace in %s\n", config.WorkspaceDirName, root)
		return
	}

	var opts cliOptions
	flag.StringVar(&opts.configPath, "config", "", "Path to an explicit ViewGuard config file (overrides the workspace config)")
	flag.StringVar(&opts.workspaceDir, "workspace-dir", "", "Use this directory as workspace root instead of searching upwards")
	flag.BoolVar(&opts.noWorkspace, "no-workspace", false, "Ignore any .viewguard workspace")
	flag.IntVar(&opts.ssePort, "sse-port", 0, "Optional SSE port override (falls back to config)")
	flag.StringVar(&opts.baseURL, "base-url", "", "Entry page of the application under verification")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := loadConfig(opts)
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}

	// stderr interferes with the stdio MCP protocol
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace %s", wsDir)
	}

	server, sessionManager, err := buildServer(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if cfg.Browser.AutoStart {
		if err := sessionManager.Start(ctx); err != nil {
			log.Fatalf("failed to initialize Rod session manager: %v", err)
		}
	} else {
		log.Printf("browser auto-start disabled; use launch-browser to start Chrome later")
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting ViewGuard MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting ViewGuard MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}

// loadConfig merges defaults, workspace and explicit config, then applies flag overrides.
func loadConfig(opts cliOptions) (config.Config, string, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(opts.configPath, config.WorkspaceOptions{
		Disable:     opts.noWorkspace,
		ExplicitDir: opts.workspaceDir,
	})
	if err != nil {
		return cfg, wsDir, err
	}
	if opts.ssePort != 0 {
		cfg.MCP.SSEPort = opts.ssePort
	}
	if opts.baseURL != "" {
		cfg.Verify.BaseURL = opts.baseURL
	}
	return cfg, wsDir, nil
}

func buildServer(cfg config.Config) (*mcpserver.Server, *browser.SessionManager, error) {
	mangleEngine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize mangle engine: %w", err)
	}

	sessionManager := browser.NewSessionManager(cfg.Browser)
	server, err := mcpserver.NewServer(cfg, sessionManager, mangleEngine)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize MCP server: %w", err)
	}
	return server, sessionManager, nil
}
