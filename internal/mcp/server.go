package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"viewguard-mcp-server/internal/browser"
	"viewguard-mcp-server/internal/config"
	"viewguard-mcp-server/internal/journey"
	"viewguard-mcp-server/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wires the MCP runtime, Rod session manager, per-session verification
// harnesses and the Mangle fact buffer.
type Server struct {
	cfg       config.Config
	sessions  *browser.SessionManager
	engine    *mangle.Engine
	harnesses *harnessPool
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the ViewGuard MCP server and registers all tools.
func NewServer(cfg config.Config, sessions *browser.SessionManager, engine *mangle.Engine) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		sessions:  sessions,
		engine:    engine,
		harnesses: newHarnessPool(cfg, sessions, engine),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	// Browser and session lifecycle
	s.registerTool(&LaunchBrowserTool{sessions: s.sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: s.sessions, harnesses: s.harnesses})
	s.registerTool(&ListSessionsTool{sessions: s.sessions})
	s.registerTool(&CreateSessionTool{sessions: s.sessions, harnesses: s.harnesses})
	s.registerTool(&AttachSessionTool{sessions: s.sessions, harnesses: s.harnesses})
	s.registerTool(&CloseSessionTool{sessions: s.sessions, harnesses: s.harnesses})

	// View state and recovery
	s.registerTool(&ClassifyViewTool{harnesses: s.harnesses})
	s.registerTool(&EnsureModeTool{harnesses: s.harnesses})
	s.registerTool(&SwitchSubModeTool{harnesses: s.harnesses})
	s.registerTool(&Reload2DTool{harnesses: s.harnesses})
	s.registerTool(&WaitForViewTool{harnesses: s.harnesses})
	s.registerTool(&ScreenshotTool{harnesses: s.harnesses, engine: s.engine, dir: s.cfg.Trace.Dir})

	// Journey orchestration and diagnostics
	s.registerTool(&RunJourneyTool{harnesses: s.harnesses, engine: s.engine})
	s.registerTool(&JourneyStatusTool{harnesses: s.harnesses})
	s.registerTool(&DiagnosticReportTool{harnesses: s.harnesses})

	// Fact engine
	s.registerTool(&PushFactsTool{engine: s.engine})
	s.registerTool(&ReadFactsTool{engine: s.engine})
	s.registerTool(&QueryFactsTool{engine: s.engine})
	s.registerTool(&SubmitRuleTool{engine: s.engine})
	s.registerTool(&EvaluateRuleTool{engine: s.engine})
	s.registerTool(&QueryTemporalTool{engine: s.engine})
	s.registerTool(&AwaitFactTool{engine: s.engine})
	s.registerTool(&SubscribeRuleTool{engine: s.engine})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}

// harnessPool keeps one verification harness per browser session so the
// diagnostic monitor stays attached for the session's lifetime.
type harnessPool struct {
	cfg      config.Config
	sessions *browser.SessionManager
	engine   *mangle.Engine

	mu   sync.Mutex
	byID map[string]*journey.Harness
}

func newHarnessPool(cfg config.Config, sessions *browser.SessionManager, engine *mangle.Engine) *harnessPool {
	return &harnessPool{cfg: cfg, sessions: sessions, engine: engine, byID: make(map[string]*journey.Harness)}
}

// get returns the session's harness, building it on first use.
func (p *harnessPool) get(sessionID string) (*journey.Harness, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.byID[sessionID]; ok {
		return h, nil
	}
	if p.sessions == nil {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	drv, ok := p.sessions.Driver(sessionID)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	h, err := journey.New(drv, p.cfg, journey.WithEngine(p.engine), journey.WithSession(sessionID))
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	p.byID[sessionID] = h
	log.Printf("[session:%s] verification harness attached", sessionID)
	return h, nil
}

func (p *harnessPool) drop(sessionID string) {
	p.mu.Lock()
	delete(p.byID, sessionID)
	p.mu.Unlock()
}

func (p *harnessPool) reset() {
	p.mu.Lock()
	p.byID = make(map[string]*journey.Harness)
	p.mu.Unlock()
}

func (p *harnessPool) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
