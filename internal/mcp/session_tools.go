package mcp

import (
	"context"
	"fmt"
	"log"

	"viewguard-mcp-server/internal/browser"
)

type ListSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List all browser sessions managed by the Rod instance.

USE THIS FIRST to discover existing sessions before creating new ones.
Every verification tool takes one of the returned session IDs.

Returns: {sessions: [{id, url, title, status, created_at}]}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.sessions.List()}, nil
}

type CreateSessionTool struct {
	sessions  *browser.SessionManager
	harnesses *harnessPool
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Open a new isolated browser session and attach the diagnostic monitor.

PREREQUISITE: Browser must be running (use launch-browser first if needed).

The monitor starts recording console, page and network errors immediately,
so create the session before navigating to the application under test.
When url is omitted the configured verify.base_url is used.

Returns: {session: {id, url, title}} - Use the ID for subsequent tool calls.`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to open (default: verify.base_url, else about:blank)",
			},
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" && t.harnesses != nil {
		url = t.harnesses.cfg.Verify.BaseURL
	}

	sess, err := t.sessions.CreateSession(ctx, "about:blank")
	if err != nil {
		return nil, err
	}
	h, err := t.harnesses.get(sess.ID)
	if err != nil {
		log.Printf("[session:%s] harness unavailable: %v", sess.ID, err)
	}
	if url == "" || url == "about:blank" {
		return map[string]interface{}{"session": sess}, nil
	}

	// Navigate only once the monitor is attached so load-time errors are kept.
	if h != nil {
		err = h.Driver.Navigate(ctx, url)
	} else if drv, ok := t.sessions.Driver(sess.ID); ok {
		err = drv.Navigate(ctx, url)
	}
	if err != nil {
		return nil, fmt.Errorf("session %s: navigate %s: %w", sess.ID, url, err)
	}
	t.sessions.UpdateMetadata(sess.ID, func(m browser.Session) browser.Session {
		m.URL = url
		return m
	})
	if meta, ok := t.sessions.GetSession(sess.ID); ok {
		return map[string]interface{}{"session": meta}, nil
	}
	return map[string]interface{}{"session": sess}, nil
}

type AttachSessionTool struct {
	sessions  *browser.SessionManager
	harnesses *harnessPool
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Attach to an existing Chrome tab by its CDP TargetID.

USE INSTEAD OF create-session when the application is already open in a tab
(chrome://inspect lists target IDs). Errors that happened before attaching
are not captured by the diagnostic monitor.

Returns: {session: {id, url, title}}`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
		},
		"required": []string{"target_id"},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	targetID := getStringArg(args, "target_id")
	if targetID == "" {
		return nil, fmt.Errorf("target_id is required")
	}

	sess, err := t.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if _, err := t.harnesses.get(sess.ID); err != nil {
		log.Printf("[session:%s] harness unavailable: %v", sess.ID, err)
	}
	return map[string]interface{}{"session": sess}, nil
}

type CloseSessionTool struct {
	sessions  *browser.SessionManager
	harnesses *harnessPool
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return `Close a browser session and discard its verification state.

Facts already pushed to the engine are kept.

Returns: {status: "closed", session_id}`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to close",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *CloseSessionTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := t.sessions.CloseSession(sessionID); err != nil {
		return nil, err
	}
	t.harnesses.drop(sessionID)
	return map[string]interface{}{"status": "closed", "session_id": sessionID}, nil
}

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start (or attach to) the Chrome instance used for verification.

CALL THIS FIRST before any other browser tool. Idempotent: safe to call if
already running.

TYPICAL WORKFLOW:
1. launch-browser   -> Start Chrome
2. create-session   -> Open the application
3. run-journey      -> Verify the 7-stage journey
4. diagnostic-report / query-facts -> Explain failures

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance and clears sessions.
type ShutdownBrowserTool struct {
	sessions  *browser.SessionManager
	harnesses *harnessPool
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop the Chrome browser and clean up all sessions.

Closes every tracked session and drops its harness, diagnostic log and last
run report. Mangle facts and run traces on disk persist after shutdown.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	t.harnesses.reset()
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}
