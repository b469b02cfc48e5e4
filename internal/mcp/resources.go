package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"viewguard-mcp-server/internal/journey"
	"viewguard-mcp-server/internal/mangle"
	"viewguard-mcp-server/internal/stage"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"viewguard://about",
			"ViewGuard About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, journey stages and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"viewguard://session/{sessionId}/report",
			"Session Report",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Last journey run and diagnostic report for a session."),
		),
		s.handleSessionReportResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"viewguard://facts{?predicate,limit}",
			"Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Most recent facts in the buffer, optionally filtered by predicate."),
		),
		s.handleFactsResource,
	)
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	deps := stage.DefaultDependencies()
	stages := make([]map[string]interface{}, 0, len(deps))
	for _, st := range journey.DefaultStages(nil) {
		stages = append(stages, map[string]interface{}{
			"stage":       st.ID,
			"name":        st.Name,
			"checkpoints": len(st.Checkpoints),
			"requires":    deps[st.ID].Requires,
		})
	}
	payload := map[string]interface{}{
		"name":     s.cfg.Server.Name,
		"version":  s.cfg.Server.Version,
		"base_url": s.cfg.Verify.BaseURL,
		"stages":   stages,
		"sessions": s.harnesses.ids(),
		"notes": []string{
			"Resources are read-only; use tools for actions.",
			"run-journey pushes stage_result and checkpoint_result facts; evaluate-rule stage_blocked_by explains skips.",
			"Timeouts scale with verify.timeout_multiplier.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleSessionReportResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	h, err := s.harnesses.get(sessionID)
	if err != nil {
		return nil, err
	}

	diag := h.Monitor.Report()
	payload := map[string]interface{}{
		"session_id":  sessionID,
		"has_run":     false,
		"diagnostics": diag,
		"summary":     diag.Summary(),
	}
	if last, ok := h.LastRun(); ok {
		payload["has_run"] = true
		payload["run"] = summarizeReport(last, false)
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("mangle engine unavailable")
	}

	predicate := argString(request.Params.Arguments["predicate"])
	limit := getIntArg(map[string]interface{}{"limit": firstArg(request.Params.Arguments["limit"])}, "limit", defaultFactLimit)
	if limit <= 0 {
		limit = defaultFactLimit
	}
	if limit > maxFactLimit {
		limit = maxFactLimit
	}

	facts := selectRecentFacts(s.engine, predicate, limit)
	payload := map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	}
	return jsonContents(request.Params.URI, payload)
}

// firstArg unwraps the []string form URI template variables arrive in.
func firstArg(v interface{}) interface{} {
	if list, ok := v.([]string); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

// selectRecentFacts returns up to limit of the newest facts, oldest first.
func selectRecentFacts(engine *mangle.Engine, predicate string, limit int) []mangle.Fact {
	if engine == nil || limit <= 0 {
		return []mangle.Fact{}
	}

	var source []mangle.Fact
	if predicate != "" {
		source = engine.FactsByPredicate(predicate)
	} else {
		source = engine.Facts()
	}

	start := len(source) - limit
	if start < 0 {
		start = 0
	}
	out := make([]mangle.Fact, 0, len(source)-start)
	out = append(out, source[start:]...)
	return out
}
