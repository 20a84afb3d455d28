// Package mcp exposes the timeline to agents over the Model Context
// Protocol: a recent-events resource and tools to query, record and export.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"devtimeline/internal/logging"
	"devtimeline/internal/recorder"
	"devtimeline/internal/report"
	"devtimeline/internal/store"
)

// EventsURI is the recent-events resource.
const EventsURI = "timeline://events"

// ResourceLimit is the number of events the resource returns.
const ResourceLimit = 50

// Server adapts the timeline to MCP.
type Server struct {
	mcpServer *server.MCPServer
	events    store.Querier
	recorder  *recorder.Recorder
	reporter  *report.Reporter
	logger    *logging.Logger
}

// NewServer creates an MCP server over events. rec and rep may be nil, in
// which case the matching tools are not offered.
func NewServer(events store.Querier, rec *recorder.Recorder, rep *report.Reporter, version string, logger *logging.Logger) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"timeline",
			version,
			server.WithResourceCapabilities(false, false),
			server.WithToolCapabilities(false),
		),
		events:   events,
		recorder: rec,
		reporter: rep,
		logger:   logger.WithComponent("mcp"),
	}
	s.registerResources()
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Serve serves MCP on stdio until stdin closes.
func (s *Server) Serve() error {
	s.logger.Info("serving MCP on stdio")
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		EventsURI,
		"Activity timeline",
		mcp.WithResourceDescription("The most recent file changes, editor interactions and terminal output"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadEvents)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"query_events",
		mcp.WithDescription("Query the activity timeline, most recent first."),
		mcp.WithString("type", mcp.Description("Event type: file_change, cursor or terminal"), mcp.Enum("file_change", "cursor", "terminal")),
		mcp.WithString("source", mcp.Description("Case-insensitive substring of the event source")),
		mcp.WithString("since", mcp.Description("RFC3339 lower bound, inclusive")),
		mcp.WithString("until", mcp.Description("RFC3339 upper bound, exclusive")),
		mcp.WithNumber("limit", mcp.Description("Maximum events to return (default 100)")),
	), s.handleQueryEvents)

	if s.recorder != nil {
		s.mcpServer.AddTool(mcp.NewTool(
			"record_interaction",
			mcp.WithDescription("Record an editor or assistant interaction on the timeline."),
			mcp.WithString("kind", mcp.Required(), mcp.Description("Interaction kind"),
				mcp.Enum("chat", "compose", "create", "edit", "command", "suggestion")),
			mcp.WithString("user_input", mcp.Description("What the user asked")),
			mcp.WithString("ai_response", mcp.Description("What the assistant answered")),
			mcp.WithString("file_path", mcp.Description("File the interaction is about")),
			mcp.WithObject("code_changes", mcp.Description("Changes keyed by file path")),
		), s.handleRecordInteraction)
	}

	if s.reporter != nil {
		s.mcpServer.AddTool(mcp.NewTool(
			"export_events",
			mcp.WithDescription("Append recent events to a markdown log file and return its path."),
			mcp.WithString("type", mcp.Description("Only export this event type")),
			mcp.WithNumber("limit", mcp.Description("Maximum events to export (default 100)")),
		), s.handleExportEvents)
	}
}

func (s *Server) handleReadEvents(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	events, err := s.events.Query(ctx, store.Filter{}, ResourceLimit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	data, err := json.MarshalIndent(nonNil(events), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleQueryEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter, limit, err := parseFilter(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	events, err := s.events.Query(ctx, filter, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	data, err := json.MarshalIndent(nonNil(events), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleRecordInteraction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := recorder.Interaction{
		Kind:     store.CursorEventType(mcp.ParseString(request, "kind", "")),
		FilePath: mcp.ParseString(request, "file_path", ""),
	}
	args := request.GetArguments()
	// Present but empty strings are kept, as over HTTP.
	if v, ok := args["user_input"].(string); ok {
		in.UserInput = &v
	}
	if v, ok := args["ai_response"].(string); ok {
		in.AIResponse = &v
	}
	if changes, ok := args["code_changes"].(map[string]any); ok {
		in.CodeChanges = changes
	}

	if !in.Kind.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q", in.Kind)), nil
	}

	id, err := s.recorder.Record(in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("record failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("recorded event %d", id)), nil
}

func (s *Server) handleExportEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter, limit, err := parseFilter(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	events, err := s.events.Query(ctx, filter, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	path, err := s.reporter.Export(events, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("export failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("exported %d events to %s", len(events), path)), nil
}

func parseFilter(request mcp.CallToolRequest) (store.Filter, int, error) {
	var f store.Filter

	if t := mcp.ParseString(request, "type", ""); t != "" {
		et, err := store.ParseEventType(t)
		if err != nil {
			return f, 0, err
		}
		f.EventType = et
	}
	f.SourceSubstring = mcp.ParseString(request, "source", "")

	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		v := mcp.ParseString(request, key, "")
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = t
	}

	limit := int(mcp.ParseFloat64(request, "limit", store.DefaultLimit))
	if limit <= 0 {
		limit = store.DefaultLimit
	}
	return f, limit, nil
}

func nonNil(events []store.Event) []store.Event {
	if events == nil {
		return []store.Event{}
	}
	return events
}
