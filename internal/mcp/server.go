package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/paularlott/mcp"

	"github.com/martinsuchenak/sweepd/internal/dispatch"
	"github.com/martinsuchenak/sweepd/internal/log"
	"github.com/martinsuchenak/sweepd/internal/model"
	"github.com/martinsuchenak/sweepd/internal/prefix"
	"github.com/martinsuchenak/sweepd/internal/storage"
)

// Server wraps the MCP server with the scan dispatcher and journal
type Server struct {
	mcpServer   *mcp.Server
	dispatcher  *dispatch.Dispatcher
	journal     storage.Journal
	bearerToken string
}

// NewServer creates a new MCP server for scan control
func NewServer(dispatcher *dispatch.Dispatcher, journal storage.Journal, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("sweepd", "1.0.0"),
		dispatcher:  dispatcher,
		journal:     journal,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

// registerTools registers all scan control tools
func (s *Server) registerTools() {
	s.mcpServer.RegisterTool(
		mcp.NewTool("scan_ip", "Queue a liveness scan of a single IPv4 address and reconcile the result into the IPAM",
			mcp.String("ip", "IPv4 address to scan", mcp.Required()),
		),
		s.handleScanIP,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("scan_prefix", "Queue a liveness scan of an IPv4 prefix in CIDR form. Network and broadcast addresses are skipped for /30 and shorter",
			mcp.String("prefix", "IPv4 prefix in CIDR notation, e.g. 10.0.0.0/24", mcp.Required()),
		),
		s.handleScanPrefix,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("scan_auto", "Queue a scan of every IPAM range marked for automatic scanning"),
		s.handleScanAuto,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("scan_status", "Get the state and result summary of a previously queued scan",
			mcp.String("scan_id", "Scan ticket ID returned when the scan was queued", mcp.Required()),
		),
		s.handleScanStatus,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("scan_list", "List recent scans, newest first",
			mcp.String("limit", "Maximum number of scans to return (default 20)"),
		),
		s.handleScanList,
	)
}

// HandleRequest handles MCP requests with optional bearer authentication
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	log.Debug("MCP request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	// Check bearer token if configured
	if s.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			log.Warn("MCP request missing Authorization header", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Missing Authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			log.Warn("MCP request invalid Authorization format", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid Authorization format", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != s.bearerToken {
			log.Warn("MCP request invalid token", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
	}

	s.mcpServer.HandleRequest(w, r)
}

func (s *Server) handleScanIP(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	raw, err := req.String("ip")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("ip is required: " + err.Error())
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil || !addr.Is4() {
		log.Warn("MCP scan_ip rejected", "ip", raw)
		return nil, mcp.NewToolErrorInvalidParams("not a valid IPv4 address: " + raw)
	}

	return s.queueScan(model.IPTarget(addr))
}

func (s *Server) handleScanPrefix(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	raw, err := req.String("prefix")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("prefix is required: " + err.Error())
	}

	p, err := prefix.Parse(strings.TrimSpace(raw))
	if err != nil {
		log.Warn("MCP scan_prefix rejected", "prefix", raw, "error", err)
		return nil, mcp.NewToolErrorInvalidParams(fmt.Sprintf("not a scannable IPv4 prefix: %s (%v)", raw, err))
	}

	return s.queueScan(model.PrefixTarget(p))
}

func (s *Server) handleScanAuto(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	return s.queueScan(model.AutoTarget())
}

func (s *Server) queueScan(target model.ScanTarget) (*mcp.ToolResponse, error) {
	rec, err := s.dispatcher.Enqueue(target)
	if errors.Is(err, dispatch.ErrAlreadyQueued) {
		return mcp.NewToolResponseText(fmt.Sprintf("Scan already queued for %s (scan_id %s)", target.String(), rec.ID)), nil
	}
	if err != nil {
		log.Error("MCP scan dispatch failed", "target", target.String(), "error", err)
		return nil, mcp.NewToolErrorInternal("failed to queue scan: " + err.Error())
	}
	return mcp.NewToolResponseText(fmt.Sprintf("Queued %s (scan_id %s)", target.String(), rec.ID)), nil
}

func (s *Server) handleScanStatus(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("scan_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("scan_id is required: " + err.Error())
	}

	rec, err := s.journal.GetScan(id)
	if err != nil {
		log.Warn("MCP scan_status lookup failed", "scan_id", id, "error", err)
		return nil, mcp.NewToolErrorInternal("scan not found: " + err.Error())
	}

	return mcp.NewToolResponseText(s.formatScanSummary(rec)), nil
}

func (s *Server) handleScanList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	limit := 20
	if raw := req.StringOr("limit", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, mcp.NewToolErrorInvalidParams("limit must be a positive integer")
		}
		limit = n
	}

	scans, err := s.journal.ListScans(limit)
	if err != nil {
		log.Error("MCP scan_list failed", "error", err)
		return nil, mcp.NewToolErrorInternal("failed to list scans: " + err.Error())
	}

	if len(scans) == 0 {
		return mcp.NewToolResponseText("No scans recorded"), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Found %d scans:\n\n", len(scans)))
	for i := range scans {
		result.WriteString(s.formatScanSummary(&scans[i]))
		result.WriteString("\n")
	}
	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) formatScanSummary(rec *model.ScanRecord) string {
	var result strings.Builder
	result.WriteString(fmt.Sprintf("Scan: %s\n", rec.ID))
	result.WriteString(fmt.Sprintf("Target: %s %s\n", rec.TargetKind, rec.TargetValue))
	result.WriteString(fmt.Sprintf("State: %s\n", rec.State))
	if rec.State == model.StateDone {
		result.WriteString(fmt.Sprintf("Result: %d created, %d updated, %d unchanged, %d skipped, %d failed\n",
			rec.Summary.Created, rec.Summary.Updated, rec.Summary.Unchanged, rec.Summary.Skipped, rec.Summary.Failed))
	}
	if rec.Error != "" {
		result.WriteString(fmt.Sprintf("Error: %s\n", rec.Error))
	}
	result.WriteString(fmt.Sprintf("Queued: %s\n", rec.QueuedAt.Format("2006-01-02 15:04:05 MST")))
	if rec.CompletedAt != nil {
		result.WriteString(fmt.Sprintf("Completed: %s\n", rec.CompletedAt.Format("2006-01-02 15:04:05 MST")))
	}
	return result.String()
}

// GetHTTPHandler returns the HTTP handler for the MCP server
func (s *Server) GetHTTPHandler() http.HandlerFunc {
	return s.HandleRequest
}

// LogStartup logs MCP server startup information
func (s *Server) LogStartup() {
	log.Info("MCP Server initialized", "version", "1.0.0")
	if s.bearerToken != "" {
		log.Info("MCP authentication enabled", "type", "Bearer token")
	} else {
		log.Info("MCP authentication disabled")
	}
	tools := s.mcpServer.ListTools()
	log.Info("MCP tools registered", "count", len(tools))
	for _, tool := range tools {
		log.Debug("MCP tool registered", "name", tool.Name, "description", tool.Description)
	}
}
