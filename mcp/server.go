// Package mcp exposes Larder sync status and conflict resolution to
// agents over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/larder"
	"github.com/hyperengineering/larder/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Opener opens a client for a library other than the server's default.
type Opener func(library string) (*larder.Client, error)

// Server wraps the MCP server with Larder tools.
type Server struct {
	mcpServer *server.MCPServer
	session   *ConflictSession
	open      Opener

	defaultLib string
	mu         sync.Mutex
	clients    map[string]*larder.Client
	owned      []*larder.Client
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithOpener lets tools address libraries other than the default one.
func WithOpener(open Opener) ServerOption {
	return func(s *Server) { s.open = open }
}

type handler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// NewServer creates a new MCP server with Larder tools registered.
func NewServer(client *larder.Client, opts ...ServerOption) *Server {
	s := &Server{
		session:    NewConflictSession(),
		defaultLib: client.Library(),
		clients:    map[string]*larder.Client{client.Library(): client},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer(
		"larder",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdin and stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// Close closes clients the server opened itself.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, c := range s.owned {
		errs = append(errs, c.Close())
	}
	s.owned = nil
	return errors.Join(errs...)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "larder_sync_status", Description: "Show whether sync is enabled, what is queued, and what needs attention"},
		{Name: "larder_sync_run", Description: "Run one sync pass now"},
		{Name: "larder_conflicts", Description: "List recipes in conflict or error with session references"},
		{Name: "larder_resolve", Description: "Resolve a conflict by keeping the local or the remote version"},
		{Name: "larder_retry", Description: "Requeue a recipe whose sync gave up"},
		{Name: "larder_recipes", Description: "List the recipes in a library"},
	}
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h, ok := s.handlers()[name]
	if !ok {
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
	return h(ctx, args)
}

func (s *Server) handlers() map[string]handler {
	return map[string]handler{
		"larder_sync_status": s.handleStatus,
		"larder_sync_run":    s.handleSync,
		"larder_conflicts":   s.handleConflicts,
		"larder_resolve":     s.handleResolve,
		"larder_retry":       s.handleRetry,
		"larder_recipes":     s.handleRecipes,
	}
}

func (s *Server) registerTools() {
	library := mcp.WithString("library",
		mcp.Description("Library ID (default: resolved via LARDER_LIBRARY or 'default')"),
	)

	s.mcpServer.AddTool(mcp.NewTool("larder_sync_status",
		mcp.WithDescription("Show the sync state of a recipe library: remote folder, last pass, last error, queued operations and how many recipes are in conflict or error."),
		library,
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("larder_sync_run",
		mcp.WithDescription("Run one sync pass now: upload and delete queued recipes with version checks, then poll the remote for outside changes."),
		library,
	), s.wrap(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("larder_conflicts",
		mcp.WithDescription("List recipes whose remote copy was changed elsewhere (CONFLICT) or whose sync gave up (ERROR). Returns session references (C1, C2, ...) for larder_resolve and larder_retry."),
		library,
	), s.wrap(s.handleConflicts))

	s.mcpServer.AddTool(mcp.NewTool("larder_resolve",
		mcp.WithDescription("Resolve a conflict. 'local' overwrites the remote copy with the local recipe; 'remote' replaces the local recipe with the remote copy, or deletes it if the remote copy is gone."),
		mcp.WithString("ref",
			mcp.Description("Session ref (C1), recipe ID, or part of the recipe title"),
			mcp.Required(),
		),
		mcp.WithString("keep",
			mcp.Description("Which side to keep"),
			mcp.Enum(string(larder.KeepLocal), string(larder.KeepRemote)),
			mcp.Required(),
		),
		library,
	), s.wrap(s.handleResolve))

	s.mcpServer.AddTool(mcp.NewTool("larder_retry",
		mcp.WithDescription("Requeue a recipe in ERROR so the next pass tries it again."),
		mcp.WithString("ref",
			mcp.Description("Session ref (C1), recipe ID, or part of the recipe title"),
			mcp.Required(),
		),
		library,
	), s.wrap(s.handleRetry))

	s.mcpServer.AddTool(mcp.NewTool("larder_recipes",
		mcp.WithDescription("List the recipes in a library with their IDs."),
		library,
	), s.wrap(s.handleRecipes))
}

func (s *Server) wrap(h handler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func errorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// client returns the client for the library named in args.
func (s *Server) client(args map[string]any) (string, *larder.Client, error) {
	explicit, _ := args["library"].(string)
	if explicit == "" {
		explicit = s.defaultLib
	}
	lib, err := store.ResolveLibrary(explicit)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[lib]; ok {
		return lib, c, nil
	}
	if s.open == nil {
		return "", nil, fmt.Errorf("library %q is not open in this server", lib)
	}
	c, err := s.open(lib)
	if err != nil {
		return "", nil, fmt.Errorf("open library %q: %w", lib, err)
	}
	s.clients[lib] = c
	s.owned = append(s.owned, c)
	return lib, c, nil
}

func (s *Server) handleStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	_, c, err := s.client(args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	st, err := c.Status(ctx)
	if err != nil {
		return errorResult("status failed: %v", err), nil
	}
	return &ToolResult{Content: formatStatus(st)}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	_, c, err := s.client(args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	report, err := c.Sync(ctx)
	switch {
	case errors.Is(err, larder.ErrOffline):
		return errorResult("Sync unavailable: no remote configured (offline mode)"), nil
	case errors.Is(err, larder.ErrSyncLocked):
		return errorResult("Sync skipped: %v", err), nil
	case err != nil:
		return errorResult("sync failed: %v", err), nil
	}
	return &ToolResult{Content: formatPass(report)}, nil
}

func (s *Server) handleConflicts(ctx context.Context, args map[string]any) (*ToolResult, error) {
	lib, c, err := s.client(args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	conflicts, err := c.Conflicts(ctx)
	if err != nil {
		return errorResult("list conflicts failed: %v", err), nil
	}
	if len(conflicts) == 0 {
		return &ToolResult{Content: "No recipes need attention."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recipe(s) need attention in %s:\n\n", len(conflicts), lib)
	for _, cf := range conflicts {
		ref := s.session.Track(lib, cf.RecipeID)
		title := cf.Title
		if cf.LocalDeleted {
			title = "(deleted locally)"
		}
		fmt.Fprintf(&sb, "[%s] %s %s\n", ref, cf.Status, title)
		fmt.Fprintf(&sb, "    Recipe: %s\n", cf.RecipeID)
		fmt.Fprintf(&sb, "    Remote version: %d\n", cf.RemoteVersion)
		if cf.LastSyncedAt != nil {
			fmt.Fprintf(&sb, "    Last synced: %s\n", formatRelativeTime(*cf.LastSyncedAt))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Use larder_resolve with keep=local or keep=remote for CONFLICT, larder_retry for ERROR.")
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleResolve(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, _ := args["ref"].(string)
	if ref == "" {
		return errorResult("ref is required"), nil
	}
	keep, _ := args["keep"].(string)
	choice, err := larder.ParseChoice(keep)
	if err != nil {
		return errorResult("%v", err), nil
	}

	c, id, err := s.target(args, ref)
	if err != nil {
		return errorResult("%v", err), nil
	}
	res, err := c.Resolve(ctx, id, choice)
	switch {
	case errors.Is(err, larder.ErrNoConflict):
		return errorResult("Recipe %s is not in conflict.", id), nil
	case errors.Is(err, larder.ErrNotAuthenticated):
		return errorResult("Remote not authenticated; sign in and try again."), nil
	case err != nil:
		return errorResult("resolve failed: %v", err), nil
	}
	return &ToolResult{Content: formatResolution(res)}, nil
}

func (s *Server) handleRetry(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, _ := args["ref"].(string)
	if ref == "" {
		return errorResult("ref is required"), nil
	}
	c, id, err := s.target(args, ref)
	if err != nil {
		return errorResult("%v", err), nil
	}
	res, err := c.Retry(ctx, id)
	if err != nil {
		return errorResult("retry failed: %v", err), nil
	}
	if !res.Queued {
		return &ToolResult{Content: fmt.Sprintf("Nothing queued for %s: %s.", id, res.Reason)}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Requeued %s as operation %s.", id, res.OperationID)}, nil
}

func (s *Server) handleRecipes(ctx context.Context, args map[string]any) (*ToolResult, error) {
	lib, c, err := s.client(args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	recipes, err := c.ListRecipes(ctx)
	if err != nil {
		return errorResult("list recipes failed: %v", err), nil
	}
	if len(recipes) == 0 {
		return &ToolResult{Content: fmt.Sprintf("No recipes in %s.", lib)}, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recipe(s) in %s:\n", len(recipes), lib)
	for _, r := range recipes {
		fmt.Fprintf(&sb, "  %s  %s\n", r.ID, r.Title)
	}
	return &ToolResult{Content: sb.String()}, nil
}

// target resolves a session ref to its library's client; anything else is
// passed to the library named in args.
func (s *Server) target(args map[string]any, ref string) (*larder.Client, string, error) {
	if cr, ok := s.session.Resolve(ref); ok {
		_, c, err := s.client(map[string]any{"library": cr.Library})
		return c, cr.RecipeID, err
	}
	_, c, err := s.client(args)
	return c, ref, err
}

func formatStatus(st *larder.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Library: %s\n", st.Library)
	remote := st.Remote
	if remote == "" {
		remote = "none (offline)"
	}
	fmt.Fprintf(&sb, "Remote: %s\n", remote)
	if st.State.Configured() {
		fmt.Fprintf(&sb, "Sync: enabled, folder %q\n", st.State.RemoteFolderName)
	} else {
		sb.WriteString("Sync: disabled\n")
	}
	if st.State.LastFullSyncAt != nil {
		fmt.Fprintf(&sb, "Last pass: %s\n", formatRelativeTime(*st.State.LastFullSyncAt))
	} else {
		sb.WriteString("Last pass: never\n")
	}
	if st.State.LastSyncError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", st.State.LastSyncError)
	}
	fmt.Fprintf(&sb, "Recipes: %d (%d synced)\n", st.Stats.RecipeCount, st.Stats.Synced)
	fmt.Fprintf(&sb, "Pending operations: %d\n", st.Stats.PendingOperations)
	fmt.Fprintf(&sb, "Needs attention: %d conflict(s), %d error(s)\n", st.Conflicts, st.Errors)
	if st.Running {
		fmt.Fprintf(&sb, "Background sync: running (%d unit(s) queued)\n", len(st.Queued))
	}
	return sb.String()
}

func formatPass(r *larder.PassReport) string {
	switch r.Skipped {
	case larder.SkipNotAuthenticated:
		return "Sync skipped: remote not authenticated."
	case larder.SkipNotConfigured:
		return "Sync skipped: sync is not enabled for this library."
	}

	var sb strings.Builder
	if r.Deferred {
		sb.WriteString("Sync stopped early: the remote rejected our credentials.\n")
	} else {
		sb.WriteString("Sync pass complete:\n")
	}
	fmt.Fprintf(&sb, "  Succeeded: %d\n", r.Succeeded)
	fmt.Fprintf(&sb, "  Retrying: %d\n", r.Retrying)
	fmt.Fprintf(&sb, "  Not yet due: %d\n", r.NotDue)
	if n := len(r.Conflicts); n > 0 {
		fmt.Fprintf(&sb, "  Upload conflicts: %d\n", n)
	}
	if n := len(r.Mismatches); n > 0 {
		fmt.Fprintf(&sb, "  Deletes skipped (remote changed): %d\n", n)
	}
	if n := len(r.Exhausted); n > 0 {
		fmt.Fprintf(&sb, "  Gave up: %d\n", n)
	}
	if r.Changes != nil {
		fmt.Fprintf(&sb, "  Remote changes seen: %d\n", r.Changes.Processed)
		if n := len(r.Changes.Conflicts); n > 0 {
			fmt.Fprintf(&sb, "  New conflicts: %d\n", n)
		}
		if n := len(r.Changes.NewRemote); n > 0 {
			fmt.Fprintf(&sb, "  Unknown remote recipes: %d\n", n)
		}
	}
	if r.ChangeErr != "" {
		fmt.Fprintf(&sb, "  Change poll failed: %s\n", r.ChangeErr)
	}
	return sb.String()
}

func formatResolution(res *larder.Resolution) string {
	switch {
	case res.Choice == larder.KeepLocal && res.RemoteDeleted:
		return fmt.Sprintf("Kept local %s; the remote copy was gone and will be recreated (operation %s).", res.RecipeID, res.OperationID)
	case res.Choice == larder.KeepLocal:
		return fmt.Sprintf("Kept local %s; upload queued as operation %s.", res.RecipeID, res.OperationID)
	case res.LocalDeleted:
		return fmt.Sprintf("Kept remote %s; it was deleted remotely, so the local recipe was deleted.", res.RecipeID)
	case res.RemoteDeleted:
		return fmt.Sprintf("Kept remote %s; it no longer exists on either side.", res.RecipeID)
	}
	return fmt.Sprintf("Kept remote %s; the local recipe now matches the remote copy.", res.RecipeID)
}

// formatRelativeTime renders t relative to now, e.g. "5 minutes ago".
func formatRelativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}
