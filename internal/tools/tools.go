// Package tools registers the support-ticketing tools on the MCP server.
// Every handler pulls the per-session Zendesk client from the request
// context; the authentication gate has already refreshed its credential.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stackdesk/zendesk-mcp/internal/zendesk"
)

type handlerFunc func(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Register adds all ticketing tools to s.
func Register(s *server.MCPServer, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	add := func(tool mcp.Tool, h handlerFunc) {
		s.AddTool(tool, withClient(logger, tool.Name, h))
	}

	add(mcp.NewTool("get_ticket",
		mcp.WithDescription("Fetch a single support ticket by its numeric ID."),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("Numeric ticket ID")),
	), handleGetTicket)

	add(mcp.NewTool("list_tickets",
		mcp.WithDescription("List recently updated support tickets."),
		mcp.WithString("limit", mcp.Description("Maximum number of tickets to return (default 25)")),
	), handleListTickets)

	add(mcp.NewTool("create_ticket",
		mcp.WithDescription("Create a new support ticket."),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Ticket subject line")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Initial ticket description")),
		mcp.WithString("priority", mcp.Description("Priority: low, normal, high or urgent")),
	), handleCreateTicket)

	add(mcp.NewTool("update_ticket",
		mcp.WithDescription("Update status, priority or assignee of a ticket."),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("Numeric ticket ID")),
		mcp.WithString("status", mcp.Description("New status: open, pending, solved or closed")),
		mcp.WithString("priority", mcp.Description("New priority")),
		mcp.WithString("assignee_id", mcp.Description("Numeric ID of the new assignee")),
	), handleUpdateTicket)

	add(mcp.NewTool("add_ticket_comment",
		mcp.WithDescription("Add a comment to an existing ticket."),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("Numeric ticket ID")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Comment text")),
		mcp.WithString("public", mcp.Description("\"true\" for a public reply, \"false\" for an internal note (default true)")),
	), handleAddComment)

	add(mcp.NewTool("list_ticket_comments",
		mcp.WithDescription("List the comments on a ticket, oldest first."),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("Numeric ticket ID")),
	), handleListComments)

	add(mcp.NewTool("get_user",
		mcp.WithDescription("Fetch a user profile by its numeric ID."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Numeric user ID")),
	), handleGetUser)

	add(mcp.NewTool("list_users",
		mcp.WithDescription("List users in the support account."),
	), handleListUsers)

	add(mcp.NewTool("search",
		mcp.WithDescription("Search tickets, users and organizations with the Zendesk query syntax, e.g. \"type:ticket status:open\"."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
	), handleSearch)
}

// withClient resolves the session's API client before running h.
func withClient(logger *slog.Logger, name string, h handlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, ok := zendesk.FromContext(ctx)
		if !ok {
			return mcp.NewToolResultError("no authenticated session; authorize at /oauth/authorize first"), nil
		}
		result, err := h(ctx, c, request)
		if err != nil {
			logger.Warn("tool call failed", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result, nil
	}
}

func handleGetTicket(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(request, "ticket_id")
	if err != nil {
		return nil, err
	}
	ticket, err := c.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResult(ticket)
}

func handleListTickets(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := 25
	if raw := request.GetString("limit", ""); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return nil, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		limit = parsed
	}
	tickets, err := c.ListTickets(ctx, limit)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"tickets": tickets, "count": len(tickets)})
}

func handleCreateTicket(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject, err := request.RequireString("subject")
	if err != nil {
		return nil, err
	}
	body, err := request.RequireString("body")
	if err != nil {
		return nil, err
	}
	ticket, err := c.CreateTicket(ctx, zendesk.TicketRequest{
		Subject:  subject,
		Body:     body,
		Priority: request.GetString("priority", ""),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(ticket)
}

func handleUpdateTicket(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(request, "ticket_id")
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any)
	if status := request.GetString("status", ""); status != "" {
		fields["status"] = status
	}
	if priority := request.GetString("priority", ""); priority != "" {
		fields["priority"] = priority
	}
	if raw := request.GetString("assignee_id", ""); raw != "" {
		assignee, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("assignee_id must be numeric, got %q", raw)
		}
		fields["assignee_id"] = assignee
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("nothing to update: provide status, priority or assignee_id")
	}

	ticket, err := c.UpdateTicket(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	return jsonResult(ticket)
}

func handleAddComment(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(request, "ticket_id")
	if err != nil {
		return nil, err
	}
	body, err := request.RequireString("body")
	if err != nil {
		return nil, err
	}
	public := request.GetString("public", "true") != "false"

	ticket, err := c.AddComment(ctx, id, body, public)
	if err != nil {
		return nil, err
	}
	return jsonResult(ticket)
}

func handleListComments(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(request, "ticket_id")
	if err != nil {
		return nil, err
	}
	comments, err := c.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"comments": comments, "count": len(comments)})
}

func handleGetUser(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(request, "user_id")
	if err != nil {
		return nil, err
	}
	user, err := c.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResult(user)
}

func handleListUsers(ctx context.Context, c *zendesk.Client, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	users, err := c.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"users": users, "count": len(users)})
}

func handleSearch(ctx context.Context, c *zendesk.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return nil, err
	}
	result, err := c.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return jsonResult(result)
}

func requireID(request mcp.CallToolRequest, key string) (int64, error) {
	raw, err := request.RequireString(key)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be numeric, got %q", key, raw)
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
