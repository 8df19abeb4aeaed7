package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// VisitorNotifier pushes session updates to the client driving a session.
type VisitorNotifier interface {
	Notify(ctx context.Context, intakeID string, payload map[string]any) error
}

// MCPNotifier implements VisitorNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the client that opened the intake session.
// Best-effort: returns nil if that client is not connected.
func (n *MCPNotifier) Notify(_ context.Context, intakeID string, payload map[string]any) error {
	clientID, ok := n.sessions.ClientFor(intakeID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(clientID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Client went away between lookup and send.
		n.sessions.Remove(clientID)
		return nil
	}
	return err
}
