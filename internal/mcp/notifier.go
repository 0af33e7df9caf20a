package mcp

import (
	"context"
	"time"

	"glsnap-mcp-server/internal/mangle"
	"glsnap-mcp-server/internal/recorder"
	"glsnap-mcp-server/internal/webgl"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// NotificationMethod is the JSON-RPC method aggregated error batches are
// pushed under. Clients that don't subscribe simply never see them.
const NotificationMethod = "notifications/glsnap/webgl_error"

// Sink fans an aggregator's notifications out to connected MCP clients, the
// run recorder, and the fact ledger. One Sink serves one session; every
// collaborator is optional so partial wiring degrades instead of panicking.
type Sink struct {
	mcp      *mcpserver.MCPServer
	recorder *recorder.Recorder
	engine   *mangle.Engine
	session  string
}

func (s *Sink) Notify(n webgl.Notification) error {
	if s == nil {
		return nil
	}

	if s.mcp != nil {
		s.mcp.SendNotificationToAllClients(NotificationMethod, map[string]any{
			"session_id": s.session,
			"type":       n.Type,
			"timestamp":  n.Timestamp.UnixMilli(),
			"error":      n.Error,
			"severity":   n.Severity,
		})
	}

	s.recorder.Log(recorder.EventNotification, s.session, n)

	if s.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.engine.AddFacts(ctx, []mangle.Fact{
			mangle.NotificationFact(s.session, n.Type, n.Severity, n.Timestamp),
		})
	}

	return nil
}
