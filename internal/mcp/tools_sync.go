package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerSyncTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("sync_status",
			mcplib.WithDescription("Report replication state: journal position, per-peer checkpoints, and peer health. On a single-node install reports mode single_node."),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleSyncStatus,
	)
}

func (s *Server) handleSyncStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	latest, err := s.db.LatestSeq(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	status := map[string]any{
		"machine_id": s.machineID,
		"latest_seq": latest,
	}

	if s.sync == nil {
		status["mode"] = "single_node"
		return jsonResult(status), nil
	}

	checkpoints, err := s.db.PeerCheckpoints(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	status["mode"] = "mesh"
	status["peers"] = s.sync.PeerCount()
	status["healthy_peers"] = s.sync.HealthyPeers()
	status["peer_checkpoints"] = checkpoints
	return jsonResult(status), nil
}
