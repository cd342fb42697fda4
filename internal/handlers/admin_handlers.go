package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"stardust/internal/commands"
	"stardust/internal/db"
	"stardust/internal/events"
	"stardust/internal/history"
	"stardust/internal/middleware"
	"stardust/internal/nodes"
)

// ─── Admin: node registry ─────────────────────────────────────────────────────

// ListNodes returns all registered nodes.
// GET /api/nodes
func (api *NodeAPI) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodeList, err := nodes.List(db.DB)
	if err != nil {
		JSONError(w, "Failed to list nodes: "+err.Error(), http.StatusInternalServerError, CodeAuthFailed)
		return
	}
	JSONResponse(w, map[string]interface{}{
		"nodes": nodeList,
		"count": len(nodeList),
	})
}

// NodeHistory returns the audit trail for a node, newest first.
// GET /api/nodes/{code}/history
func (api *NodeAPI) NodeHistory(w http.ResponseWriter, r *http.Request) {
	node, err := nodes.FindByCode(db.DB, r.PathValue("code"))
	if err != nil || node == nil {
		JSONError(w, "Node not found", http.StatusNotFound, CodeAuthFailed)
		return
	}

	entries, err := history.ListByNode(db.DB, node.ID, 100)
	if err != nil {
		JSONError(w, "Failed to list history: "+err.Error(), http.StatusInternalServerError, CodeAuthFailed)
		return
	}
	JSONResponse(w, map[string]interface{}{
		"history": entries,
		"count":   len(entries),
	})
}

// ─── Admin: command publishing ────────────────────────────────────────────────

type sendCommandRequest struct {
	Command       string `json:"command"`
	Argument      string `json:"argument,omitempty"`
	ExpireSeconds int    `json:"expire_seconds,omitempty"`
}

// SendCommand queues a command for a node. The command row makes it
// deliverable on the next heartbeat; the push queue gets it to a held notify
// connection immediately.
// POST /api/nodes/{code}/commands
func (api *NodeAPI) SendCommand(w http.ResponseWriter, r *http.Request) {
	node, err := nodes.FindByCode(db.DB, r.PathValue("code"))
	if err != nil || node == nil {
		JSONError(w, "Node not found", http.StatusNotFound, CodeAuthFailed)
		return
	}

	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		JSONError(w, "command is required", http.StatusBadRequest, CodeAuthFailed)
		return
	}

	cmd := &commands.Command{
		NodeID:   node.ID,
		Command:  req.Command,
		Argument: req.Argument,
	}
	if req.ExpireSeconds > 0 {
		cmd.Expire = time.Now().UTC().Add(time.Duration(req.ExpireSeconds) * time.Second)
	}

	if err := commands.Insert(db.DB, cmd); err != nil {
		JSONError(w, "Failed to queue command: "+err.Error(), http.StatusInternalServerError, CodeAuthFailed)
		return
	}
	api.Dispatcher.Invalidate()

	model := commands.Model{ID: cmd.ID, Command: cmd.Command, Argument: cmd.Argument, Expire: cmd.Expire}
	if err := api.Hub.Publish(r.Context(), node.Code, model); err != nil {
		log.Printf("⚠️  Could not push command %d to node %s: %v", cmd.ID, node.Code, err)
	}

	history.Write(db.DB, node, "command", true,
		fmt.Sprintf("[%d] %s %s", cmd.ID, cmd.Command, cmd.Argument),
		api.Creator, middleware.ExtractIP(r))
	api.Bus.Publish(events.Event{
		Type:     events.CommandPublished,
		Severity: events.SeverityInfo,
		NodeCode: node.Code,
		Message:  fmt.Sprintf("command %s queued for node %s", cmd.Command, node.Code),
	})

	JSONResponse(w, cmd)
}
