package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"stardust/internal/commands"
	"stardust/internal/config"
	"stardust/internal/db"
	"stardust/internal/events"
	"stardust/internal/history"
	"stardust/internal/middleware"
	"stardust/internal/nodes"
	"stardust/internal/presence"
	"stardust/internal/push"
	"stardust/internal/token"
	"stardust/internal/upgrade"
)

// maxReportBody caps command report uploads (screenshots, log bundles).
const maxReportBody = 64 << 20

// NodeAPI is the request-handling layer sequencing identity, token,
// presence, command, and upgrade calls for the agent-facing endpoints.
type NodeAPI struct {
	Tracker    *presence.Tracker
	Dispatcher *commands.Dispatcher
	Hub        *push.Hub
	Bus        *events.Bus
	Creator    string // server instance name stamped on audit records
}

// LoginInfo is the credential + fingerprint claim an agent presents.
type LoginInfo struct {
	Code   string         `json:"code"`
	Secret string         `json:"secret"`
	Node   nodes.NodeInfo `json:"node"`
}

// LoginResponse returns the session token. Code and Secret are disclosed
// only when the node was (re)registered on this call — the one place a node
// learns its credential pair.
type LoginResponse struct {
	Name   string `json:"name,omitempty"`
	Token  string `json:"token,omitempty"`
	Code   string `json:"code,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// PingInfo carries the agent's heartbeat metrics.
type PingInfo struct {
	Time            int64   `json:"time"` // client clock, unix milliseconds
	AvailableMemory int64   `json:"available_memory,omitempty"`
	CpuRate         float64 `json:"cpu_rate,omitempty"`
	Uptime          int64   `json:"uptime,omitempty"`
	Delay           int     `json:"delay,omitempty"`
}

// PingResponse echoes the client time, carries the server clock, the
// heartbeat period, and any pending commands.
type PingResponse struct {
	Time       int64            `json:"time"`
	ServerTime int64            `json:"server_time"`
	Period     int              `json:"period,omitempty"`
	Commands   []commands.Model `json:"commands,omitempty"`
}

// UpgradeResponse describes the selected version rule. Force tells the agent
// to apply and restart immediately; everything else is advisory.
type UpgradeResponse struct {
	Version     string `json:"version"`
	Source      string `json:"source"`
	Executor    string `json:"executor,omitempty"`
	Force       bool   `json:"force"`
	Description string `json:"description,omitempty"`
}

// ResolveToken decodes a session token and resolves its subject to a node.
// Token failures come back as token errors; an unknown subject comes back as
// (nil, nil) so callers can treat not-found as unauthenticated.
func ResolveToken(tok string) (*nodes.Node, error) {
	cfg := config.Load()
	claims, err := token.Decode(tok, cfg.TokenSecret)
	if err != nil {
		return nil, err
	}
	return nodes.FindByCode(db.DB, claims.Sub)
}

// ─── Login / Logout ───────────────────────────────────────────────────────────

// loginOutcome names the branch the login decision took, keeping the audit
// trail aligned with the actual path.
type loginOutcome string

const (
	outcomeAccepted     loginOutcome = "accepted"
	outcomeReRegistered loginOutcome = "re-registered"
)

// Login authenticates or registers an agent.
// POST /node/login
func (api *NodeAPI) Login(w http.ResponseWriter, r *http.Request) {
	var inf LoginInfo
	if err := json.NewDecoder(r.Body).Decode(&inf); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest, CodeAuthFailed)
		return
	}

	cfg := config.Load()
	host := middleware.ExtractIP(r)

	node, err := nodes.FindByCode(db.DB, inf.Code)
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError, CodeAuthFailed)
		return
	}

	outcome := outcomeAccepted
	if node == nil {
		// Unknown code: the only way in is auto-registration.
		node, err = api.register(nil, inf.Node, host, cfg)
		if err != nil {
			api.rejectLogin(w, nil, err, host)
			return
		}
		outcome = outcomeReRegistered
	} else {
		if !node.Enabled {
			history.Write(db.DB, node, "node login", false, "node disabled", api.Creator, host)
			JSONError(w, "Login forbidden", http.StatusForbidden, CodeForbidden)
			return
		}

		if verr := nodes.Verify(node, inf.Node); verr != nil {
			// Hard fingerprint mismatch: never reuse the stored identity.
			history.Write(db.DB, node, "login check", false, verr.Error(), api.Creator, host)
			api.Bus.Publish(events.Event{
				Type:     events.FingerprintConflict,
				Severity: events.SeverityWarning,
				NodeCode: node.Code,
				Message:  verr.Error(),
			})
			if !cfg.AutoRegister {
				JSONError(w, verr.Error(), http.StatusConflict, CodeConflict)
				return
			}
			node, err = api.register(nil, inf.Node, host, cfg)
			if err != nil {
				api.rejectLogin(w, node, err, host)
				return
			}
			outcome = outcomeReRegistered
		} else if !nodes.SecretMatches(node, inf.Secret) {
			// Secret unset, missing, or wrong: dynamic re-registration
			// keeps the identity and rotates the credential.
			node, err = api.register(node, inf.Node, host, cfg)
			if err != nil {
				api.rejectLogin(w, node, err, host)
				return
			}
			outcome = outcomeReRegistered
		}
	}

	if node == nil {
		api.rejectLogin(w, nil, errors.New("node authentication failed"), host)
		return
	}

	if outcome == outcomeAccepted {
		node.ApplyLogin(inf.Node, host)
		if err := nodes.Update(db.DB, node); err != nil {
			log.Printf("⚠️  Could not persist login snapshot for node %s: %v", node.Code, err)
		}
	}

	tok, err := token.Issue(node.Code, cfg.TokenSecret, cfg.TokenExpire)
	if err != nil {
		JSONError(w, "Token issue failed", http.StatusInternalServerError, CodeAuthFailed)
		return
	}

	if _, err := api.Tracker.Touch(r.Context(), node, host, tok); err != nil {
		log.Printf("⚠️  Could not record online session for node %s: %v", node.Code, err)
	}

	history.Write(db.DB, node, "node login", true,
		fmt.Sprintf("[%s/%s] %s", node.Name, node.Code, outcome), api.Creator, host)

	rs := LoginResponse{Name: node.Name, Token: tok}
	if outcome == outcomeReRegistered {
		rs.Code = node.Code
		rs.Secret = node.Secret
	}
	JSONResponse(w, rs)
}

func (api *NodeAPI) register(existing *nodes.Node, di nodes.NodeInfo, host string, cfg config.Config) (*nodes.Node, error) {
	node, err := nodes.AutoRegister(db.DB, existing, di, host, cfg)
	if err != nil {
		return nil, err
	}
	api.Bus.Publish(events.Event{
		Type:     events.NodeRegistered,
		Severity: events.SeverityWarning,
		NodeCode: node.Code,
		Message:  fmt.Sprintf("node %s (%s) auto-registered from %s", node.Code, node.Name, host),
	})
	return node, nil
}

func (api *NodeAPI) rejectLogin(w http.ResponseWriter, node *nodes.Node, err error, host string) {
	history.Write(db.DB, node, "node login", false, err.Error(), api.Creator, host)
	api.Bus.Publish(events.Event{
		Type:     events.LoginRejected,
		Severity: events.SeverityWarning,
		Message:  err.Error(),
	})
	if errors.Is(err, nodes.ErrRegisterDisabled) {
		JSONError(w, err.Error(), http.StatusForbidden, CodeAuthFailed)
		return
	}
	JSONError(w, "Node authentication failed", http.StatusUnauthorized, CodeAuthFailed)
}

// Logout ends the node's session. It silently no-ops on an invalid or
// unknown token and echoes the node name either way.
// GET|POST /node/logout
func (api *NodeAPI) Logout(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	host := middleware.ExtractIP(r)

	node, err := ResolveToken(BearerToken(r))
	if err != nil || node == nil {
		JSONResponse(w, LoginResponse{})
		return
	}

	olt, err := api.Tracker.Logout(r.Context(), node, host, reason)
	if err != nil {
		log.Printf("⚠️  Logout for node %s: %v", node.Code, err)
	}
	if olt != nil {
		msg := fmt.Sprintf("%s [%s] online since %s, last active %s",
			reason, node.Name,
			olt.CreateTime.Format(time.RFC3339), olt.UpdateTime.Format(time.RFC3339))
		history.Write(db.DB, node, "node logout", true, msg, api.Creator, host)
		api.Bus.Publish(events.Event{
			Type:     events.NodeOffline,
			Severity: events.SeverityInfo,
			NodeCode: node.Code,
			Message:  fmt.Sprintf("node %s logged out: %s", node.Code, reason),
		})
	}

	JSONResponse(w, LoginResponse{Name: node.Name})
}

// ─── Heartbeat ────────────────────────────────────────────────────────────────

// Ping is the authenticated heartbeat: it refreshes the presence record and
// returns pending commands. With no usable token it degrades to the
// anonymous echo rather than failing — a heartbeat only errors when nothing
// at all can be answered.
// POST /node/ping
func (api *NodeAPI) Ping(w http.ResponseWriter, r *http.Request) {
	var inf PingInfo
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&inf)
	}

	rs := PingResponse{
		Time:       inf.Time,
		ServerTime: time.Now().UnixMilli(),
	}

	tok := BearerToken(r)
	node, err := ResolveToken(tok)
	if err != nil || node == nil {
		JSONResponse(w, rs)
		return
	}

	cfg := config.Load()
	host := middleware.ExtractIP(r)

	rs.Period = node.Period
	if rs.Period <= 0 {
		rs.Period = cfg.HeartbeatPeriod
	}

	if _, err := api.Tracker.Touch(r.Context(), node, host, tok); err != nil {
		log.Printf("⚠️  Could not refresh online session for node %s: %v", node.Code, err)
	}

	cmds, err := api.Dispatcher.Acquire(node.ID)
	if err != nil {
		// Command trouble never fails a heartbeat.
		log.Printf("⚠️  Command acquire for node %s: %v", node.Code, err)
	}
	rs.Commands = cmds

	JSONResponse(w, rs)
}

// PingAnonymous answers with the server clock only.
// GET /node/ping
func (api *NodeAPI) PingAnonymous(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, PingResponse{ServerTime: time.Now().UnixMilli()})
}

// ─── Report ───────────────────────────────────────────────────────────────────

// Report accepts a command's binary result payload (screenshot, log bundle)
// and attaches the stored artifact path to the command. Unknown or foreign
// command ids are a silent no-op.
// POST /node/report?id=
func (api *NodeAPI) Report(w http.ResponseWriter, r *http.Request) {
	node, err := ResolveToken(BearerToken(r))
	if err != nil {
		JSONError(w, "Node not logged in", http.StatusUnauthorized, CodeNotLoggedIn)
		return
	}
	if node == nil {
		JSONError(w, "Node not logged in", http.StatusUnauthorized, CodeInvalidToken)
		return
	}

	var id int64
	fmt.Sscanf(r.URL.Query().Get("id"), "%d", &id)
	cmd, err := commands.FindByID(db.DB, id)
	if err != nil || cmd == nil || cmd.NodeID != node.ID {
		JSONResponse(w, map[string]string{})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBody))
	if err != nil || len(body) == 0 {
		JSONResponse(w, map[string]string{})
		return
	}

	path, err := saveArtifact(config.Load().DataDir, cmd, body)
	if err != nil {
		log.Printf("⚠️  Could not store report for command %d: %v", cmd.ID, err)
		JSONError(w, "Artifact store failed", http.StatusInternalServerError, CodeAuthFailed)
		return
	}

	if err := commands.SaveResult(db.DB, cmd.ID, path); err != nil {
		log.Printf("⚠️  Could not attach result to command %d: %v", cmd.ID, err)
	}
	history.Write(db.DB, node, cmd.Command, true, path, api.Creator, middleware.ExtractIP(r))

	JSONResponse(w, map[string]string{"result": path})
}

// saveArtifact writes an uploaded payload under the data directory, grouped
// by command verb and day.
func saveArtifact(dataDir string, cmd *commands.Command, body []byte) (string, error) {
	ext := "bin"
	switch cmd.Command {
	case "screenshot":
		ext = "png"
	case "log":
		ext = "log"
	}

	dir := filepath.Join(dataDir, cmd.Command, time.Now().Format("20060102"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%d.%s", cmd.NodeID, cmd.ID, ext))
	if err := os.WriteFile(path, body, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ─── Upgrade ──────────────────────────────────────────────────────────────────

// Upgrade checks for a published version matching the node on the requested
// channel. No match is an empty response, not an error.
// GET /node/upgrade?channel=
func (api *NodeAPI) Upgrade(w http.ResponseWriter, r *http.Request) {
	node, err := ResolveToken(BearerToken(r))
	if err != nil {
		JSONError(w, "Node not logged in", http.StatusUnauthorized, CodeNotLoggedIn)
		return
	}
	if node == nil {
		JSONError(w, "Node not logged in", http.StatusUnauthorized, CodeInvalidToken)
		return
	}

	channel := r.URL.Query().Get("channel")
	rule, err := upgrade.SelectVersion(db.DB, node, channel)
	if err != nil {
		JSONError(w, "Version lookup failed", http.StatusInternalServerError, CodeAuthFailed)
		return
	}
	if rule == nil {
		JSONResponse(w, nil)
		return
	}

	host := middleware.ExtractIP(r)
	history.Write(db.DB, node, "upgrade", true,
		fmt.Sprintf("channel=%s => [%d] %s %s %s", upgrade.ParseChannel(channel), rule.ID, rule.Version, rule.Source, rule.Executor),
		api.Creator, host)
	api.Bus.Publish(events.Event{
		Type:     events.UpgradeOffered,
		Severity: events.SeverityInfo,
		NodeCode: node.Code,
		Message:  fmt.Sprintf("node %s offered version %s on %s", node.Code, rule.Version, upgrade.ParseChannel(channel)),
	})

	JSONResponse(w, UpgradeResponse{
		Version:     rule.Version,
		Source:      rule.Source,
		Executor:    rule.Executor,
		Force:       rule.Force,
		Description: rule.Description,
	})
}
