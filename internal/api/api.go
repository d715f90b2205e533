// Package api is the control plane's HTTP surface: operator endpoints
// guarded by the internal secret, agent endpoints guarded by per-node
// credentials, and the WebSocket console stream.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/voyagehost/voyage/internal/catalog"
	"github.com/voyagehost/voyage/internal/cmdbus"
	"github.com/voyagehost/voyage/internal/hub"
	"github.com/voyagehost/voyage/internal/metrics"
	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/mods"
	"github.com/voyagehost/voyage/internal/orchestrator"
	"github.com/voyagehost/voyage/internal/registry"
	"github.com/voyagehost/voyage/internal/remedy"
	"github.com/voyagehost/voyage/internal/store"
)

const consoleTimeout = 10 * time.Second

type Server struct {
	db             *store.DB
	registry       *registry.Registry
	bus            *cmdbus.Bus
	orch           *orchestrator.Orchestrator
	remedy         *remedy.Engine
	hub            *hub.Hub
	internalSecret string
}

func New(db *store.DB, reg *registry.Registry, bus *cmdbus.Bus, orch *orchestrator.Orchestrator, engine *remedy.Engine, h *hub.Hub, internalSecret string) *Server {
	s := &Server{
		db:             db,
		registry:       reg,
		bus:            bus,
		orch:           orch,
		remedy:         engine,
		hub:            h,
		internalSecret: internalSecret,
	}

	// Agents return GET_LOGS output through the bus; fan it into the
	// console stream so attached clients see the refreshed snapshot.
	bus.OnComplete(func(cmd *model.Command, res cmdbus.Result) {
		if cmd.Kind != model.CmdGetLogs || !res.OK || h == nil {
			return
		}
		var payload struct {
			ServerID string `json:"serverId"`
		}
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.ServerID == "" {
			return
		}
		var out struct {
			Logs string `json:"logs"`
		}
		if err := json.Unmarshal(res.Data, &out); err != nil || out.Logs == "" {
			return
		}
		h.Publish(hub.LogTopic(payload.ServerID), []byte(out.Logs))
	})

	return s
}

// Handler builds the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	// Agent surface.
	router.POST("/nodes/register", s.handleRegister)
	router.POST("/nodes/heartbeat", withNode(s.registry, s.handleHeartbeat))
	router.GET("/commands/poll", withNode(s.registry, s.handlePoll))
	router.POST("/commands/:id/complete", withNode(s.registry, s.handleComplete))
	router.POST("/ai/report", withNode(s.registry, s.handleReport))

	// Operator surface.
	router.GET("/nodes", withInternal(s.internalSecret, s.handleListNodes))
	router.DELETE("/nodes/:id", withInternal(s.internalSecret, s.handleRemoveNode))
	router.GET("/servers", withInternal(s.internalSecret, s.handleListServers))
	router.POST("/servers", withInternal(s.internalSecret, s.handleDeploy))
	router.GET("/servers/:id", withInternal(s.internalSecret, s.handleGetServer))
	router.PATCH("/servers/:id", withInternal(s.internalSecret, s.handleUpdateServer))
	router.DELETE("/servers/:id", withInternal(s.internalSecret, s.handleDeleteServer))
	router.POST("/servers/:id/start", withInternal(s.internalSecret, s.handleAction("start")))
	router.POST("/servers/:id/stop", withInternal(s.internalSecret, s.handleAction("stop")))
	router.POST("/servers/:id/restart", withInternal(s.internalSecret, s.handleAction("restart")))
	router.GET("/servers/:id/logs", withInternal(s.internalSecret, s.handleLogs))
	router.POST("/servers/:id/console", withInternal(s.internalSecret, s.handleConsoleExec))
	router.GET("/servers/:id/console", withInternal(s.internalSecret, s.handleConsoleStream))
	router.POST("/commands", withInternal(s.internalSecret, s.handleEnqueue))
	router.GET("/tickets", withInternal(s.internalSecret, s.handleListTickets))
	router.POST("/tickets/:id/resolve", withInternal(s.internalSecret, s.handleResolveTicket))

	// Reads that carry no tenant data.
	router.GET("/games", s.handleListGames)
	router.GET("/mods", s.handleListMods)
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Write([]byte("ok"))
	})

	return withLogging(router)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := registry.RegisterRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, 400, fmt.Errorf("decoding body: %w", err))
		return
	}

	node, err := s.registry.Register(req)
	if errors.Is(err, registry.ErrUnauthorized) {
		w.WriteHeader(401)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}
	respondJSON(w, 201, map[string]string{"nodeId": node.ID, "apiKey": node.APIKey})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	nodeID := r.URL.Query().Get("nodeId")

	usage := model.UsageReport{}
	if err := json.NewDecoder(r.Body).Decode(&usage); err != nil {
		respondError(w, 400, fmt.Errorf("decoding body: %w", err))
		return
	}

	err := s.registry.Heartbeat(nodeID, usage)
	if errors.Is(err, registry.ErrNotFound) {
		w.WriteHeader(404)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cmd, err := s.bus.PollNext(r.URL.Query().Get("nodeId"))
	if err != nil {
		respondError(w, 500, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(204)
		return
	}
	respondJSON(w, 200, cmd)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data,omitempty"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, 400, fmt.Errorf("decoding body: %w", err))
		return
	}

	err := s.bus.Complete(ps.ByName("id"), r.URL.Query().Get("nodeId"), body.Success, body.Data)
	if errors.Is(err, cmdbus.ErrUnknownCommand) {
		w.WriteHeader(404)
		return
	}
	if errors.Is(err, cmdbus.ErrNotClaimed) {
		respondError(w, 409, err)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	report := remedy.Report{}
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		respondError(w, 400, fmt.Errorf("decoding body: %w", err))
		return
	}

	outcome, err := s.remedy.Diagnose(r.Context(), r.URL.Query().Get("nodeId"), report)
	if err != nil {
		respondError(w, 500, err)
		return
	}
	respondJSON(w, 200, outcome)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	nodes, err := s.registry.List()
	if err != nil {
		respondError(w, 500, err)
		return
	}
	respondJSON(w, 200, nodes)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := s.bus.DropForNode(id); err != nil {
		log.Printf("error dropping commands for node %s: %s", id, err)
	}

	err := s.registry.Remove(id)
	if errors.Is(err, registry.ErrNotFound) {
		w.WriteHeader(404)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	servers, err := s.orch.ListServers(r.URL.Query().Get("userId"))
	if err != nil {
		respondError(w, 500, err)
		return
	}
	respondJSON(w, 200, servers)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := orchestrator.DeployRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, 400, fmt.Errorf("decoding body: %w", err))
		return
	}

	server, err := s.orch.Deploy(req)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownGameType):
		respondError(w, 400, err)
	case errors.Is(err, orchestrator.ErrNoCapacity):
		respondError(w, 503, err)
	case err != nil:
		respondError(w, 500, err)
	default:
		respondJSON(w, 201, server)
	}
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	server, err := s.orch.GetServer(ps.ByName("id"))
	if errors.Is(err, orchestrator.ErrNotFound) {
		w.WriteHeader(404)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}
	respondJSON(w, 200, server)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body := struct {
		Env           []string `json:"env"`
		MemoryLimitMB int      `json:"memoryLimitMb"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, 400, fmt.Errorf("decoding body: %w", err))
		return
	}

	server, err := s.orch.UpdateConfig(ps.ByName("id"), body.Env, body.MemoryLimitMB)
	if errors.Is(err, orchestrator.ErrNotFound) {
		w.WriteHeader(404)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}
	respondJSON(w, 200, server)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	err := s.orch.Delete(id)
	if errors.Is(err, orchestrator.ErrNotFound) {
		w.WriteHeader(404)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}
	if s.hub != nil {
		s.hub.Reset(hub.LogTopic(id))
		s.hub.Reset(hub.StatsTopic(id))
	}
	w.WriteHeader(204)
}

func (s *Server) handleAction(action string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		server, err := s.orch.SetStatus(ps.ByName("id"), action)
		if errors.Is(err, orchestrator.ErrNotFound) {
			w.WriteHeader(404)
			return
		}
		if err != nil {
			respondError(w, 500, err)
			return
		}
		respondJSON(w, 200, server)
	}
}

// handleLogs returns the buffered console snapshot and asks the agent
// for a fresh dump in the background.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	server, err := s.orch.GetServer(id)
	if errors.Is(err, orchestrator.ErrNotFound) {
		w.WriteHeader(404)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}

	if _, err := s.bus.Enqueue(server.NodeID, model.CmdGetLogs, map[string]string{"serverId": id}); err != nil {
		log.Printf("error requesting log refresh for server %s: %s", id, err)
	}

	lines := s.hub.History(hub.LogTopic(id))
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	respondJSON(w, 200, map[string]any{"lines": out})
}

// handleConsoleExec runs one command inside the server and waits for the
// agent's answer.
func (s *Server) handleConsoleExec(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	body := struct {
		Command string `json:"command"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		respondError(w, 400, errors.New("a command is required"))
		return
	}

	server, err := s.orch.GetServer(id)
	if errors.Is(err, orchestrator.ErrNotFound) {
		w.WriteHeader(404)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}

	cmdID, err := s.bus.Enqueue(server.NodeID, model.CmdExecCommand,
		map[string]string{"serverId": id, "command": body.Command})
	if err != nil {
		respondError(w, 500, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	data, err := s.bus.WaitForResult(ctx, cmdID, consoleTimeout)
	switch {
	case errors.Is(err, cmdbus.ErrTimeout):
		respondError(w, 504, err)
	case errors.Is(err, cmdbus.ErrLost):
		respondError(w, 502, err)
	case errors.Is(err, cmdbus.ErrAgentFailure):
		respondError(w, 502, err)
	case err != nil:
		respondError(w, 500, err)
	default:
		respondJSON(w, 200, map[string]json.RawMessage{"result": data})
	}
}

func (s *Server) handleConsoleStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.hub.Serve(hub.LogTopic(ps.ByName("id")), w, r)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body := struct {
		TargetNodeID string            `json:"targetNodeId"`
		Type         model.CommandKind `json:"type"`
		Payload      json.RawMessage   `json:"payload,omitempty"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, 400, fmt.Errorf("decoding body: %w", err))
		return
	}
	if body.TargetNodeID == "" || body.Type == "" {
		respondError(w, 400, errors.New("targetNodeId and type are required"))
		return
	}

	id, err := s.bus.Enqueue(body.TargetNodeID, body.Type, body.Payload)
	if err != nil {
		respondError(w, 500, err)
		return
	}
	respondJSON(w, 201, map[string]string{"commandId": id})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rows, err := s.db.Query("SELECT " + store.TicketCols + " FROM tickets ORDER BY created_at DESC")
	if err != nil {
		respondError(w, 500, err)
		return
	}
	defer rows.Close()

	tickets := []*model.Ticket{}
	for rows.Next() {
		ticket, err := store.ScanTicket(rows)
		if err != nil {
			respondError(w, 500, err)
			return
		}
		tickets = append(tickets, ticket)
	}
	respondJSON(w, 200, tickets)
}

func (s *Server) handleResolveTicket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body := struct {
		Resolution string `json:"resolution"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, 400, fmt.Errorf("decoding body: %w", err))
		return
	}

	id := ps.ByName("id")
	res, err := s.db.Exec("UPDATE tickets SET status = ?, resolution = ? WHERE id = ?",
		string(model.TicketResolved), body.Resolution, id)
	if err != nil {
		respondError(w, 500, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		w.WriteHeader(404)
		return
	}

	row := s.db.QueryRow("SELECT "+store.TicketCols+" FROM tickets WHERE id = ?", id)
	ticket, err := store.ScanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		w.WriteHeader(404)
		return
	}
	if err != nil {
		respondError(w, 500, err)
		return
	}
	respondJSON(w, 200, ticket)
}

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	respondJSON(w, 200, catalog.List())
}

func (s *Server) handleListMods(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	respondJSON(w, 200, mods.List(r.URL.Query().Get("gameType")))
}
