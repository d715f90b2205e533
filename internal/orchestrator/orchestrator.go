// Package orchestrator owns the server fleet: multi-phase provisioning,
// lifecycle actions, and teardown. Placement picks the first online node
// that satisfies the template's OS requirement, preferring the requested
// location when any such node is available.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagehost/voyage/internal/catalog"
	"github.com/voyagehost/voyage/internal/dns"
	"github.com/voyagehost/voyage/internal/metrics"
	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/mods"
	"github.com/voyagehost/voyage/internal/store"
)

var (
	ErrUnknownGameType = catalog.ErrUnknownGameType
	ErrNoCapacity      = errors.New("no online nodes satisfy the placement constraints")
	ErrNotFound        = errors.New("server not found")
)

const (
	portRangeStart = 20000
	portRangeEnd   = 21000
)

// NodeSource is the slice of the registry the orchestrator needs.
type NodeSource interface {
	ListOnline(locationFilter, osFilter string) ([]*model.Node, error)
	Get(nodeID string) (*model.Node, error)
}

// Dispatcher is the slice of the command bus the orchestrator needs.
type Dispatcher interface {
	Enqueue(nodeID string, kind model.CommandKind, payload any) (string, error)
}

// StepOutcome classifies how a provisioning phase ended. Degraded steps
// (DNS without credentials, for example) let the deployment proceed with
// reduced functionality instead of failing it.
type StepOutcome int

const (
	StepSucceeded StepOutcome = iota
	StepSkippedDegraded
	StepFailed
)

type StepResult struct {
	Outcome StepOutcome
	Reason  string
	Err     error
}

func succeeded() StepResult             { return StepResult{Outcome: StepSucceeded} }
func degraded(reason string) StepResult { return StepResult{Outcome: StepSkippedDegraded, Reason: reason} }

// DeployRequest is an operator's create-server call.
type DeployRequest struct {
	UserID        string   `json:"userId"`
	GameType      string   `json:"gameType"`
	MemoryLimitMB int      `json:"memoryLimitMb"`
	Env           []string `json:"env,omitempty"`
	Location      string   `json:"location,omitempty"`
	Mods          []string `json:"mods,omitempty"`
}

// StartPayload is the body of START_SERVER and RESTART_SERVER commands.
type StartPayload struct {
	ServerID      string          `json:"serverId"`
	Image         string          `json:"image"`
	Port          int             `json:"port"`
	InternalPort  int             `json:"internalPort"`
	MemoryLimitMB int             `json:"memoryLimitMb"`
	Env           []string        `json:"env"`
	Mods          []mods.Template `json:"mods,omitempty"`
	BindIP        string          `json:"bindIp"`
}

// StopPayload is the body of STOP_SERVER commands. Purge tells the agent
// to delete the server's data volume as well.
type StopPayload struct {
	ServerID string `json:"serverId"`
	Purge    bool   `json:"purge,omitempty"`
}

type Orchestrator struct {
	db    *store.DB
	nodes NodeSource
	bus   Dispatcher
	dns   dns.Provider

	taskMu sync.Mutex
	tasks  map[string]bool
}

// New wires the orchestrator's collaborators. dnsProvider may be nil, in
// which case every DNS step degrades.
func New(db *store.DB, nodes NodeSource, bus Dispatcher, dnsProvider dns.Provider) *Orchestrator {
	return &Orchestrator{
		db:    db,
		nodes: nodes,
		bus:   bus,
		dns:   dnsProvider,
		tasks: map[string]bool{},
	}
}

// Deploy validates the request, places the server, persists the
// provisional row, and kicks off the background provisioning task. It
// returns as soon as the row exists; callers watch Progress.
func (o *Orchestrator) Deploy(req DeployRequest) (*model.Server, error) {
	template, err := catalog.Get(req.GameType)
	if err != nil {
		return nil, err
	}

	node, err := o.placeOn(template, req.Location)
	if err != nil {
		return nil, err
	}

	name := serverName(req.Env)
	server := &model.Server{
		ID:                 uuid.New().String(),
		UserID:             req.UserID,
		NodeID:             node.ID,
		GameType:           req.GameType,
		Name:               name,
		Image:              template.Image,
		MemoryLimitMB:      req.MemoryLimitMB,
		Env:                req.Env,
		Status:             model.ServerProvisioning,
		Progress:           5,
		HibernationEnabled: true,
		SFTPUsername:       "user_" + shortID(8),
		SFTPPassword:       shortID(16),
		CreatedAt:          time.Now(),
	}
	if server.Env == nil {
		server.Env = []string{}
	}

	if err := o.insertServer(server); err != nil {
		return nil, fmt.Errorf("persisting server: %w", err)
	}
	metrics.DeploymentsStarted.Inc()
	log.Printf("server %s (%s) placed on node %s, provisioning queued", server.ID, server.Name, node.ID)

	o.spawnDeploy(server.ID, template, req.Mods)
	return server, nil
}

// placeOn applies the placement filter chain: online, OS-compatible,
// location preferred but not required.
func (o *Orchestrator) placeOn(template catalog.Template, location string) (*model.Node, error) {
	candidates, err := o.nodes.ListOnline("", template.RequiredOS)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCapacity
	}

	if location != "" {
		regional := []*model.Node{}
		for _, n := range candidates {
			if n.Location == location {
				regional = append(regional, n)
			}
		}
		if len(regional) > 0 {
			candidates = regional
		}
	}
	return candidates[0], nil
}

// spawnDeploy starts the provisioning pipeline unless one is already
// running for this server.
func (o *Orchestrator) spawnDeploy(serverID string, template catalog.Template, modIDs []string) {
	o.taskMu.Lock()
	if o.tasks[serverID] {
		o.taskMu.Unlock()
		return
	}
	o.tasks[serverID] = true
	o.taskMu.Unlock()

	go func() {
		defer func() {
			o.taskMu.Lock()
			delete(o.tasks, serverID)
			o.taskMu.Unlock()
		}()
		if err := o.runDeploy(serverID, template, modIDs); err != nil {
			metrics.DeploymentsFailed.Inc()
			log.Printf("error provisioning server %s: %s", serverID, err)
			o.markFailed(serverID, err)
		}
	}()
}

// runDeploy is the provisioning pipeline. Progress values are coarse
// checkpoints the dashboard renders.
func (o *Orchestrator) runDeploy(serverID string, template catalog.Template, modIDs []string) error {
	server, err := o.GetServer(serverID)
	if err != nil {
		return fmt.Errorf("loading server: %w", err)
	}
	node, err := o.nodes.Get(server.NodeID)
	if err != nil {
		return fmt.Errorf("target node disappeared: %w", err)
	}

	o.setProgress(serverID, 20)
	port, err := o.allocatePort(node.ID, serverID)
	if err != nil {
		return fmt.Errorf("allocating port: %w", err)
	}
	server.Port = port

	subdomain := ""
	if res := o.registerDNS(server, node, &subdomain); res.Outcome == StepFailed {
		return fmt.Errorf("registering dns: %w", res.Err)
	} else if res.Outcome == StepSkippedDegraded {
		log.Printf("server %s continues without dns: %s", serverID, res.Reason)
	}

	o.setProgress(serverID, 40)
	resolved := mods.ResolveDependencies(modIDs)

	_, err = o.db.Exec("UPDATE servers SET subdomain = ? WHERE id = ?", subdomain, serverID)
	if err != nil {
		return fmt.Errorf("persisting subdomain: %w", err)
	}

	o.setProgress(serverID, 60)
	payload := StartPayload{
		ServerID:      server.ID,
		Image:         server.Image,
		Port:          port,
		InternalPort:  template.DefaultPort,
		MemoryLimitMB: server.MemoryLimitMB,
		Env:           buildEnv(template, server, node),
		Mods:          resolved,
		BindIP:        bindIP(node),
	}
	if _, err := o.bus.Enqueue(node.ID, model.CmdStartServer, payload); err != nil {
		return fmt.Errorf("dispatching start command: %w", err)
	}

	_, err = o.db.Exec("UPDATE servers SET status = ?, progress = 100 WHERE id = ?",
		string(model.ServerStarting), serverID)
	if err != nil {
		return fmt.Errorf("finalizing server row: %w", err)
	}
	log.Printf("server %s provisioned on node %s port %d", serverID, node.ID, port)
	return nil
}

// registerDNS is the one pipeline phase that degrades instead of failing:
// a server without a subdomain is reachable by IP and port.
func (o *Orchestrator) registerDNS(server *model.Server, node *model.Node, subdomain *string) StepResult {
	if o.dns == nil {
		return degraded("no dns provider configured")
	}
	target := node.DNSTarget()
	if target == "" {
		return degraded("node has no public address")
	}

	label := dns.Sanitize(server.Name)
	if label == "" {
		label = "server-" + shortID(4)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	full, err := o.dns.CreateRecord(ctx, label, target)
	if err != nil {
		return degraded(fmt.Sprintf("dns registration failed: %s", err))
	}
	*subdomain = full
	return succeeded()
}

// allocatePort assigns a free game port on the node to the server and
// persists it. Ports already assigned to servers on the same node are
// collisions regardless of their status, since a stopped server keeps its
// port for restart.
func (o *Orchestrator) allocatePort(nodeID, serverID string) (int, error) {
	rows, err := o.db.Query("SELECT port FROM servers WHERE node_id = ? AND port != 0", nodeID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	taken := map[int]bool{}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return 0, err
		}
		taken[p] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	span := portRangeEnd - portRangeStart
	offset := rand.Intn(span)
	for i := 0; i < span; i++ {
		port := portRangeStart + (offset+i)%span
		if taken[port] {
			continue
		}
		ok, err := o.claimPort(nodeID, serverID, port)
		if err != nil {
			return 0, err
		}
		if ok {
			return port, nil
		}
		// Another pipeline claimed it between our read and the claim.
	}
	return 0, fmt.Errorf("port range %d-%d exhausted on node %s", portRangeStart, portRangeEnd, nodeID)
}

// claimPort writes the port onto the server row. The free-port check and
// the write are one conditional statement, so two pipelines provisioning
// onto the same node concurrently cannot both take the same port.
func (o *Orchestrator) claimPort(nodeID, serverID string, port int) (bool, error) {
	res, err := o.db.Exec(`
		UPDATE servers SET port = ?
		WHERE id = ? AND NOT EXISTS (
			SELECT 1 FROM servers WHERE node_id = ? AND port = ? AND id != ?
		)
	`, port, serverID, nodeID, port, serverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (o *Orchestrator) setProgress(serverID string, progress int) {
	if _, err := o.db.Exec("UPDATE servers SET progress = ? WHERE id = ?", progress, serverID); err != nil {
		log.Printf("error updating progress for server %s: %s", serverID, err)
	}
}

func (o *Orchestrator) markFailed(serverID string, cause error) {
	_, err := o.db.Exec("UPDATE servers SET status = ?, last_error = ? WHERE id = ?",
		string(model.ServerFailed), cause.Error(), serverID)
	if err != nil {
		log.Printf("error marking server %s failed: %s", serverID, err)
	}
}

// buildEnv merges the environment the agent starts the container with.
// Later entries win on the agent side, so the platform-controlled values
// come last.
func buildEnv(template catalog.Template, server *model.Server, node *model.Node) []string {
	env := []string{}
	env = append(env, template.DefaultEnv...)
	env = append(env, server.Env...)
	env = append(env,
		"SERVER_ID="+server.ID,
		"IP="+bindIP(node),
		fmt.Sprintf("PORT=%d", server.Port),
	)
	return env
}

func bindIP(node *model.Node) string {
	if node.VPNIP != "" {
		return node.VPNIP
	}
	return "0.0.0.0"
}

func serverName(env []string) string {
	for _, e := range env {
		if strings.HasPrefix(e, "SERVER_NAME=") {
			if name := strings.TrimPrefix(e, "SERVER_NAME="); name != "" {
				return name
			}
		}
	}
	return "Server-" + shortID(4)
}

func shortID(n int) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}

func (o *Orchestrator) insertServer(s *model.Server) error {
	env, err := store.EncodeEnv(s.Env)
	if err != nil {
		return err
	}
	_, err = o.db.Exec(`
		INSERT INTO servers (id, user_id, node_id, game_type, name, image, port, memory_limit_mb, env_json,
			status, progress, subdomain, last_error, player_count, cpu_usage, ram_usage_mb,
			last_player_activity, hibernation_enabled, sftp_username, sftp_password, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, NULL, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.NodeID, s.GameType, s.Name, s.Image, s.Port, s.MemoryLimitMB, env,
		string(s.Status), s.Progress, s.Subdomain, s.LastError,
		boolToInt(s.HibernationEnabled), s.SFTPUsername, s.SFTPPassword, store.FormatTime(s.CreatedAt))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
