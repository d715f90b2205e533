package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/voyagehost/voyage/internal/catalog"
	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/store"
)

func (o *Orchestrator) GetServer(id string) (*model.Server, error) {
	row := o.db.QueryRow("SELECT "+store.ServerCols+" FROM servers WHERE id = ?", id)
	server, err := store.ScanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return server, nil
}

// ListServers returns servers newest first, optionally scoped to one user.
func (o *Orchestrator) ListServers(userID string) ([]*model.Server, error) {
	query := "SELECT " + store.ServerCols + " FROM servers ORDER BY created_at DESC"
	args := []any{}
	if userID != "" {
		query = "SELECT " + store.ServerCols + " FROM servers WHERE user_id = ? ORDER BY created_at DESC"
		args = append(args, userID)
	}

	rows, err := o.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := []*model.Server{}
	for rows.Next() {
		server, err := store.ScanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// SetStatus dispatches a lifecycle action and optimistically moves the
// row to the state the agent is about to converge it to. The reconciler
// corrects the row if the agent disagrees.
func (o *Orchestrator) SetStatus(id, action string) (*model.Server, error) {
	server, err := o.GetServer(id)
	if err != nil {
		return nil, err
	}

	switch action {
	case "stop":
		if _, err := o.bus.Enqueue(server.NodeID, model.CmdStopServer, StopPayload{ServerID: server.ID}); err != nil {
			return nil, fmt.Errorf("dispatching stop: %w", err)
		}
		server.Status = model.ServerStopped

	case "start", "restart":
		node, err := o.nodes.Get(server.NodeID)
		if err != nil {
			return nil, fmt.Errorf("loading node: %w", err)
		}
		template, err := catalog.Get(server.GameType)
		if err != nil {
			// Custom images have no template; fall back to the stored shape.
			template = catalog.Template{Image: server.Image, DefaultPort: server.Port}
		}

		kind := model.CmdStartServer
		if action == "restart" {
			kind = model.CmdRestartServer
		}
		payload := StartPayload{
			ServerID:      server.ID,
			Image:         server.Image,
			Port:          server.Port,
			InternalPort:  template.DefaultPort,
			MemoryLimitMB: server.MemoryLimitMB,
			Env:           buildEnv(template, server, node),
			BindIP:        bindIP(node),
		}
		if _, err := o.bus.Enqueue(server.NodeID, kind, payload); err != nil {
			return nil, fmt.Errorf("dispatching %s: %w", action, err)
		}
		server.Status = model.ServerStarting

	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}

	_, err = o.db.Exec("UPDATE servers SET status = ? WHERE id = ?", string(server.Status), id)
	if err != nil {
		return nil, fmt.Errorf("persisting status: %w", err)
	}
	log.Printf("server %s action %s dispatched to node %s", id, action, server.NodeID)
	return server, nil
}

// UpdateConfig replaces the server's env and memory budget, then restarts
// it so the agent applies the change.
func (o *Orchestrator) UpdateConfig(id string, env []string, memoryLimitMB int) (*model.Server, error) {
	if _, err := o.GetServer(id); err != nil {
		return nil, err
	}

	if env != nil {
		encoded, err := store.EncodeEnv(env)
		if err != nil {
			return nil, err
		}
		if _, err := o.db.Exec("UPDATE servers SET env_json = ? WHERE id = ?", encoded, id); err != nil {
			return nil, fmt.Errorf("persisting env: %w", err)
		}
	}
	if memoryLimitMB > 0 {
		if _, err := o.db.Exec("UPDATE servers SET memory_limit_mb = ? WHERE id = ?", memoryLimitMB, id); err != nil {
			return nil, fmt.Errorf("persisting memory limit: %w", err)
		}
	}

	return o.SetStatus(id, "restart")
}

// Delete tears a server down: DNS records, a purging stop command, the
// row itself, and any commands still queued for it. DNS and command
// dispatch failures are logged but do not block removal.
func (o *Orchestrator) Delete(id string) error {
	server, err := o.GetServer(id)
	if err != nil {
		return err
	}

	if server.Subdomain != "" && o.dns != nil {
		label := strings.SplitN(server.Subdomain, ".", 2)[0]
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := o.dns.DeleteRecord(ctx, label); err != nil {
			log.Printf("error removing dns records for server %s: %s", id, err)
		}
		cancel()
	}

	// Prune queued work that references the server before dispatching the
	// purge, so the purge itself survives. Claimed and settled rows stay
	// for the correlation window.
	_, err = o.db.Exec("DELETE FROM commands WHERE status = ? AND payload LIKE ?",
		string(model.CommandPending), `%"serverId":"`+id+`"%`)
	if err != nil {
		log.Printf("error pruning pending commands for server %s: %s", id, err)
	}

	if _, err := o.bus.Enqueue(server.NodeID, model.CmdStopServer, StopPayload{ServerID: server.ID, Purge: true}); err != nil {
		log.Printf("error dispatching purge for server %s: %s", id, err)
	}

	if _, err := o.db.Exec("DELETE FROM servers WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}

	log.Printf("server %s deleted", id)
	return nil
}
