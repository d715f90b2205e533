// Package reconciler converges stored server state with what agents
// actually report. It is the only writer of the LIVE status: optimistic
// transitions elsewhere settle here once an agent confirms them.
package reconciler

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/voyagehost/voyage/internal/concurrency"
	"github.com/voyagehost/voyage/internal/metrics"
	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/notify"
	"github.com/voyagehost/voyage/internal/store"
)

// Dispatcher is the slice of the command bus the reconciler needs.
type Dispatcher interface {
	Enqueue(nodeID string, kind model.CommandKind, payload any) (string, error)
}

// Publisher receives live stat updates for streaming to dashboards.
type Publisher interface {
	Publish(topic string, msg []byte)
}

type Reconciler struct {
	db       *store.DB
	bus      Dispatcher
	notifier notify.Notifier
	pub      Publisher

	idleWindow time.Duration
}

// New wires the reconciler. pub may be nil when no streaming hub is
// attached; idleWindow <= 0 defaults to 30 minutes.
func New(db *store.DB, bus Dispatcher, notifier notify.Notifier, pub Publisher, idleWindow time.Duration) *Reconciler {
	if idleWindow <= 0 {
		idleWindow = 30 * time.Minute
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Reconciler{db: db, bus: bus, notifier: notifier, pub: pub, idleWindow: idleWindow}
}

// ApplyHeartbeat converges this node's servers against the agent's
// container report. Servers the agent did not mention are gone as far as
// the node is concerned; servers it did mention move toward the observed
// state. Only rows that actually changed are written.
func (r *Reconciler) ApplyHeartbeat(nodeID string, states map[string]string, stats map[string]model.ContainerStats) {
	running := make([]string, 0, len(states))
	for id := range states {
		if id != "" && id != "none" {
			running = append(running, id)
		}
	}

	if err := r.markAbsentOffline(nodeID, running); err != nil {
		log.Printf("error converging absent servers on node %s: %s", nodeID, err)
	}

	for _, id := range running {
		if err := r.applyObserved(nodeID, id, states[id], stats[id]); err != nil {
			log.Printf("error converging server %s: %s", id, err)
		}
	}
}

// markAbsentOffline downs servers the agent stopped reporting. Lifecycle
// states the node has no say over (a row still being provisioned, or one
// the operator stopped on purpose) are left alone.
func (r *Reconciler) markAbsentOffline(nodeID string, running []string) error {
	query := `
		UPDATE servers SET status = ?, player_count = 0, cpu_usage = 0, ram_usage_mb = 0
		WHERE node_id = ? AND status NOT IN (?, ?, ?, ?)
	`
	args := []any{string(model.ServerOffline), nodeID,
		string(model.ServerOffline), string(model.ServerStopped),
		string(model.ServerProvisioning), string(model.ServerStarting)}

	if len(running) > 0 {
		query += " AND id NOT IN (" + placeholders(len(running)) + ")"
		for _, id := range running {
			args = append(args, id)
		}
	}

	_, err := r.db.Exec(query, args...)
	return err
}

func (r *Reconciler) applyObserved(nodeID, serverID, rawState string, stats model.ContainerStats) error {
	row := r.db.QueryRow("SELECT "+store.ServerCols+" FROM servers WHERE id = ? AND node_id = ?", serverID, nodeID)
	server, err := store.ScanServer(row)
	if err != nil {
		// Agents can report containers the control plane already deleted.
		return nil
	}

	observed := model.ServerStatus(rawState)
	if rawState == "RUNNING" {
		observed = model.ServerLive
	}

	sets := []string{}
	args := []any{}

	switch {
	case (server.Status == model.ServerProvisioning || server.Status == model.ServerStarting) && observed == model.ServerLive:
		sets = append(sets, "status = ?", "progress = 100")
		args = append(args, string(model.ServerLive))
	case server.Status != observed:
		sets = append(sets, "status = ?")
		args = append(args, string(observed))
	}

	players := len(stats.Players)
	if server.PlayerCount != players {
		sets = append(sets, "player_count = ?")
		args = append(args, players)
	}
	if server.CPUUsage != stats.CPUPercent {
		sets = append(sets, "cpu_usage = ?")
		args = append(args, stats.CPUPercent)
	}
	if server.RAMUsageMB != stats.MemoryMB {
		sets = append(sets, "ram_usage_mb = ?")
		args = append(args, stats.MemoryMB)
	}

	// Activity refreshes while players are on; an idle server gets one
	// seed timestamp so the hibernation clock starts from first sight.
	if players > 0 || server.LastPlayerActivity == nil {
		sets = append(sets, "last_player_activity = ?")
		args = append(args, store.FormatTime(time.Now()))
	}

	if len(sets) > 0 {
		args = append(args, serverID)
		if _, err := r.db.Exec("UPDATE servers SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
			return fmt.Errorf("writing converged state: %w", err)
		}
	}

	r.publishStats(serverID, stats)
	return nil
}

func (r *Reconciler) publishStats(serverID string, stats model.ContainerStats) {
	if r.pub == nil {
		return
	}
	msg, err := json.Marshal(map[string]any{
		"players":    len(stats.Players),
		"cpuPercent": stats.CPUPercent,
		"memoryMb":   stats.MemoryMB,
	})
	if err != nil {
		return
	}
	r.pub.Publish("stats:"+serverID, msg)
}

// RunHibernation periodically puts idle servers to sleep. Blocks; run it
// on its own goroutine.
func (r *Reconciler) RunHibernation(interval time.Duration) {
	concurrency.RunLoop(make(<-chan struct{}), interval, time.Minute, func() bool {
		r.HibernationSweep()
		return true
	})
}

// HibernationSweep stops LIVE servers that have been empty longer than
// the idle window. The stop is fire and forget: the next heartbeat
// confirms the container went down.
func (r *Reconciler) HibernationSweep() {
	cutoff := store.FormatTime(time.Now().Add(-r.idleWindow))
	rows, err := r.db.Query(`
		SELECT `+store.ServerCols+` FROM servers
		WHERE status = ? AND player_count = 0 AND hibernation_enabled = 1
			AND last_player_activity IS NOT NULL AND last_player_activity < ?
	`, string(model.ServerLive), cutoff)
	if err != nil {
		log.Printf("error querying hibernation candidates: %s", err)
		return
	}

	candidates := []*model.Server{}
	for rows.Next() {
		server, err := store.ScanServer(rows)
		if err != nil {
			log.Printf("error scanning hibernation candidate: %s", err)
			continue
		}
		candidates = append(candidates, server)
	}
	rows.Close()

	for _, server := range candidates {
		log.Printf("hibernating server %s (%s), idle beyond %s", server.ID, server.Name, r.idleWindow)
		if _, err := r.bus.Enqueue(server.NodeID, model.CmdStopServer, map[string]string{"serverId": server.ID}); err != nil {
			log.Printf("error dispatching hibernation stop for server %s: %s", server.ID, err)
			continue
		}
		if _, err := r.db.Exec("UPDATE servers SET status = ? WHERE id = ?", string(model.ServerSleeping), server.ID); err != nil {
			log.Printf("error marking server %s sleeping: %s", server.ID, err)
			continue
		}
		metrics.ServersHibernated.Inc()
	}
}

// RunResourceAudit periodically alerts on servers near their memory
// budget. Blocks; run it on its own goroutine.
func (r *Reconciler) RunResourceAudit(interval time.Duration) {
	concurrency.RunLoop(make(<-chan struct{}), interval, time.Minute, func() bool {
		r.ResourceAudit()
		return true
	})
}

// ResourceAudit alerts for LIVE servers using more than 90% of their
// allocated RAM.
func (r *Reconciler) ResourceAudit() {
	rows, err := r.db.Query("SELECT "+store.ServerCols+" FROM servers WHERE status = ? AND memory_limit_mb > 0",
		string(model.ServerLive))
	if err != nil {
		log.Printf("error querying servers for resource audit: %s", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		server, err := store.ScanServer(rows)
		if err != nil {
			continue
		}
		pct := float64(server.RAMUsageMB) / float64(server.MemoryLimitMB) * 100
		if pct > 90 {
			r.notifier.Alert("RESOURCE CRITICAL",
				fmt.Sprintf("Server %s is using %.1f%% of its allocated RAM. A restart is recommended to prevent crashing.", server.Name, pct),
				notify.LevelWarning)
		}
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
