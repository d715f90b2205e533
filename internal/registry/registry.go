// Package registry tracks worker nodes: enrollment, credentials, declared
// capacity, and liveness. Liveness is TTL-based (see presenceCache); the
// ONLINE/OFFLINE column in the store is only a durable cache of the TTL's
// last known value, refreshed by heartbeats and decayed by the staleness
// sweep.
package registry

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagehost/voyage/internal/concurrency"
	"github.com/voyagehost/voyage/internal/metrics"
	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/store"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("node not found")
)

// StateSink receives the container-state slice of each heartbeat. The
// reconciler implements it; the indirection keeps registry and reconciler
// from referencing each other's concrete types.
type StateSink interface {
	ApplyHeartbeat(nodeID string, states map[string]string, stats map[string]model.ContainerStats)
}

// RegisterRequest is a worker's enrollment call.
type RegisterRequest struct {
	EnrollmentToken string          `json:"enrollmentToken"`
	Specs           model.NodeSpecs `json:"specs"`
	VPNIP           string          `json:"vpnIp,omitempty"`
	Location        string          `json:"location,omitempty"`
}

type Registry struct {
	db               *store.DB
	enrollmentSecret string
	presence         *presenceCache
	durableThrottle  time.Duration
	sink             StateSink

	credMu    sync.Mutex
	credCache map[string]credEntry
	credTTL   time.Duration
}

type credEntry struct {
	key   string
	until time.Time
}

func New(db *store.DB, enrollmentSecret string, presenceTTL, durableThrottle time.Duration) *Registry {
	if presenceTTL <= 0 {
		presenceTTL = 60 * time.Second
	}
	if durableThrottle <= 0 {
		durableThrottle = 2 * time.Minute
	}
	return &Registry{
		db:               db,
		enrollmentSecret: enrollmentSecret,
		presence:         newPresenceCache(presenceTTL),
		durableThrottle:  durableThrottle,
		credCache:        map[string]credEntry{},
		credTTL:          30 * time.Second,
	}
}

// AttachSink wires the reconciler in after construction; the composition
// root orders this explicitly instead of the two packages importing each
// other.
func (r *Registry) AttachSink(sink StateSink) { r.sink = sink }

// Register enrolls a new worker. The enrollment token must match the
// configured shared secret; the returned node carries a freshly generated
// high-entropy API key.
func (r *Registry) Register(req RegisterRequest) (*model.Node, error) {
	if subtle.ConstantTimeCompare([]byte(req.EnrollmentToken), []byte(r.enrollmentSecret)) != 1 {
		log.Printf("rejected enrollment attempt for hostname %q", req.Specs.Hostname)
		return nil, ErrUnauthorized
	}

	node := &model.Node{
		ID:       uuid.New().String(),
		Hostname: req.Specs.Hostname,
		APIKey:   uuid.New().String(),
		Specs:    req.Specs,
		Location: req.Location,
		Status:   model.NodeOnline,
		LastSeen: time.Now(),
		VPNIP:    req.VPNIP,
	}

	_, err := r.db.Exec(`
		INSERT INTO nodes (id, hostname, api_key, cpu_cores, memory_mb, disk_gb, os_platform, location, status, last_seen, vpn_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, node.ID, node.Hostname, node.APIKey, node.Specs.CPUCores, node.Specs.MemoryMB, node.Specs.DiskGB,
		node.Specs.OSPlatform, node.Location, string(node.Status), store.FormatTime(node.LastSeen), node.VPNIP)
	if err != nil {
		return nil, fmt.Errorf("persisting node: %w", err)
	}

	r.presence.Touch(node.ID)
	log.Printf("registered node %s (%s, %s)", node.ID, node.Hostname, node.Specs.OSPlatform)
	return node, nil
}

// ValidateCredential checks a node's API key. Successful lookups are cached
// briefly and refresh the node's hot liveness record, since a correctly
// authenticated call proves the agent process is alive.
func (r *Registry) ValidateCredential(nodeID, apiKey string) bool {
	if nodeID == "" || apiKey == "" {
		return false
	}

	now := time.Now()
	r.credMu.Lock()
	entry, ok := r.credCache[nodeID]
	r.credMu.Unlock()
	if ok && now.Before(entry.until) {
		if subtle.ConstantTimeCompare([]byte(entry.key), []byte(apiKey)) == 1 {
			r.presence.Touch(nodeID)
			return true
		}
		return false
	}

	var stored string
	err := r.db.QueryRow("SELECT api_key FROM nodes WHERE id = ?", nodeID).Scan(&stored)
	if err != nil {
		return false
	}

	r.credMu.Lock()
	r.credCache[nodeID] = credEntry{key: stored, until: now.Add(r.credTTL)}
	r.credMu.Unlock()

	if subtle.ConstantTimeCompare([]byte(stored), []byte(apiKey)) == 1 {
		r.presence.Touch(nodeID)
		return true
	}
	return false
}

// Heartbeat refreshes the node's hot liveness record on every call, but
// only writes the durable row when it is more than the throttle window
// stale, to bound write amplification across a large fleet. Any embedded
// container-state map is forwarded to the reconciler.
func (r *Registry) Heartbeat(nodeID string, usage model.UsageReport) error {
	r.presence.Touch(nodeID)

	var (
		lastSeen string
		status   string
	)
	err := r.db.QueryRow("SELECT last_seen, status FROM nodes WHERE id = ?", nodeID).Scan(&lastSeen, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading node: %w", err)
	}

	stale := time.Since(store.ParseTime(lastSeen)) > r.durableThrottle
	if stale || model.NodeStatus(status) != model.NodeOnline {
		_, err = r.db.Exec(`
			UPDATE nodes SET status = ?, last_seen = ?,
				public_ip = CASE WHEN ? != '' THEN ? ELSE public_ip END,
				vpn_ip = CASE WHEN ? != '' THEN ? ELSE vpn_ip END
			WHERE id = ?
		`, string(model.NodeOnline), store.FormatTime(time.Now()),
			usage.PublicIP, usage.PublicIP, usage.VPNIP, usage.VPNIP, nodeID)
		if err != nil {
			return fmt.Errorf("updating node liveness: %w", err)
		}
	}

	metrics.HeartbeatsProcessed.Inc()

	if r.sink != nil && usage.ContainerStates != nil {
		r.sink.ApplyHeartbeat(nodeID, usage.ContainerStates, usage.ContainerStats)
	}
	return nil
}

func (r *Registry) Get(nodeID string) (*model.Node, error) {
	row := r.db.QueryRow("SELECT "+store.NodeCols+" FROM nodes WHERE id = ?", nodeID)
	node, err := store.ScanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (r *Registry) List() ([]*model.Node, error) {
	rows, err := r.db.Query("SELECT " + store.NodeCols + " FROM nodes ORDER BY hostname")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []*model.Node{}
	for rows.Next() {
		node, err := store.ScanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ListOnline returns nodes whose hot liveness record has not expired,
// optionally narrowed by location tag and OS family ("windows" or "linux").
func (r *Registry) ListOnline(locationFilter, osFilter string) ([]*model.Node, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}

	online := []*model.Node{}
	for _, node := range all {
		if !r.presence.Alive(node.ID) {
			continue
		}
		if locationFilter != "" && node.Location != locationFilter {
			continue
		}
		if osFilter != "" && !osMatches(node.Specs.OSPlatform, osFilter) {
			continue
		}
		online = append(online, node)
	}
	return online, nil
}

// Alive reports whether the node's hot liveness record is unexpired.
func (r *Registry) Alive(nodeID string) bool { return r.presence.Alive(nodeID) }

// Remove deletes a node. Administrative operation; the caller is
// responsible for draining its commands first.
func (r *Registry) Remove(nodeID string) error {
	res, err := r.db.Exec("DELETE FROM nodes WHERE id = ?", nodeID)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.presence.Forget(nodeID)
	r.credMu.Lock()
	delete(r.credCache, nodeID)
	r.credMu.Unlock()
	log.Printf("removed node %s", nodeID)
	return nil
}

// RunStalenessSweep decays the durable ONLINE flag for nodes whose hot
// liveness record has expired. Blocks; run it on its own goroutine.
func (r *Registry) RunStalenessSweep(interval time.Duration) {
	concurrency.RunLoop(make(<-chan struct{}), interval, time.Minute, func() bool {
		r.sweepStale()
		return true
	})
}

func (r *Registry) sweepStale() {
	rows, err := r.db.Query("SELECT id FROM nodes WHERE status = ?", string(model.NodeOnline))
	if err != nil {
		log.Printf("error querying nodes for staleness sweep: %s", err)
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	for _, id := range ids {
		if r.presence.Alive(id) {
			continue
		}
		if _, err := r.db.Exec("UPDATE nodes SET status = ? WHERE id = ?", string(model.NodeOffline), id); err != nil {
			log.Printf("error marking node %s offline: %s", id, err)
			continue
		}
		log.Printf("node %s missed its heartbeat window, marked OFFLINE", id)
	}
}

func osMatches(platform, family string) bool {
	isWindows := strings.Contains(strings.ToLower(platform), "windows")
	if family == "windows" {
		return isWindows
	}
	return !isWindows
}
