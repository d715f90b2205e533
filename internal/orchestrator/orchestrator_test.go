package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/store"
)

type fakeNodes struct {
	nodes []*model.Node
}

func (f *fakeNodes) ListOnline(location, osFilter string) ([]*model.Node, error) {
	out := []*model.Node{}
	for _, n := range f.nodes {
		isWindows := strings.Contains(strings.ToLower(n.Specs.OSPlatform), "windows")
		if osFilter == "windows" && !isWindows {
			continue
		}
		if osFilter == "linux" && isWindows {
			continue
		}
		if location != "" && n.Location != location {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeNodes) Get(id string) (*model.Node, error) {
	for _, n := range f.nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, errors.New("node not found")
}

type enqueued struct {
	nodeID  string
	kind    model.CommandKind
	payload any
}

type fakeBus struct {
	mu   sync.Mutex
	cmds []enqueued
	err  error
}

func (f *fakeBus) Enqueue(nodeID string, kind model.CommandKind, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.cmds = append(f.cmds, enqueued{nodeID: nodeID, kind: kind, payload: payload})
	return uuid.New().String(), nil
}

func (f *fakeBus) all() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueued{}, f.cmds...)
}

type fakeDNS struct {
	mu      sync.Mutex
	created []string
	deleted []string
	fail    bool
}

func (f *fakeDNS) CreateRecord(ctx context.Context, subdomain, targetIP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("dns unavailable")
	}
	f.created = append(f.created, subdomain+" -> "+targetIP)
	return subdomain + ".voyagehost.net", nil
}

func (f *fakeDNS) DeleteRecord(ctx context.Context, subdomain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, subdomain)
	return nil
}

func linuxNode(id, location string) *model.Node {
	return &model.Node{
		ID:       id,
		Hostname: id,
		Specs:    model.NodeSpecs{Hostname: id, OSPlatform: "linux"},
		Location: location,
		Status:   model.NodeOnline,
		VPNIP:    "10.0.0.5",
		PublicIP: "203.0.113.9",
	}
}

func newTestOrchestrator(t *testing.T, nodes *fakeNodes, bus *fakeBus, provider *fakeDNS) (*Orchestrator, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init())

	// servers.node_id references nodes(id), so every fake node needs a
	// matching row for server inserts to satisfy the foreign key.
	for _, n := range nodes.nodes {
		_, err := db.Exec(`
			INSERT INTO nodes (id, hostname, api_key, os_platform, location, status, last_seen, vpn_ip, public_ip)
			VALUES (?, ?, '', ?, ?, ?, ?, ?, ?)
		`, n.ID, n.Hostname, n.Specs.OSPlatform, n.Location, string(n.Status),
			store.FormatTime(time.Now()), n.VPNIP, n.PublicIP)
		require.NoError(t, err)
	}

	if provider == nil {
		return New(db, nodes, bus, nil), db
	}
	return New(db, nodes, bus, provider), db
}

func waitForStatus(t *testing.T, o *Orchestrator, id string, want model.ServerStatus) *model.Server {
	t.Helper()
	var server *model.Server
	require.Eventually(t, func() bool {
		s, err := o.GetServer(id)
		if err != nil {
			return false
		}
		server = s
		return s.Status == want
	}, 5*time.Second, 10*time.Millisecond, "server never reached %s", want)
	return server
}

func TestDeployUnknownGameType(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeNodes{}, &fakeBus{}, nil)
	_, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "quake", MemoryLimitMB: 2048})
	assert.ErrorIs(t, err, ErrUnknownGameType)
}

func TestDeployNoCapacity(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeNodes{}, &fakeBus{}, nil)
	_, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "minecraft-java", MemoryLimitMB: 2048})
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestDeployOSPlacement(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("lin1", "")}}
	o, _ := newTestOrchestrator(t, nodes, &fakeBus{}, nil)

	_, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "ark-ascended-win", MemoryLimitMB: 8192})
	assert.ErrorIs(t, err, ErrNoCapacity, "windows-only template must not land on linux")
}

func TestDeployLocationPreferenceFallsBack(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("iad1", "ashburn")}}
	o, _ := newTestOrchestrator(t, nodes, &fakeBus{}, nil)

	server, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "minecraft-java", MemoryLimitMB: 2048, Location: "sydney"})
	require.NoError(t, err)
	assert.Equal(t, "iad1", server.NodeID, "no regional node, any compatible node will do")
}

func TestDeployPipeline(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "sydney")}}
	bus := &fakeBus{}
	provider := &fakeDNS{}
	o, _ := newTestOrchestrator(t, nodes, bus, provider)

	server, err := o.Deploy(DeployRequest{
		UserID:        "u1",
		GameType:      "minecraft-java",
		MemoryLimitMB: 4096,
		Env:           []string{"SERVER_NAME=My World", "DIFFICULTY=3"},
		Location:      "sydney",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ServerProvisioning, server.Status)
	assert.Equal(t, 5, server.Progress)
	assert.Equal(t, "My World", server.Name)
	assert.NotEmpty(t, server.SFTPUsername)
	assert.NotEmpty(t, server.SFTPPassword)

	final := waitForStatus(t, o, server.ID, model.ServerStarting)
	assert.Equal(t, 100, final.Progress)
	assert.GreaterOrEqual(t, final.Port, portRangeStart)
	assert.Less(t, final.Port, portRangeEnd)
	assert.Equal(t, "my-world.voyagehost.net", final.Subdomain)

	cmds := bus.all()
	require.Len(t, cmds, 1)
	assert.Equal(t, "n1", cmds[0].nodeID)
	assert.Equal(t, model.CmdStartServer, cmds[0].kind)

	payload := cmds[0].payload.(StartPayload)
	assert.Equal(t, server.ID, payload.ServerID)
	assert.Equal(t, final.Port, payload.Port)
	assert.Equal(t, 25565, payload.InternalPort)
	assert.Equal(t, "10.0.0.5", payload.BindIP)

	// Template defaults come first, user env second, platform values last.
	env := payload.Env
	assert.Contains(t, env, "EULA=TRUE")
	assert.Contains(t, env, "DIFFICULTY=3")
	assert.Equal(t, "SERVER_ID="+server.ID, env[len(env)-3])
	assert.Equal(t, "IP=10.0.0.5", env[len(env)-2])
	assert.Equal(t, fmt.Sprintf("PORT=%d", final.Port), env[len(env)-1])
	assert.Greater(t, indexOf(env, "DIFFICULTY=3"), indexOf(env, "EULA=TRUE"))
}

func TestDeployWithoutDNSDegrades(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	bus := &fakeBus{}
	o, _ := newTestOrchestrator(t, nodes, bus, nil)

	server, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "valheim", MemoryLimitMB: 4096})
	require.NoError(t, err)

	final := waitForStatus(t, o, server.ID, model.ServerStarting)
	assert.Empty(t, final.Subdomain)
	assert.Len(t, bus.all(), 1, "deployment proceeds without dns")
}

func TestDeployDNSFailureDegrades(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	bus := &fakeBus{}
	o, _ := newTestOrchestrator(t, nodes, bus, &fakeDNS{fail: true})

	server, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "rust", MemoryLimitMB: 8192})
	require.NoError(t, err)

	final := waitForStatus(t, o, server.ID, model.ServerStarting)
	assert.Empty(t, final.Subdomain)
}

func TestDeployDispatchFailureMarksFailed(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	bus := &fakeBus{err: errors.New("bus down")}
	o, _ := newTestOrchestrator(t, nodes, bus, nil)

	server, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "terraria", MemoryLimitMB: 1024})
	require.NoError(t, err)

	final := waitForStatus(t, o, server.ID, model.ServerFailed)
	assert.Contains(t, final.LastError, "bus down")
}

func TestAllocatePortAvoidsCollisions(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	o, db := newTestOrchestrator(t, nodes, &fakeBus{}, nil)

	insert := func() string {
		id := uuid.New().String()
		_, err := db.Exec(`
			INSERT INTO servers (id, user_id, node_id, game_type, name, image, port, memory_limit_mb, status, created_at)
			VALUES (?, 'u1', 'n1', 'rust', 'x', 'img', 0, 1024, 'PROVISIONING', ?)
		`, id, store.FormatTime(time.Now()))
		require.NoError(t, err)
		return id
	}

	taken := map[int]bool{}
	for i := 0; i < 20; i++ {
		id := insert()
		port, err := o.allocatePort("n1", id)
		require.NoError(t, err)
		require.False(t, taken[port], "port %d allocated twice", port)
		taken[port] = true

		var persisted int
		require.NoError(t, db.QueryRow("SELECT port FROM servers WHERE id = ?", id).Scan(&persisted))
		assert.Equal(t, port, persisted, "allocation must persist on the server row")
	}
}

func TestClaimPortRejectsTakenPort(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	o, db := newTestOrchestrator(t, nodes, &fakeBus{}, nil)

	ids := make([]string, 2)
	for i := range ids {
		ids[i] = uuid.New().String()
		_, err := db.Exec(`
			INSERT INTO servers (id, user_id, node_id, game_type, name, image, port, memory_limit_mb, status, created_at)
			VALUES (?, 'u1', 'n1', 'rust', 'x', 'img', 0, 1024, 'PROVISIONING', ?)
		`, ids[i], store.FormatTime(time.Now()))
		require.NoError(t, err)
	}

	// Two pipelines racing for the same port: only the first claim wins,
	// even if both read the port as free beforehand.
	ok, err := o.claimPort("n1", ids[0], 20500)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = o.claimPort("n1", ids[1], 20500)
	require.NoError(t, err)
	assert.False(t, ok, "second claim of the same port must lose")

	ok, err = o.claimPort("n1", ids[1], 20501)
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-claiming your own port is a no-op win (restart path).
	ok, err = o.claimPort("n1", ids[0], 20500)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetStatusStop(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	bus := &fakeBus{}
	o, _ := newTestOrchestrator(t, nodes, bus, nil)

	server, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "minecraft-java", MemoryLimitMB: 2048})
	require.NoError(t, err)
	waitForStatus(t, o, server.ID, model.ServerStarting)

	updated, err := o.SetStatus(server.ID, "stop")
	require.NoError(t, err)
	assert.Equal(t, model.ServerStopped, updated.Status)

	cmds := bus.all()
	last := cmds[len(cmds)-1]
	assert.Equal(t, model.CmdStopServer, last.kind)
	assert.Equal(t, server.ID, last.payload.(StopPayload).ServerID)
}

func TestSetStatusRestartRebuildsEnv(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	bus := &fakeBus{}
	o, _ := newTestOrchestrator(t, nodes, bus, nil)

	server, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "minecraft-java", MemoryLimitMB: 2048, Env: []string{"MOTD=hi"}})
	require.NoError(t, err)
	final := waitForStatus(t, o, server.ID, model.ServerStarting)

	updated, err := o.SetStatus(server.ID, "restart")
	require.NoError(t, err)
	assert.Equal(t, model.ServerStarting, updated.Status)

	cmds := bus.all()
	last := cmds[len(cmds)-1]
	require.Equal(t, model.CmdRestartServer, last.kind)
	payload := last.payload.(StartPayload)
	assert.Equal(t, final.Port, payload.Port)
	assert.Contains(t, payload.Env, "MOTD=hi")
	assert.Contains(t, payload.Env, "EULA=TRUE")
}

func TestSetStatusUnknownAction(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	o, _ := newTestOrchestrator(t, nodes, &fakeBus{}, nil)

	server, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "minecraft-java", MemoryLimitMB: 2048})
	require.NoError(t, err)
	waitForStatus(t, o, server.ID, model.ServerStarting)

	_, err = o.SetStatus(server.ID, "explode")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	nodes := &fakeNodes{nodes: []*model.Node{linuxNode("n1", "")}}
	bus := &fakeBus{}
	provider := &fakeDNS{}
	o, db := newTestOrchestrator(t, nodes, bus, provider)

	server, err := o.Deploy(DeployRequest{UserID: "u1", GameType: "minecraft-java", MemoryLimitMB: 2048, Env: []string{"SERVER_NAME=Doomed"}})
	require.NoError(t, err)
	waitForStatus(t, o, server.ID, model.ServerStarting)

	// A pending command referencing the server must be pruned on delete.
	_, err = db.Exec(`
		INSERT INTO commands (id, node_id, kind, payload, status, created_at)
		VALUES ('c1', 'n1', 'EXEC_COMMAND', ?, 'PENDING', ?)
	`, `{"serverId":"`+server.ID+`","command":"say hi"}`, store.FormatTime(time.Now()))
	require.NoError(t, err)

	require.NoError(t, o.Delete(server.ID))

	_, err = o.GetServer(server.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"doomed"}, provider.deleted)

	cmds := bus.all()
	last := cmds[len(cmds)-1]
	assert.Equal(t, model.CmdStopServer, last.kind)
	assert.True(t, last.payload.(StopPayload).Purge)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM commands WHERE id = 'c1'").Scan(&n))
	assert.Zero(t, n)
}

func TestDeleteMissing(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeNodes{}, &fakeBus{}, nil)
	assert.ErrorIs(t, o.Delete("nope"), ErrNotFound)
}

func indexOf(xs []string, want string) int {
	for i, x := range xs {
		if x == want {
			return i
		}
	}
	return -1
}
