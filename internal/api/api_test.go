package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagehost/voyage/internal/cmdbus"
	"github.com/voyagehost/voyage/internal/hub"
	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/orchestrator"
	"github.com/voyagehost/voyage/internal/reconciler"
	"github.com/voyagehost/voyage/internal/registry"
	"github.com/voyagehost/voyage/internal/remedy"
	"github.com/voyagehost/voyage/internal/store"
)

type fixture struct {
	srv    *httptest.Server
	client *http.Client

	nodeID string
	apiKey string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init())

	reg := registry.New(db, "enroll-secret", time.Minute, 2*time.Minute)
	bus := cmdbus.New(db, time.Minute)
	h := hub.New(nil)
	rec := reconciler.New(db, bus, nil, h, 30*time.Minute)
	reg.AttachSink(rec)
	orch := orchestrator.New(db, reg, bus, nil)
	engine := remedy.New(db, bus, nil, h, nil, nil)

	server := New(db, reg, bus, orch, engine, h, "internal-secret")
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, client: srv.Client()}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (f *fixture) internal(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	return f.do(t, method, path, body, map[string]string{"x-internal-secret": "internal-secret"})
}

func (f *fixture) node(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	return f.do(t, method, path, body, map[string]string{"x-node-id": f.nodeID, "x-api-key": f.apiKey})
}

func (f *fixture) enroll(t *testing.T) {
	t.Helper()
	resp, raw := f.do(t, http.MethodPost, "/nodes/register", map[string]any{
		"enrollmentToken": "enroll-secret",
		"specs":           model.NodeSpecs{Hostname: "worker-1", CPUCores: 8, MemoryMB: 32768, DiskGB: 512, OSPlatform: "linux"},
		"vpnIp":           "10.0.0.5",
	}, nil)
	require.Equal(t, 201, resp.StatusCode, string(raw))

	var out struct {
		NodeID string `json:"nodeId"`
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	f.nodeID = out.NodeID
	f.apiKey = out.APIKey
}

// pollUntil drains the node's queue until a command of the wanted kind
// shows up.
func (f *fixture) pollUntil(t *testing.T, kind model.CommandKind) *model.Command {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, raw := f.node(t, http.MethodGet, "/commands/poll", nil)
		if resp.StatusCode == 204 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		require.Equal(t, 200, resp.StatusCode, string(raw))
		cmd := &model.Command{}
		require.NoError(t, json.Unmarshal(raw, cmd))
		if cmd.Kind == kind {
			return cmd
		}
	}
	t.Fatalf("never received a %s command", kind)
	return nil
}

func TestRegisterRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/nodes/register", map[string]any{"enrollmentToken": "wrong"}, nil)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestNodeAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/commands/poll", nil, map[string]string{"x-node-id": "x", "x-api-key": "y"})
	assert.Equal(t, 401, resp.StatusCode)
}

func TestInternalAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/nodes", nil, nil)
	assert.Equal(t, 401, resp.StatusCode)

	resp, _ = f.internal(t, http.MethodGet, "/nodes", nil)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestPublicReads(t *testing.T) {
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodGet, "/games", nil, nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(raw), "minecraft-java")

	resp, raw = f.do(t, http.MethodGet, "/mods?gameType=rust", nil, nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(raw), "rust-oxide")

	resp, _ = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestDeployAndConvergeToLive(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, raw := f.internal(t, http.MethodPost, "/servers", orchestrator.DeployRequest{
		UserID:        "u1",
		GameType:      "minecraft-java",
		MemoryLimitMB: 2048,
		Env:           []string{"SERVER_NAME=Test World"},
	})
	require.Equal(t, 201, resp.StatusCode, string(raw))

	server := &model.Server{}
	require.NoError(t, json.Unmarshal(raw, server))
	assert.Equal(t, model.ServerProvisioning, server.Status)

	// The agent picks up the start command the pipeline produced.
	cmd := f.pollUntil(t, model.CmdStartServer)
	resp, _ = f.node(t, http.MethodPost, "/commands/"+cmd.ID+"/complete", map[string]any{"success": true})
	require.Equal(t, 204, resp.StatusCode)

	// Heartbeat reporting the container running converges the row to LIVE.
	resp, _ = f.node(t, http.MethodPost, "/nodes/heartbeat", model.UsageReport{
		ContainerStates: map[string]string{server.ID: "RUNNING"},
		ContainerStats:  map[string]model.ContainerStats{server.ID: {Players: []string{"alice"}}},
	})
	require.Equal(t, 204, resp.StatusCode)

	resp, raw = f.internal(t, http.MethodGet, "/servers/"+server.ID, nil)
	require.Equal(t, 200, resp.StatusCode)
	got := &model.Server{}
	require.NoError(t, json.Unmarshal(raw, got))
	assert.Equal(t, model.ServerLive, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 1, got.PlayerCount)
}

func TestDeployErrors(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, _ := f.internal(t, http.MethodPost, "/servers", orchestrator.DeployRequest{GameType: "quake", MemoryLimitMB: 1024})
	assert.Equal(t, 400, resp.StatusCode)

	resp, _ = f.internal(t, http.MethodPost, "/servers", orchestrator.DeployRequest{GameType: "ark-ascended-win", MemoryLimitMB: 1024})
	assert.Equal(t, 503, resp.StatusCode, "no windows capacity enrolled")
}

func TestConsoleExecRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, raw := f.internal(t, http.MethodPost, "/servers", orchestrator.DeployRequest{
		UserID: "u1", GameType: "minecraft-java", MemoryLimitMB: 2048,
	})
	require.Equal(t, 201, resp.StatusCode, string(raw))
	server := &model.Server{}
	require.NoError(t, json.Unmarshal(raw, server))
	f.pollUntil(t, model.CmdStartServer)

	// Simulated agent answering the exec.
	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd := f.pollUntil(t, model.CmdExecCommand)
		f.node(t, http.MethodPost, "/commands/"+cmd.ID+"/complete", map[string]any{
			"success": true,
			"data":    map[string]string{"output": "There are 0 players online"},
		})
	}()

	resp, raw = f.internal(t, http.MethodPost, "/servers/"+server.ID+"/console", map[string]string{"command": "list"})
	<-done
	require.Equal(t, 200, resp.StatusCode, string(raw))
	assert.Contains(t, string(raw), "players online")
}

func TestConsoleExecValidation(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, _ := f.internal(t, http.MethodPost, "/servers/nope/console", map[string]string{"command": "list"})
	assert.Equal(t, 404, resp.StatusCode)
}

func TestLifecycleActions(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, raw := f.internal(t, http.MethodPost, "/servers", orchestrator.DeployRequest{
		UserID: "u1", GameType: "valheim", MemoryLimitMB: 4096,
	})
	require.Equal(t, 201, resp.StatusCode)
	server := &model.Server{}
	require.NoError(t, json.Unmarshal(raw, server))
	f.pollUntil(t, model.CmdStartServer)

	resp, raw = f.internal(t, http.MethodPost, "/servers/"+server.ID+"/stop", nil)
	require.Equal(t, 200, resp.StatusCode)
	got := &model.Server{}
	require.NoError(t, json.Unmarshal(raw, got))
	assert.Equal(t, model.ServerStopped, got.Status)

	resp, _ = f.internal(t, http.MethodDelete, "/servers/"+server.ID, nil)
	require.Equal(t, 204, resp.StatusCode)

	resp, _ = f.internal(t, http.MethodGet, "/servers/"+server.ID, nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestCrashReportFilesTicket(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, raw := f.internal(t, http.MethodPost, "/servers", orchestrator.DeployRequest{
		UserID: "u1", GameType: "minecraft-java", MemoryLimitMB: 2048,
	})
	require.Equal(t, 201, resp.StatusCode)
	server := &model.Server{}
	require.NoError(t, json.Unmarshal(raw, server))
	f.pollUntil(t, model.CmdStartServer)

	resp, raw = f.node(t, http.MethodPost, "/ai/report", remedy.Report{
		ContainerName: server.ID,
		Logs:          "You need to agree to the EULA; eula=false",
	})
	require.Equal(t, 200, resp.StatusCode, string(raw))
	outcome := &remedy.Outcome{}
	require.NoError(t, json.Unmarshal(raw, outcome))
	assert.NotEmpty(t, outcome.TicketID)

	// The auto-fix restart lands on the agent's queue.
	f.pollUntil(t, model.CmdRestartServer)

	resp, raw = f.internal(t, http.MethodGet, "/tickets", nil)
	require.Equal(t, 200, resp.StatusCode)
	tickets := []*model.Ticket{}
	require.NoError(t, json.Unmarshal(raw, &tickets))
	require.Len(t, tickets, 1)

	resp, raw = f.internal(t, http.MethodPost, "/tickets/"+outcome.TicketID+"/resolve",
		map[string]string{"resolution": "fixed by hand"})
	require.Equal(t, 200, resp.StatusCode)
	resolved := &model.Ticket{}
	require.NoError(t, json.Unmarshal(raw, resolved))
	assert.Equal(t, model.TicketResolved, resolved.Status)
	assert.Equal(t, "fixed by hand", resolved.Resolution)
}

func TestPollEmptyQueue(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, _ := f.node(t, http.MethodGet, "/commands/poll", nil)
	assert.Equal(t, 204, resp.StatusCode)
}

func TestEnqueueRaw(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, raw := f.internal(t, http.MethodPost, "/commands", map[string]any{
		"targetNodeId": f.nodeID,
		"type":         "EXEC_COMMAND",
		"payload":      map[string]string{"serverId": "s1", "command": "say hi"},
	})
	require.Equal(t, 201, resp.StatusCode, string(raw))

	var out struct {
		CommandID string `json:"commandId"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.NotEmpty(t, out.CommandID)

	cmd := f.pollUntil(t, model.CmdExecCommand)
	assert.Equal(t, out.CommandID, cmd.ID)
}

func TestRemoveNodeDropsQueue(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, _ := f.internal(t, http.MethodPost, "/commands", map[string]any{
		"targetNodeId": f.nodeID,
		"type":         "EXEC_COMMAND",
		"payload":      map[string]string{"command": "noop"},
	})
	require.Equal(t, 201, resp.StatusCode)

	resp, _ = f.internal(t, http.MethodDelete, "/nodes/"+f.nodeID, nil)
	require.Equal(t, 204, resp.StatusCode)

	resp, _ = f.node(t, http.MethodGet, "/commands/poll", nil)
	assert.Equal(t, 401, resp.StatusCode, "credentials die with the node")
}

func TestHeartbeatUnknownNode(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, _ := f.do(t, http.MethodPost, "/nodes/heartbeat", model.UsageReport{}, map[string]string{
		"x-node-id": "ghost", "x-api-key": "nope",
	})
	assert.Equal(t, 401, resp.StatusCode)
}

func TestCompleteScopedToCallingNode(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	resp, raw := f.internal(t, http.MethodPost, "/commands", map[string]any{
		"targetNodeId": f.nodeID,
		"type":         "EXEC_COMMAND",
		"payload":      map[string]string{"command": "noop"},
	})
	require.Equal(t, 201, resp.StatusCode)
	var out struct {
		CommandID string `json:"commandId"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))

	// Settling before the command was ever claimed is rejected.
	resp, _ = f.node(t, http.MethodPost, "/commands/"+out.CommandID+"/complete", map[string]any{"success": true})
	assert.Equal(t, 409, resp.StatusCode)

	f.pollUntil(t, model.CmdExecCommand)

	// A different enrolled node cannot settle it either.
	resp, raw = f.do(t, http.MethodPost, "/nodes/register", map[string]any{
		"enrollmentToken": "enroll-secret",
		"specs":           model.NodeSpecs{Hostname: "worker-2", OSPlatform: "linux"},
	}, nil)
	require.Equal(t, 201, resp.StatusCode)
	var other struct {
		NodeID string `json:"nodeId"`
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(raw, &other))

	resp, _ = f.do(t, http.MethodPost, "/commands/"+out.CommandID+"/complete",
		map[string]any{"success": true},
		map[string]string{"x-node-id": other.NodeID, "x-api-key": other.APIKey})
	assert.Equal(t, 404, resp.StatusCode)

	// The target node itself settles it normally.
	resp, _ = f.node(t, http.MethodPost, "/commands/"+out.CommandID+"/complete", map[string]any{"success": true})
	assert.Equal(t, 204, resp.StatusCode)
}
