// Package model holds the entities shared between the control plane's
// subsystems and the SQLite store.
package model

import (
	"encoding/json"
	"time"
)

type NodeStatus string

const (
	NodeOnline  NodeStatus = "ONLINE"
	NodeOffline NodeStatus = "OFFLINE"
)

type ServerStatus string

const (
	ServerProvisioning ServerStatus = "PROVISIONING"
	ServerStarting     ServerStatus = "STARTING"
	ServerLive         ServerStatus = "LIVE"
	ServerOffline      ServerStatus = "OFFLINE"
	ServerStopped      ServerStatus = "STOPPED"
	ServerSleeping     ServerStatus = "SLEEPING"
	ServerFailed       ServerStatus = "FAILED"
	ServerRemediating  ServerStatus = "REMEDIATING"
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandPickedUp  CommandStatus = "PICKED_UP"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
)

type CommandKind string

const (
	CmdStartServer   CommandKind = "START_SERVER"
	CmdStopServer    CommandKind = "STOP_SERVER"
	CmdRestartServer CommandKind = "RESTART_SERVER"
	CmdExecCommand   CommandKind = "EXEC_COMMAND"
	CmdGetFile       CommandKind = "GET_FILE"
	CmdWriteFile     CommandKind = "WRITE_FILE"
	CmdListFiles     CommandKind = "LIST_FILES"
	CmdGetLogs       CommandKind = "GET_LOGS"
	CmdInstallMod    CommandKind = "INSTALL_MOD"
)

type TicketType string

const (
	TicketCrash             TicketType = "CRASH"
	TicketConfigError       TicketType = "CONFIG_ERROR"
	TicketResourceExhausted TicketType = "RESOURCE_EXHAUSTED"
	TicketUnknown           TicketType = "UNKNOWN"
)

type TicketStatus string

const (
	TicketOpen      TicketStatus = "OPEN"
	TicketResolved  TicketStatus = "RESOLVED"
	TicketEscalated TicketStatus = "ESCALATED"
)

// NodeSpecs is the hardware/platform description a worker declares when it
// enrolls. OSPlatform is a free-form string ("linux", "windows-server-2022").
type NodeSpecs struct {
	Hostname   string `json:"hostname"`
	CPUCores   int    `json:"cpuCores"`
	MemoryMB   int    `json:"memoryMb"`
	DiskGB     int    `json:"diskGb"`
	OSPlatform string `json:"osPlatform"`
}

type Node struct {
	ID       string     `json:"id"`
	Hostname string     `json:"hostname"`
	APIKey   string     `json:"-"`
	Specs    NodeSpecs  `json:"specs"`
	Location string     `json:"location"`
	Status   NodeStatus `json:"status"`
	LastSeen time.Time  `json:"lastSeen"`

	// Reachable addresses. VPNIP is preferred for game traffic binding,
	// PublicIP is what the node observed itself as, ExternalIP is an
	// operator-set DNS override.
	VPNIP      string `json:"vpnIp,omitempty"`
	PublicIP   string `json:"publicIp,omitempty"`
	ExternalIP string `json:"externalIp,omitempty"`
}

// DNSTarget is the address DNS records should point at: the operator
// override wins over the self-reported public address.
func (n *Node) DNSTarget() string {
	if n.ExternalIP != "" {
		return n.ExternalIP
	}
	return n.PublicIP
}

type Server struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	NodeID        string       `json:"nodeId"`
	GameType      string       `json:"gameType"`
	Name          string       `json:"name"`
	Image         string       `json:"image"`
	Port          int          `json:"port"`
	MemoryLimitMB int          `json:"memoryLimitMb"`
	Env           []string     `json:"env"`
	Status        ServerStatus `json:"status"`
	Progress      int          `json:"progress"`
	Subdomain     string       `json:"subdomain,omitempty"`
	LastError     string       `json:"lastError,omitempty"`

	PlayerCount        int        `json:"playerCount"`
	CPUUsage           float64    `json:"cpuUsage"`
	RAMUsageMB         int        `json:"ramUsageMb"`
	LastPlayerActivity *time.Time `json:"lastPlayerActivity,omitempty"`
	HibernationEnabled bool       `json:"hibernationEnabled"`

	SFTPUsername string    `json:"sftpUsername,omitempty"`
	SFTPPassword string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Command struct {
	ID        string          `json:"id"`
	NodeID    string          `json:"targetNodeId"`
	Kind      CommandKind     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    CommandStatus   `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type Ticket struct {
	ID         string       `json:"id"`
	NodeID     string       `json:"nodeId,omitempty"`
	ServerID   string       `json:"serverId,omitempty"`
	Type       TicketType   `json:"type"`
	Status     TicketStatus `json:"status"`
	Logs       string       `json:"logs,omitempty"`
	Analysis   string       `json:"analysis"`
	Resolution string       `json:"resolution"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// ContainerStats is the per-container slice of a heartbeat.
type ContainerStats struct {
	Players    []string `json:"players"`
	CPUPercent float64  `json:"cpuPercent"`
	MemoryMB   int      `json:"memoryMb"`
}

// UsageReport is a node's heartbeat body. ContainerStates maps server id to
// the runtime state the agent observed ("RUNNING", "STARTING", "EXITED"...).
// It is consumed once and never persisted verbatim.
type UsageReport struct {
	CPULoad         float64                   `json:"cpuLoad"`
	MemoryUsedMB    int                       `json:"memoryUsedMb"`
	PublicIP        string                    `json:"publicIp,omitempty"`
	VPNIP           string                    `json:"vpnIp,omitempty"`
	ContainerStates map[string]string         `json:"containerStates,omitempty"`
	ContainerStats  map[string]ContainerStats `json:"containerStats,omitempty"`
}
