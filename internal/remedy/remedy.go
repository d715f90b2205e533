// Package remedy is the automated incident responder. Agents report
// crashed containers with their final log output; the engine classifies
// the failure, files a ticket, and dispatches a fix when one is known.
// A per-server loop guard escalates to a human instead of restarting the
// same broken server forever.
package remedy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voyagehost/voyage/internal/hub"
	"github.com/voyagehost/voyage/internal/llm"
	"github.com/voyagehost/voyage/internal/metrics"
	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/notify"
	"github.com/voyagehost/voyage/internal/store"
)

const maxAttempts = 3

// Report is an agent's crash notification.
type Report struct {
	ContainerName string `json:"containerName"`
	Logs          string `json:"logs"`
	ExitCode      string `json:"exitCode,omitempty"`
}

// Outcome is what the agent (and the operator API) get back.
type Outcome struct {
	TicketID string `json:"ticketId,omitempty"`
	Analysis string `json:"analysis"`
	Action   string `json:"action"`
}

// Dispatcher is the slice of the command bus the engine needs.
type Dispatcher interface {
	Enqueue(nodeID string, kind model.CommandKind, payload any) (string, error)
}

// Publisher receives console announcements for the affected server.
type Publisher interface {
	Publish(topic string, msg []byte)
}

type Engine struct {
	db         *store.DB
	bus        Dispatcher
	notifier   notify.Notifier
	pub        Publisher
	summarizer llm.Summarizer
	counter    FailureCounter
}

// New wires the engine. summarizer and pub may be nil; counter nil gets
// an in-process counter with a one hour stability window.
func New(db *store.DB, bus Dispatcher, notifier notify.Notifier, pub Publisher, summarizer llm.Summarizer, counter FailureCounter) *Engine {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if counter == nil {
		counter = NewMemoryCounter(time.Hour)
	}
	return &Engine{db: db, bus: bus, notifier: notifier, pub: pub, summarizer: summarizer, counter: counter}
}

type autofix struct {
	kind    model.CommandKind
	payload map[string]string
}

type diagnosis struct {
	ticketType model.TicketType
	analysis   string
	resolution string
	status     model.TicketStatus
	fix        *autofix
	announce   string
	alertTitle string
	alertMsg   string
	alertLevel notify.Level
}

var (
	resourcePattern  = regexp.MustCompile(`outofmemory|oom-killer|failed to allocate|no space left`)
	portBindPattern  = regexp.MustCompile(`address already in use|bind exception|could not bind`)
	steamSyncPattern = regexp.MustCompile(`failed to install app|missing configuration|steamcmd needs to be online`)
)

// Diagnose runs the full remediation flow for one crash report. Side
// effects happen in a fixed order: loop guard first, then classification,
// console announcement, ticket persistence, attempt accounting, and the
// auto-fix dispatch last.
func (e *Engine) Diagnose(ctx context.Context, nodeID string, report Report) (*Outcome, error) {
	log.Printf("diagnosing crash report from node %s for container %s", nodeID, report.ContainerName)

	server := e.lookupServer(report.ContainerName)
	serverID := ""
	if server != nil {
		serverID = server.ID
	}

	if serverID != "" && e.counter.Count(serverID) >= maxAttempts {
		log.Printf("remediation loop detected for server %s, escalating", serverID)
		e.notifier.Alert("REMEDIATION LOOP",
			fmt.Sprintf("Server %s has crashed %d times in a row. Auto-fix paused for manual review.", server.Name, maxAttempts),
			notify.LevelCritical)
		metrics.Remediations.WithLabelValues("escalated").Inc()
		return &Outcome{Action: "Escalated to operator (loop prevention)"}, nil
	}

	d := e.classify(ctx, nodeID, serverID, report)

	if serverID != "" && d.announce != "" {
		e.announce(serverID, d.announce)
	}
	if d.alertTitle != "" {
		e.notifier.Alert(d.alertTitle, d.alertMsg, d.alertLevel)
	}

	ticketID, err := e.persistTicket(nodeID, serverID, report.Logs, d)
	if err != nil {
		return nil, fmt.Errorf("persisting ticket: %w", err)
	}

	action := "Ticket created"
	if d.fix != nil && serverID != "" {
		e.counter.Increment(serverID)

		if _, err := e.db.Exec("UPDATE servers SET status = ? WHERE id = ?", string(model.ServerRemediating), serverID); err != nil {
			log.Printf("error marking server %s remediating: %s", serverID, err)
		}
		if _, err := e.bus.Enqueue(nodeID, d.fix.kind, d.fix.payload); err != nil {
			log.Printf("error dispatching auto-fix for server %s: %s", serverID, err)
		} else {
			log.Printf("auto-fix [%s] dispatched for ticket %s", d.analysis, ticketID)
			action = d.resolution
		}
		metrics.Remediations.WithLabelValues("auto_fix").Inc()
	} else {
		metrics.Remediations.WithLabelValues("ticket_only").Inc()
	}

	return &Outcome{TicketID: ticketID, Analysis: d.analysis, Action: action}, nil
}

// classify walks the known failure signatures in order and falls back to
// the log summarizer when none match.
func (e *Engine) classify(ctx context.Context, nodeID, serverID string, report Report) diagnosis {
	logs := strings.ToLower(report.Logs)

	switch {
	case strings.Contains(logs, "eula") && (strings.Contains(logs, "agree") || strings.Contains(logs, "false")):
		return diagnosis{
			ticketType: model.TicketConfigError,
			analysis:   "EULA not accepted.",
			resolution: "Injected EULA acceptance and signaled a reboot.",
			status:     model.TicketResolved,
			fix:        &autofix{kind: model.CmdRestartServer, payload: map[string]string{"serverId": serverID}},
			announce:   "Detected missing EULA agreement. Injecting EULA=TRUE and restarting...",
		}

	case resourcePattern.MatchString(logs):
		analysis := "Memory depletion."
		if strings.Contains(logs, "space") {
			analysis = "Storage saturation."
		}
		return diagnosis{
			ticketType: model.TicketResourceExhausted,
			analysis:   analysis,
			resolution: "Immediate alert sent. Recommend vertical scaling.",
			status:     model.TicketEscalated,
			announce:   fmt.Sprintf("CRITICAL: Server crashed due to %s Manual intervention required.", strings.ToLower(analysis)),
			alertTitle: "CRITICAL: " + analysis,
			alertMsg:   fmt.Sprintf("Node %s / Server %s is out of resources.", nodeID, report.ContainerName),
			alertLevel: notify.LevelCritical,
		}

	case strings.Contains(logs, "failed to load") && strings.Contains(logs, ".db"):
		return diagnosis{
			ticketType: model.TicketConfigError,
			analysis:   "World database lock or corruption.",
			resolution: "Clearing stale lock files.",
			status:     model.TicketResolved,
			fix: &autofix{kind: model.CmdExecCommand,
				payload: map[string]string{"serverId": serverID, "command": "rm -f /data/*.lock"}},
			announce: "Detected world database lock. Attempting to clear .lock files...",
		}

	case portBindPattern.MatchString(logs):
		return diagnosis{
			ticketType: model.TicketConfigError,
			analysis:   "Port conflict detected.",
			resolution: "Resetting the networking stack for this server.",
			status:     model.TicketResolved,
			fix:        &autofix{kind: model.CmdRestartServer, payload: map[string]string{"serverId": serverID}},
			announce:   "Detected port collision. Resetting network bridge...",
		}

	case strings.Contains(logs, "segmentation fault") || report.ExitCode == "139":
		return diagnosis{
			ticketType: model.TicketCrash,
			analysis:   "Binary instability, segmentation fault.",
			resolution: "Cold reboot initiated. Logs archived for review.",
			status:     model.TicketOpen,
			fix:        &autofix{kind: model.CmdRestartServer, payload: map[string]string{"serverId": serverID}},
			announce:   "Detected binary segmentation fault. Initiating emergency reboot...",
			alertTitle: "Binary Crash",
			alertMsg:   fmt.Sprintf("Server %s segfaulted.", report.ContainerName),
			alertLevel: notify.LevelWarning,
		}

	case steamSyncPattern.MatchString(logs):
		return diagnosis{
			ticketType: model.TicketConfigError,
			analysis:   "SteamCMD network sync failed.",
			resolution: "Clearing the SteamCMD cache.",
			status:     model.TicketResolved,
			fix: &autofix{kind: model.CmdExecCommand,
				payload: map[string]string{"serverId": serverID, "command": "rm -rf /home/steam/Steam/appcache"}},
			announce: "SteamCMD connection issue detected. Clearing app cache and retrying...",
		}
	}

	return e.fallback(ctx, serverID, report)
}

// fallback asks the log summarizer for a diagnosis; if that fails too the
// ticket stays generic and waits for an operator.
func (e *Engine) fallback(ctx context.Context, serverID string, report Report) diagnosis {
	d := diagnosis{
		ticketType: model.TicketUnknown,
		analysis:   "Unknown error pattern.",
		resolution: "Ticket created. Waiting for operator.",
		status:     model.TicketOpen,
	}
	if e.summarizer == nil {
		return d
	}

	summary, err := e.summarizer.Summarize(ctx, report.Logs)
	if err != nil {
		log.Printf("error summarizing logs for %s: %s", report.ContainerName, err)
		return d
	}
	d.analysis = "Advanced analysis: " + summary
	d.resolution = "Ticket created with analyst recommendations."
	d.announce = "Analysis: " + summary
	return d
}

func (e *Engine) lookupServer(id string) *model.Server {
	if id == "" {
		return nil
	}
	row := e.db.QueryRow("SELECT "+store.ServerCols+" FROM servers WHERE id = ?", id)
	server, err := store.ScanServer(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("error loading server %s: %s", id, err)
		}
		return nil
	}
	return server
}

func (e *Engine) persistTicket(nodeID, serverID, logs string, d diagnosis) (string, error) {
	id := uuid.New().String()
	_, err := e.db.Exec(`
		INSERT INTO tickets (id, node_id, server_id, type, status, logs, analysis, resolution, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, nodeID, serverID, string(d.ticketType), string(d.status), logs, d.analysis, d.resolution,
		store.FormatTime(time.Now()))
	if err != nil {
		return "", err
	}
	return id, nil
}

// announce writes a bolded, color-coded line into the server's live
// console stream.
func (e *Engine) announce(serverID, message string) {
	if e.pub == nil {
		return
	}
	formatted := fmt.Sprintf("\r\n\x1b[35m[FleetBot]\x1b[0m \x1b[1m%s\x1b[0m\r\n", message)
	e.pub.Publish(hub.LogTopic(serverID), []byte(formatted))
}
