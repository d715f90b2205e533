// Package cmdbus is the poll-based RPC substrate between the control plane
// and node agents. Commands are durable rows in SQLite partitioned by node;
// agents claim them with PollNext and settle them with Complete. Callers
// that need an answer block in WaitForResult on a per-command channel, so
// completions are pushed rather than polled for.
package cmdbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagehost/voyage/internal/concurrency"
	"github.com/voyagehost/voyage/internal/metrics"
	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/store"
)

var (
	// ErrTimeout is returned by WaitForResult when the deadline elapses
	// before the agent settles the command.
	ErrTimeout = errors.New("timed out waiting for agent")

	// ErrLost is returned when the command disappeared mid-flight, e.g.
	// its target node was removed.
	ErrLost = errors.New("command lost")

	// ErrAgentFailure is returned when the agent settled the command as FAILED.
	ErrAgentFailure = errors.New("agent failed task")

	// ErrUnknownCommand is returned by Complete for an id the bus does not
	// know, or one that belongs to a different node than the caller.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNotClaimed is returned by Complete for a command that was never
	// picked up. Agents may only settle work they claimed through PollNext.
	ErrNotClaimed = errors.New("command was not claimed")
)

// Result is what an agent reported for a settled command.
type Result struct {
	OK   bool
	Data json.RawMessage
}

type waitOutcome struct {
	res  Result
	lost bool
}

// CompletionHook observes every settled command. Used to fan GET_LOGS
// output into the console hub without the bus knowing about it.
type CompletionHook func(cmd *model.Command, res Result)

type Bus struct {
	db     *store.DB
	retain time.Duration

	mu      sync.Mutex
	waiters map[string][]chan waitOutcome
	hooks   []CompletionHook
}

// New builds a bus over the given store. Settled commands are retained for
// retain before garbage collection so late WaitForResult calls and late
// completions still correlate.
func New(db *store.DB, retain time.Duration) *Bus {
	if retain <= 0 {
		retain = 5 * time.Minute
	}
	return &Bus{
		db:      db,
		retain:  retain,
		waiters: map[string][]chan waitOutcome{},
	}
}

func (b *Bus) OnComplete(hook CompletionHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, hook)
}

// Enqueue queues a command for the node's agent and returns its id.
// The payload is marshaled to JSON as-is.
func (b *Bus) Enqueue(nodeID string, kind model.CommandKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	id := uuid.New().String()
	_, err = b.db.Exec(`
		INSERT INTO commands (id, node_id, kind, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, nodeID, string(kind), string(raw), string(model.CommandPending), store.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("queueing command: %w", err)
	}

	metrics.CommandsEnqueued.WithLabelValues(string(kind)).Inc()
	log.Printf("queued %s command %s for node %s", kind, id, nodeID)
	return id, nil
}

// PollNext atomically claims the oldest PENDING command for the node and
// marks it PICKED_UP. The claim-and-mark is a single conditional UPDATE so
// at most one concurrent poller can win a given command. Commands are
// delivered in enqueue order (seq). Returns nil when the node has no
// pending work.
func (b *Bus) PollNext(nodeID string) (*model.Command, error) {
	row := b.db.QueryRow(`
		UPDATE commands SET status = ?
		WHERE id = (
			SELECT id FROM commands
			WHERE node_id = ? AND status = ?
			ORDER BY seq ASC
			LIMIT 1
		) AND status = ?
		RETURNING id, kind, payload, created_at
	`, string(model.CommandPickedUp), nodeID, string(model.CommandPending), string(model.CommandPending))

	var (
		cmd       model.Command
		payload   string
		createdAt string
	)
	err := row.Scan(&cmd.ID, &cmd.Kind, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming command: %w", err)
	}

	cmd.NodeID = nodeID
	cmd.Status = model.CommandPickedUp
	cmd.Payload = json.RawMessage(payload)
	cmd.CreatedAt = store.ParseTime(createdAt)
	return &cmd, nil
}

// Complete settles a command with the agent's verdict and wakes any waiters.
// nodeID must be the command's target node: agents can only settle their own
// work, and only work they previously claimed.
func (b *Bus) Complete(id, nodeID string, success bool, data json.RawMessage) error {
	status := model.CommandCompleted
	if !success {
		status = model.CommandFailed
	}

	var result any
	if data != nil {
		result = string(data)
	}

	res, err := b.db.Exec(`
		UPDATE commands SET status = ?, settled_at = ?, result = ?
		WHERE id = ? AND node_id = ? AND status = ?
	`, string(status), store.FormatTime(time.Now()), result, id, nodeID,
		string(model.CommandPickedUp))
	if err != nil {
		return fmt.Errorf("settling command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := b.db.QueryRow("SELECT status FROM commands WHERE id = ? AND node_id = ?", id, nodeID).Scan(&current)
		if err != nil {
			return ErrUnknownCommand
		}
		if current == string(model.CommandPending) {
			return ErrNotClaimed
		}
		// Already settled; a retry from the agent is harmless.
		return nil
	}

	metrics.CommandsSettled.WithLabelValues(string(status)).Inc()

	cmd, err := b.get(id)
	if err != nil {
		log.Printf("error loading settled command %s for hooks: %s", id, err)
	}

	b.mu.Lock()
	chans := b.waiters[id]
	delete(b.waiters, id)
	hooks := b.hooks
	b.mu.Unlock()

	outcome := waitOutcome{res: Result{OK: success, Data: data}}
	for _, ch := range chans {
		ch <- outcome // buffered, never blocks
	}
	if cmd != nil {
		for _, hook := range hooks {
			hook(cmd, outcome.res)
		}
	}
	return nil
}

// WaitForResult blocks until the command settles, the timeout elapses, or
// the command disappears. A timed-out wait is abandoned: the command may
// still settle later and its record sticks around for the retention window,
// but this caller has already received ErrTimeout.
func (b *Bus) WaitForResult(ctx context.Context, id string, timeout time.Duration) (json.RawMessage, error) {
	ch := make(chan waitOutcome, 1)
	b.mu.Lock()
	b.waiters[id] = append(b.waiters[id], ch)
	b.mu.Unlock()
	defer b.removeWaiter(id, ch)

	// The command may have settled (or vanished) before we registered.
	cmd, err := b.get(id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrLost
	}
	switch cmd.Status {
	case model.CommandCompleted:
		return cmd.Result, nil
	case model.CommandFailed:
		return nil, ErrAgentFailure
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.lost {
			return nil, ErrLost
		}
		if !out.res.OK {
			return nil, ErrAgentFailure
		}
		return out.res.Data, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DropForNode removes every command targeting the node (used when a node is
// deregistered) and fails any in-flight waits with ErrLost.
func (b *Bus) DropForNode(nodeID string) error {
	rows, err := b.db.Query("SELECT id FROM commands WHERE node_id = ?", nodeID)
	if err != nil {
		return fmt.Errorf("listing commands for node: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	if _, err := b.db.Exec("DELETE FROM commands WHERE node_id = ?", nodeID); err != nil {
		return fmt.Errorf("dropping commands for node: %w", err)
	}

	b.mu.Lock()
	var chans []chan waitOutcome
	for _, id := range ids {
		chans = append(chans, b.waiters[id]...)
		delete(b.waiters, id)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		ch <- waitOutcome{lost: true}
	}
	return nil
}

// RunGC deletes settled commands older than the retention window. Blocks;
// run it on its own goroutine.
func (b *Bus) RunGC(interval time.Duration) {
	concurrency.RunLoop(make(<-chan struct{}), interval, time.Minute, func() bool {
		cutoff := store.FormatTime(time.Now().Add(-b.retain))
		res, err := b.db.Exec(`
			DELETE FROM commands WHERE status IN (?, ?) AND settled_at < ?
		`, string(model.CommandCompleted), string(model.CommandFailed), cutoff)
		if err != nil {
			log.Printf("error collecting settled commands: %s", err)
			return true // sweep again next interval rather than hot-retry
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("collected %d settled commands", n)
		}
		return true
	})
}

func (b *Bus) removeWaiter(id string, ch chan waitOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.waiters[id]
	for i, c := range chans {
		if c == ch {
			b.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(b.waiters[id]) == 0 {
		delete(b.waiters, id)
	}
}

func (b *Bus) get(id string) (*model.Command, error) {
	row := b.db.QueryRow("SELECT id, node_id, kind, payload, status, created_at, result FROM commands WHERE id = ?", id)

	var (
		cmd       model.Command
		payload   string
		createdAt string
		result    sql.NullString
	)
	err := row.Scan(&cmd.ID, &cmd.NodeID, &cmd.Kind, &payload, &cmd.Status, &createdAt, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading command: %w", err)
	}
	cmd.Payload = json.RawMessage(payload)
	cmd.CreatedAt = store.ParseTime(createdAt)
	if result.Valid {
		cmd.Result = json.RawMessage(result.String)
	}
	return &cmd, nil
}
