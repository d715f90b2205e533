package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/voyagehost/voyage/internal/model"
	"github.com/voyagehost/voyage/internal/orchestrator"
)

func deployCmd(c *cli.Context) error {
	gameType := c.Args().First()
	if gameType == "" {
		return errors.New("a game type is required, see `voyagectl games`")
	}

	cc := setup(c)
	req := orchestrator.DeployRequest{
		UserID:        c.String("user"),
		GameType:      gameType,
		MemoryLimitMB: c.Int("memory"),
		Env:           c.StringSlice("env"),
		Location:      c.String("location"),
		Mods:          c.StringSlice("mod"),
	}

	server := &model.Server{}
	if err := cc.roundtrip(c, http.MethodPost, "/servers", &req, server); err != nil {
		return err
	}

	fmt.Printf("deployed %q (%s) to node %s\n", server.Name, server.ID, shorten(server.NodeID))
	if server.SFTPUsername != "" {
		fmt.Printf("sftp username: %s\n", server.SFTPUsername)
	}
	return nil
}

func actionCmd(action string) cli.ActionFunc {
	return func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return errors.New("a server id is required")
		}

		cc := setup(c)
		server := &model.Server{}
		if err := cc.roundtrip(c, http.MethodPost, "/servers/"+id+"/"+action, nil, server); err != nil {
			return err
		}

		fmt.Printf("%s: %s\n", server.Name, server.Status)
		return nil
	}
}

func deleteCmd(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("a server id is required")
	}

	cc := setup(c)
	if err := cc.roundtrip(c, http.MethodDelete, "/servers/"+id, nil, nil); err != nil {
		return err
	}
	fmt.Println("deleted")
	return nil
}

func execCmd(c *cli.Context) error {
	id := c.Args().First()
	command := strings.Join(c.Args().Tail(), " ")
	if id == "" || command == "" {
		return errors.New("a server id and a command are required")
	}

	cc := setup(c)
	out := struct {
		Result json.RawMessage `json:"result"`
	}{}
	body := map[string]string{"command": command}
	if err := cc.roundtrip(c, http.MethodPost, "/servers/"+id+"/console", body, &out); err != nil {
		return err
	}

	fmt.Println(formatExecResult(out.Result))
	return nil
}

// formatExecResult unwraps the agent's {"output": "..."} envelope when
// present so terminal output isn't JSON-escaped.
func formatExecResult(raw json.RawMessage) string {
	wrapped := struct {
		Output string `json:"output"`
	}{}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Output != "" {
		return wrapped.Output
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return string(raw)
}

func ticketsCmd(c *cli.Context) error {
	cc := setup(c)

	tickets := []*model.Ticket{}
	if err := cc.roundtrip(c, http.MethodGet, "/tickets", nil, &tickets); err != nil {
		return err
	}

	for _, ticket := range tickets {
		fmt.Printf("%s  %-20s %-10s server=%s\n  %s\n", ticket.ID, ticket.Type, ticket.Status, shorten(ticket.ServerID), ticket.Analysis)
	}
	return nil
}

func resolveCmd(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("a ticket id is required")
	}

	cc := setup(c)
	body := map[string]string{"resolution": c.String("message")}
	ticket := &model.Ticket{}
	if err := cc.roundtrip(c, http.MethodPost, "/tickets/"+id+"/resolve", body, ticket); err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", ticket.ID, ticket.Status)
	return nil
}
