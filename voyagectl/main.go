package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "voyagectl",
		Usage: "Voyage fleet admin tools",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server",
				Usage:    "address of the Voyage control plane i.e. `voyage.mydomain` or `voyage.mydomain:8080`",
				Required: true,
				EnvVars:  []string{"VOYAGE_SERVER"},
			},
			&cli.StringFlag{
				Name:     "secret",
				Usage:    "operator secret used to authenticate with the control plane",
				Required: true,
				EnvVars:  []string{"VOYAGE_INTERNAL_SECRET"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout when sending requests to the control plane",
				Value: time.Second * 15,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "nodes",
				Usage:  "List the worker nodes enrolled in the fleet",
				Action: nodesCmd,
			},
			{
				Name:   "status",
				Usage:  "Get the status of all game servers on the fleet",
				Action: statusCmd,
			},
			{
				Name:      "deploy",
				Usage:     "Provision a new game server",
				ArgsUsage: "<game type>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "user",
						Usage: "tenant the server belongs to",
						Value: "operator",
					},
					&cli.StringFlag{
						Name:  "location",
						Usage: "preferred node location",
					},
					&cli.IntFlag{
						Name:  "memory",
						Usage: "memory limit in MB",
						Value: 4096,
					},
					&cli.StringSliceFlag{
						Name:  "env",
						Usage: "environment overrides as KEY=VALUE, may be repeated",
					},
					&cli.StringSliceFlag{
						Name:  "mod",
						Usage: "mod id to install, may be repeated",
					},
				},
				Action: deployCmd,
			},
			{
				Name:      "start",
				Usage:     "Start a stopped game server",
				ArgsUsage: "<server id>",
				Action:    actionCmd("start"),
			},
			{
				Name:      "stop",
				Usage:     "Stop a running game server",
				ArgsUsage: "<server id>",
				Action:    actionCmd("stop"),
			},
			{
				Name:      "restart",
				Usage:     "Restart a game server",
				ArgsUsage: "<server id>",
				Action:    actionCmd("restart"),
			},
			{
				Name:      "delete",
				Usage:     "Tear down a game server and its DNS record",
				ArgsUsage: "<server id>",
				Action:    deleteCmd,
			},
			{
				Name:      "logs",
				Usage:     "Get console output from a game server",
				ArgsUsage: "<server id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "follow",
						Usage: "stream new output as it arrives",
					},
				},
				Action: logsCmd,
			},
			{
				Name:      "exec",
				Usage:     "Run a command on a game server's console",
				ArgsUsage: "<server id> <command...>",
				Action:    execCmd,
			},
			{
				Name:   "tickets",
				Usage:  "List support tickets filed by the remediation engine",
				Action: ticketsCmd,
			},
			{
				Name:      "resolve",
				Usage:     "Mark a support ticket as resolved",
				ArgsUsage: "<ticket id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "message",
						Usage: "resolution note",
						Value: "resolved by operator",
					},
				},
				Action: resolveCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

type appContext struct {
	Client  *http.Client
	BaseURL string
	Secret  string
}

func setup(c *cli.Context) *appContext {
	// TODO: support https once the control plane can terminate TLS
	host := c.String("server")
	if !strings.Contains(host, ":") {
		host += ":8080"
	}

	return &appContext{
		Client:  &http.Client{Timeout: c.Duration("timeout")},
		BaseURL: "http://" + host,
		Secret:  c.String("secret"),
	}
}

func (cc *appContext) roundtrip(c *cli.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(c.Context, method, cc.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("x-internal-secret", cc.Secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := cc.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return fmt.Errorf("not found")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, readServerError(resp.Body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readServerError(r io.Reader) string {
	body := struct {
		Error string `json:"error"`
	}{}
	if err := json.NewDecoder(r).Decode(&body); err != nil || body.Error == "" {
		return "(no detail)"
	}
	return body.Error
}
