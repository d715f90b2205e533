package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

func logsCmd(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("a server id is required")
	}

	cc := setup(c)
	if c.Bool("follow") {
		// The stream replays the buffered history before live output.
		return followConsole(c, cc, id)
	}

	out := struct {
		Lines []string `json:"lines"`
	}{}
	if err := cc.roundtrip(c, http.MethodGet, "/servers/"+id+"/logs", nil, &out); err != nil {
		return err
	}
	for _, line := range out.Lines {
		fmt.Println(line)
	}
	return nil
}

// followConsole attaches to the console stream and copies frames to
// stdout until the connection drops or the command is interrupted.
func followConsole(c *cli.Context, cc *appContext, id string) error {
	url := strings.Replace(cc.BaseURL, "http://", "ws://", 1) + "/servers/" + id + "/console"
	header := http.Header{}
	header.Set("x-internal-secret", cc.Secret)

	conn, resp, err := websocket.DefaultDialer.DialContext(c.Context, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to console stream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("connecting to console stream: %w", err)
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		os.Stdout.Write(msg)
		if len(msg) == 0 || msg[len(msg)-1] != '\n' {
			os.Stdout.Write([]byte{'\n'})
		}
	}
}
