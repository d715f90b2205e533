package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/voyagehost/voyage/internal/model"
)

func nodesCmd(c *cli.Context) error {
	cc := setup(c)

	nodes := []*model.Node{}
	if err := cc.roundtrip(c, http.MethodGet, "/nodes", nil, &nodes); err != nil {
		return err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Hostname < nodes[j].Hostname })

	printNodes(nodes, os.Stdout)
	return nil
}

func printNodes(nodes []*model.Node, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "HOSTNAME\tID\tSTATUS\tOS\tLOCATION\tSEEN\n")
	for _, node := range nodes {
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\t%s\n",
			node.Hostname, shorten(node.ID), node.Status, node.Specs.OSPlatform, node.Location, transformTime(node.LastSeen))
	}
	tr.Flush()
}

func statusCmd(c *cli.Context) error {
	cc := setup(c)

	servers := []*model.Server{}
	if err := cc.roundtrip(c, http.MethodGet, "/servers", nil, &servers); err != nil {
		return err
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	printServers(servers, os.Stdout)
	return nil
}

func printServers(servers []*model.Server, w io.Writer) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "NAME\tID\tGAME\tSTATUS\tNODE\tPLAYERS\tADDRESS\n")
	for _, server := range servers {
		status := string(server.Status)
		if server.Status == model.ServerProvisioning {
			status = fmt.Sprintf("%s (%d%%)", server.Status, server.Progress)
		}
		addr := ""
		if server.Subdomain != "" {
			addr = fmt.Sprintf("%s:%d", server.Subdomain, server.Port)
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			server.Name, shorten(server.ID), server.GameType, status, shorten(server.NodeID), server.PlayerCount, addr)
	}
	tr.Flush()
}

func shorten(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func transformTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return durationToString(time.Since(t))
}

func durationToString(d time.Duration) string {
	hr := d.Hours()
	if hr > 24 {
		return fmt.Sprintf("%dd", int(hr/24))
	}
	if hr > 1 {
		return fmt.Sprintf("%dh", int(hr))
	}

	min := d.Minutes()
	if min > 1 {
		return fmt.Sprintf("%dm", int(min))
	}

	return fmt.Sprintf("%ds", int(d.Seconds()))
}
