// Package metrics exposes the control plane's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommandsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voyage_commands_enqueued_total",
		Help: "Commands enqueued for node agents, by kind.",
	}, []string{"kind"})

	CommandsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voyage_commands_settled_total",
		Help: "Commands settled by agents, by final status.",
	}, []string{"status"})

	HeartbeatsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voyage_heartbeats_processed_total",
		Help: "Node heartbeats accepted and reconciled.",
	})

	DeploymentsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voyage_deployments_started_total",
		Help: "Provisioning pipelines started.",
	})

	DeploymentsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voyage_deployments_failed_total",
		Help: "Provisioning pipelines that ended in FAILED.",
	})

	Remediations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voyage_remediations_total",
		Help: "Crash diagnoses, by outcome (auto_fix, ticket_only, escalated).",
	}, []string{"outcome"})

	ServersHibernated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voyage_servers_hibernated_total",
		Help: "Idle servers put to sleep by the hibernation sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		CommandsEnqueued,
		CommandsSettled,
		HeartbeatsProcessed,
		DeploymentsStarted,
		DeploymentsFailed,
		Remediations,
		ServersHibernated,
	)
}

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }
