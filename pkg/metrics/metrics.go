// Package metrics defines the gateway's prometheus instrumentation. The
// collectors register on the default registry and are served through the
// admin HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsClassified counts edge connections by matched protocol.
	ConnectionsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_proxy_connections_total",
		Help: "Connections accepted at the edge, by classified protocol.",
	}, []string{"protocol"})

	// AuthAttempts counts authentication outcomes by provider.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_auth_attempts_total",
		Help: "Authentication attempts, by provider and outcome.",
	}, []string{"provider", "outcome"})

	// FdwChannels gauges the live FDW IPC channels.
	FdwChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tessera_fdw_channels",
		Help: "Open FDW IPC channels.",
	})

	// FdwQueries counts query slots created, by data source and type.
	FdwQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_fdw_queries_total",
		Help: "Query slots created on the FDW host, by data source and query type.",
	}, []string{"data_source", "query_type"})

	// TxnResolutions counts remote transaction outcomes.
	TxnResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tessera_remote_transactions_total",
		Help: "Remote transaction resolutions, by outcome.",
	}, []string{"outcome"})
)
