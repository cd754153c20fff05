package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control plane metrics
	MessagesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dftp_messages_handled_total",
			Help: "Control messages handled by type and status",
		},
		[]string{"type", "status"},
	)

	MessageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dftp_message_duration_seconds",
			Help:    "Control message handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	RequestFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dftp_request_failures_total",
			Help: "Outbound control requests that failed by message type",
		},
		[]string{"type"},
	)

	// Discovery metrics
	NodesKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dftp_nodes_known",
			Help: "Nodes currently present in the registry table by role",
		},
		[]string{"role"},
	)

	RegistryEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dftp_registry_evictions_total",
			Help: "Registry entries evicted for missed heartbeats",
		},
	)

	// FTP session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dftp_sessions_active",
			Help: "Open FTP control sessions",
		},
	)

	CommandsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dftp_commands_processed_total",
			Help: "FTP commands processed by verb and reply code",
		},
		[]string{"verb", "code"},
	)

	// Transfer metrics
	BytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dftp_bytes_transferred_total",
			Help: "File bytes moved over data connections by direction",
		},
		[]string{"direction"},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dftp_transfer_duration_seconds",
			Help:    "Data transfer duration in seconds by direction",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	// Replication metrics
	ReplicationAcks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dftp_replication_acks_total",
			Help: "Replica write acknowledgements received",
		},
	)

	ReplicationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dftp_replication_failures_total",
			Help: "Replica pushes that exhausted their retries",
		},
	)

	GossipUpdatesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dftp_gossip_updates_applied_total",
			Help: "Gossip deltas applied to local state",
		},
	)

	StateMerges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dftp_state_merges_total",
			Help: "Pairwise state merges completed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesHandled,
		MessageDuration,
		RequestFailures,
		NodesKnown,
		RegistryEvictions,
		SessionsActive,
		CommandsProcessed,
		BytesTransferred,
		TransferDuration,
		ReplicationAcks,
		ReplicationFailures,
		GossipUpdatesApplied,
		StateMerges,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration since the timer was created
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration with label values
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
