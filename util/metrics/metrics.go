package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PeersTracked tracks the number of peers in the registry by health status
	PeersTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shieldmesh_peers_tracked",
			Help: "Number of peers tracked by the peer registry, by status",
		},
		[]string{"node", "status"},
	)

	// PeerStatusTransitionsTotal counts health state machine transitions
	PeerStatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldmesh_peer_status_transitions_total",
			Help: "Total number of peer status transitions",
		},
		[]string{"node", "from", "to"},
	)

	// PeerAdmissionsRejectedTotal counts AddPeer calls refused at capacity
	PeerAdmissionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldmesh_peer_admissions_rejected_total",
			Help: "Total number of peers refused because the registry was full",
		},
		[]string{"node"},
	)

	// MeshConnections tracks the number of open mesh connections by transport
	MeshConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shieldmesh_mesh_connections",
			Help: "Number of open mesh connections, by transport",
		},
		[]string{"node", "transport"},
	)

	// BroadcastsTotal counts BroadcastMessage calls by outcome (delivered, duplicate)
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldmesh_broadcasts_total",
			Help: "Total number of mesh broadcasts, by outcome",
		},
		[]string{"node", "result"},
	)

	// DeliveriesTotal counts per-connection sends by status (success, failure)
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldmesh_deliveries_total",
			Help: "Total number of per-connection message deliveries, by status",
		},
		[]string{"node", "status"},
	)

	// DedupCacheSize tracks the number of cached message ids
	DedupCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shieldmesh_dedup_cache_size",
			Help: "Number of message ids held in the broadcast deduplication cache",
		},
		[]string{"node"},
	)

	// SyncPassesTotal counts synchronization passes by status (success, failure)
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldmesh_sync_passes_total",
			Help: "Total number of client synchronization passes, by status",
		},
		[]string{"node", "status"},
	)

	// SyncRecordsUpdatedTotal counts records inserted or overwritten by synchronization
	SyncRecordsUpdatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldmesh_sync_records_updated_total",
			Help: "Total number of records inserted or overwritten by client synchronization",
		},
		[]string{"node", "family"},
	)

	// SyncRecordErrorsTotal counts records that failed to merge
	SyncRecordErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldmesh_sync_record_errors_total",
			Help: "Total number of pushed records that failed to merge, by family and error kind",
		},
		[]string{"node", "family", "kind"},
	)

	// SyncDuration tracks the duration of synchronization passes in seconds
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shieldmesh_sync_duration",
			Help:    "Duration of client synchronization passes in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"node", "status"},
	)
)

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// SetPeersTracked sets the number of tracked peers with the given status
func SetPeersTracked(node, status string, count int) {
	PeersTracked.WithLabelValues(node, status).Set(float64(count))
}

// RecordPeerStatusTransition counts a transition; self-transitions are ignored
func RecordPeerStatusTransition(node, from, to string) {
	if from != to {
		PeerStatusTransitionsTotal.WithLabelValues(node, from, to).Inc()
	}
}

// RecordPeerAdmissionRejected increments the rejected admissions counter
func RecordPeerAdmissionRejected(node string) {
	PeerAdmissionsRejectedTotal.WithLabelValues(node).Inc()
}

// RecordConnectionOpened increments the connection gauge for a transport
func RecordConnectionOpened(node, transport string) {
	if transport == "" {
		transport = "unknown"
	}
	MeshConnections.WithLabelValues(node, transport).Inc()
}

// RecordConnectionClosed decrements the connection gauge for a transport
func RecordConnectionClosed(node, transport string) {
	if transport == "" {
		transport = "unknown"
	}
	MeshConnections.WithLabelValues(node, transport).Dec()
}

// RecordBroadcast counts a broadcast; duplicate is true when the id was already cached
func RecordBroadcast(node string, duplicate bool) {
	result := "delivered"
	if duplicate {
		result = "duplicate"
	}
	BroadcastsTotal.WithLabelValues(node, result).Inc()
}

// RecordDeliveries adds successful and failed per-connection sends
func RecordDeliveries(node string, succeeded, failed int) {
	if succeeded > 0 {
		DeliveriesTotal.WithLabelValues(node, "success").Add(float64(succeeded))
	}
	if failed > 0 {
		DeliveriesTotal.WithLabelValues(node, "failure").Add(float64(failed))
	}
}

// SetDedupCacheSize sets the deduplication cache gauge
func SetDedupCacheSize(node string, size int) {
	DedupCacheSize.WithLabelValues(node).Set(float64(size))
}

// RecordSyncPass counts a synchronization pass and observes its duration
func RecordSyncPass(node string, ok bool, durationSeconds float64) {
	status := statusLabel(ok)
	SyncPassesTotal.WithLabelValues(node, status).Inc()
	SyncDuration.WithLabelValues(node, status).Observe(durationSeconds)
}

// RecordSyncRecordsUpdated adds to the updated records counter of a family
func RecordSyncRecordsUpdated(node, family string, count int) {
	if count > 0 {
		SyncRecordsUpdatedTotal.WithLabelValues(node, family).Add(float64(count))
	}
}

// RecordSyncRecordError counts a record that failed to merge
func RecordSyncRecordError(node, family, kind string) {
	SyncRecordErrorsTotal.WithLabelValues(node, family, kind).Inc()
}
