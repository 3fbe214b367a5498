// Package metrics provides Prometheus metrics for the chunkvault manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all chunkvault metrics.
var Registry = prometheus.NewRegistry()

// ManagerMetrics holds all Prometheus metrics for a manager.
type ManagerMetrics struct {
	// Protocol
	PacketsReceived *prometheus.CounterVec // labels: kind
	PacketsDropped  *prometheus.CounterVec // labels: direction
	PacketsSent     *prometheus.CounterVec // labels: kind
	ReplyTimeouts   prometheus.Counter
	Connections     *prometheus.GaugeVec   // labels: type
	Rejections      *prometheus.CounterVec // labels: reason

	// Booking (set by the collector)
	WorkersConnected prometheus.Gauge
	WorkersBusy      prometheus.Gauge
	WorkersBooked    prometheus.Gauge
	Bookings         prometheus.Gauge
	BookingsUnderfed prometheus.Gauge

	// Uploads
	Uploads        *prometheus.CounterVec // labels: result
	UploadedBytes  prometheus.Counter
	ThumbnailQueue prometheus.Gauge

	// Path cache and locks (set by the collector)
	PathCacheHits   prometheus.Counter
	PathCacheMisses prometheus.Counter
	PathCacheNodes  prometheus.Gauge
	LockNodes       prometheus.Gauge

	// Downloads
	Downloads        *prometheus.CounterVec // labels: kind, result
	DownloadDuration prometheus.Histogram
	StreamsActive    prometheus.Gauge
	StreamsWaiting   prometheus.Gauge
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics creates every manager metric on Registry. Call it once.
func InitMetrics(version string) *ManagerMetrics {
	constLabels := prometheus.Labels{
		"version": version,
	}
	factory := promauto.With(Registry)

	m := &ManagerMetrics{
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "chunkvault_packets_received_total",
			Help:        "Packets parsed off manager sockets",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "chunkvault_packets_dropped_total",
			Help:        "Messages dropped as malformed, unknown or schema-invalid",
			ConstLabels: constLabels,
		}, []string{"direction"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "chunkvault_packets_sent_total",
			Help:        "Packets written to manager sockets",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		ReplyTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "chunkvault_reply_timeouts_total",
			Help:        "Requests that got no reply of the expected kind in time",
			ConstLabels: constLabels,
		}),
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "chunkvault_connections",
			Help:        "Open sockets by connection type",
			ConstLabels: constLabels,
		}, []string{"type"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "chunkvault_socket_rejections_total",
			Help:        "Socket handshakes closed with an application close code",
			ConstLabels: constLabels,
		}, []string{"reason"}),

		WorkersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_upload_workers",
			Help:        "Connected upload workers",
			ConstLabels: constLabels,
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_upload_workers_busy",
			Help:        "Upload workers currently running an upload",
			ConstLabels: constLabels,
		}),
		WorkersBooked: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_upload_workers_booked",
			Help:        "Upload workers booked to a client",
			ConstLabels: constLabels,
		}),
		Bookings: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_bookings",
			Help:        "Clients holding a booking",
			ConstLabels: constLabels,
		}),
		BookingsUnderfed: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_bookings_underserved",
			Help:        "Bookings with fewer workers than desired",
			ConstLabels: constLabels,
		}),

		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "chunkvault_uploads_total",
			Help:        "Upload attempts by outcome",
			ConstLabels: constLabels,
		}, []string{"result"}),
		UploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name:        "chunkvault_uploaded_bytes_total",
			Help:        "Bytes of files committed by successful uploads",
			ConstLabels: constLabels,
		}),
		ThumbnailQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_thumbnail_queue",
			Help:        "Thumbnail requests waiting for a thumbnail worker",
			ConstLabels: constLabels,
		}),

		PathCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name:        "chunkvault_path_cache_hits_total",
			Help:        "Path segments answered from the cache",
			ConstLabels: constLabels,
		}),
		PathCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name:        "chunkvault_path_cache_misses_total",
			Help:        "Path segments that needed a database lookup",
			ConstLabels: constLabels,
		}),
		PathCacheNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_path_cache_nodes",
			Help:        "Folders held by the path cache",
			ConstLabels: constLabels,
		}),
		LockNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_lock_nodes",
			Help:        "Nodes in the lock tree",
			ConstLabels: constLabels,
		}),

		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "chunkvault_downloads_total",
			Help:        "Finished downloads by kind and outcome",
			ConstLabels: constLabels,
		}, []string{"kind", "result"}),
		DownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "chunkvault_download_duration_seconds",
			Help:        "Time from admission request to end of stream",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_streams_active",
			Help:        "Streams holding the admission slot",
			ConstLabels: constLabels,
		}),
		StreamsWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "chunkvault_streams_waiting",
			Help:        "Streams queued for admission",
			ConstLabels: constLabels,
		}),
	}

	return m
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
