package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minasoft/lis-hl7/internal/hl7"
)

var (
	framesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hl7_frames_received_total",
			Help: "Total number of complete MLLP frames received",
		},
	)

	frameBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hl7_frame_bytes",
			Help:    "Size of received MLLP frame payloads",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	framesDesynced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hl7_frame_desync_total",
			Help: "Session buffers discarded because no valid frame could be formed",
		},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hl7_messages_processed_total",
			Help: "Total number of processed HL7 messages by type and outcome",
		},
		[]string{"message_type", "ack", "kind"},
	)

	processingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hl7_processing_duration_seconds",
			Help:    "Time from frame completion to reply",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"message_type"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hl7_active_connections",
			Help: "Number of open instrument connections",
		},
	)
)

// knownTypes bounds the message_type label.
var knownTypes = map[string]bool{
	"ORU^R01": true,
	"ORM^O01": true,
	"ADT^A01": true,
	"ADT^A08": true,
	"OML^O21": true,
	"QRY^A19": true,
}

func typeLabel(messageType string) string {
	if messageType == "" {
		return "none"
	}
	if knownTypes[messageType] {
		return messageType
	}
	return "other"
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Observer feeds session events into the collectors above.
type Observer struct{}

var _ hl7.Observer = Observer{}

func (Observer) FrameReceived(size int) {
	framesReceived.Inc()
	frameBytes.Observe(float64(size))
}

func (Observer) FrameDesynced() {
	framesDesynced.Inc()
}

func (Observer) MessageProcessed(messageType string, elapsed time.Duration, err error) {
	label := typeLabel(messageType)
	ack, kind := hl7.CodeAccept, ""
	if err != nil {
		ack, kind = hl7.CodeError, hl7.KindOf(err).String()
	}
	messagesProcessed.WithLabelValues(label, ack, kind).Inc()
	processingDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

func RecordActiveConnections(n int) {
	activeConnections.Set(float64(n))
}
