package drumpond

import (
	"log/slog"
	"net"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricRelayConnAcceptCount counts connections accepted by the relay.
	MetricRelayConnAcceptCount       = []string{"drumpond", "relay", "connection", "accepted", "count"}
	MetricRelayRegisterCount         = []string{"drumpond", "relay", "register", "count"}
	MetricRelayRegisterConflictCount = []string{"drumpond", "relay", "register", "conflict", "count"}
	MetricRelayBroadcastCount        = []string{"drumpond", "relay", "broadcast", "count"}
	MetricRelayDeliveryDropCount     = []string{"drumpond", "relay", "delivery", "drop", "count"}
	MetricRelayDecodeErrorCount      = []string{"drumpond", "relay", "decode", "error", "count"}
	MetricRelayPeers                 = []string{"drumpond", "relay", "peers"}

	MetricClientSendCount      = []string{"drumpond", "client", "send", "count"}
	MetricClientRecvCount      = []string{"drumpond", "client", "recv", "count"}
	MetricClientDialRetryCount = []string{"drumpond", "client", "dial", "retry", "count"}

	MetricSinkConnAcceptCount  = []string{"drumpond", "sink", "connection", "accepted", "count"}
	MetricSinkRecordCount      = []string{"drumpond", "sink", "record", "count"}
	MetricSinkDecodeErrorCount = []string{"drumpond", "sink", "decode", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelPeerName TelemetryLabel = "peer_name"
	LabelTask     TelemetryLabel = "task"
	LabelKind     TelemetryLabel = "kind"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// telemetry is shared by every component owning a logger and a sink.
type telemetry struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newTelemetry(cfg *config) telemetry {
	t := telemetry{
		msink:  cfg.metricSink,
		labels: cfg.metricLabels,
	}

	if cfg.logHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.logHandler)
	}

	if t.msink == nil {
		t.msink = metrics.Default()
	}
	return t
}

func (t *telemetry) incr(key []string, labels ...metrics.Label) {
	t.msink.IncrCounterWithLabels(key, 1.0, t.withLabels(labels))
}

func (t *telemetry) gauge(key []string, val float32, labels ...metrics.Label) {
	t.msink.SetGaugeWithLabels(key, val, t.withLabels(labels))
}

func (t *telemetry) withLabels(labels []metrics.Label) []metrics.Label {
	if len(labels) == 0 {
		return t.labels
	}
	all := make([]metrics.Label, 0, len(t.labels)+len(labels))
	all = append(all, t.labels...)
	return append(all, labels...)
}

// connLogger annotates the logs of the task handling conn.
func (t *telemetry) connLogger(id string, conn net.Conn) *slog.Logger {
	return t.logger.With(
		LabelPeerAddr.L(conn.RemoteAddr().String()),
		LabelTask.L(id),
	)
}
