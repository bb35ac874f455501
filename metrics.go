package sparse

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/sparse/pkg/stats"
)

var (
	MetricConnEstCount          = []string{"sparse", "connection", "established", "count"}
	MetricConnErrorCount        = []string{"sparse", "connection", "error", "count"}
	MetricSessionLostCount      = []string{"sparse", "session", "lost", "count"}
	MetricUDPBufferSizeBytes    = []string{"sparse", "udp", "buffer", "size", "bytes"}
	MetricFrameInBytes          = []string{"sparse", "frame", "in", "bytes"}
	MetricFrameOutBytes         = []string{"sparse", "frame", "out", "bytes"}
	MetricDeployRetryCount      = []string{"sparse", "deployer", "retry", "count"}
	MetricDeployUnavailable     = []string{"sparse", "deployer", "upstream", "unavailable", "count"}
	MetricDeployInFlight        = []string{"sparse", "deployer", "inflight"}
	MetricDeployLatency         = []string{"sparse", "deployer", "latency", "ms"}
	MetricDeployErrorCount      = []string{"sparse", "deployer", "error", "count"}
	MetricTaskCount             = []string{"sparse", "worker", "task", "count"}
	MetricTaskErrorCount        = []string{"sparse", "worker", "task", "error", "count"}
	MetricTaskLatency           = []string{"sparse", "worker", "task", "latency", "ms"}
	MetricStatsDroppedCount     = []string{"sparse", "stats", "dropped", "count"}
	MetricMonitorRecordCount    = []string{"sparse", "monitor", "record", "count"}
	MetricMonitorRecordLatency  = []string{"sparse", "monitor", "record", "latency", "ms"}
	MetricMonitorInvalidRecords = []string{"sparse", "monitor", "record", "invalid", "count"}
)

type TelemetryLabel string

var (
	LabelError         TelemetryLabel = "error"
	LabelPeerAddr      TelemetryLabel = "peer_addr"
	LabelPeerName      TelemetryLabel = "peer_name"
	LabelSessionID     TelemetryLabel = "session_id"
	LabelPerspective   TelemetryLabel = "perspective"
	LabelCorrelationID TelemetryLabel = "correlation_id"
	LabelNodeID        TelemetryLabel = "node_id"
	LabelRole          TelemetryLabel = "role"
	LabelOperation     TelemetryLabel = "operation"
	LabelAttempt       TelemetryLabel = "attempt"
	LabelDuration      TelemetryLabel = "duration"
	LabelRecord        TelemetryLabel = "record"
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

// withLabels returns a fresh slice so callers never share the backing array
// of the static labels.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}

func recordLabels(static []metrics.Label, rec stats.Record) []metrics.Label {
	return withLabels(static,
		LabelNodeID.M(rec.NodeID),
		LabelRole.M(rec.Role),
		LabelOperation.M(rec.Operation),
	)
}
