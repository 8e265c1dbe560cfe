package meshlink

import (
	"log/slog"
	"slices"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricDatagramInBytes represents how much bytes have been received
	// by the datagram engine.
	MetricDatagramInBytes         = []string{"meshlink", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount    = []string{"meshlink", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes        = []string{"meshlink", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount   = []string{"meshlink", "datagram", "out", "error", "count"}
	MetricUDPBufferSizeBytes      = []string{"meshlink", "udp", "buffer", "size", "bytes"}
	MetricConnEstCount            = []string{"meshlink", "connection", "established", "count"}
	MetricConnErrorCount          = []string{"meshlink", "connection", "error", "count"}
	MetricTransportRetryCount     = []string{"meshlink", "transport", "retry", "count"}
	MetricTransportTimeoutCount   = []string{"meshlink", "transport", "timeout", "count"}
	MetricTransportAckCount       = []string{"meshlink", "transport", "ack", "count"}
	MetricTransportDuplicateCount = []string{"meshlink", "transport", "duplicate", "count"}
	MetricTransportEvictionCount  = []string{"meshlink", "transport", "dedup", "eviction", "count"}
	MetricTransportDropCount      = []string{"meshlink", "transport", "drop", "count"}
	MetricTransportPending        = []string{"meshlink", "transport", "pending"}
	MetricDeliveryHandledCount    = []string{"meshlink", "delivery", "handled", "count"}
	MetricDeliveryDropCount       = []string{"meshlink", "delivery", "drop", "count"}
	MetricDeliveryResponseCount   = []string{"meshlink", "delivery", "response", "count"}
	MetricDeliveryTimeoutCount    = []string{"meshlink", "delivery", "response", "timeout", "count"}
	MetricDeliveryWaiters         = []string{"meshlink", "delivery", "waiters"}
	MetricBrokerSendCount         = []string{"meshlink", "broker", "send", "count"}
	MetricBrokerRelayCount        = []string{"meshlink", "broker", "relay", "count"}
	MetricBrokerDeadNodeCount     = []string{"meshlink", "broker", "dead", "node", "count"}
	MetricBrokerFailoverCount     = []string{"meshlink", "broker", "failover", "count"}
	MetricGossipMembers           = []string{"meshlink", "gossip", "members"}
	MetricGossipMetaErrorCount    = []string{"meshlink", "gossip", "meta", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelHandlerID TelemetryLabel = "handler_id"
	LabelMessageID TelemetryLabel = "message_id"
	LabelRequestID TelemetryLabel = "request_id"
	LabelNodeType  TelemetryLabel = "node_type"
	LabelDuration  TelemetryLabel = "duration"
	LabelReason    TelemetryLabel = "reason"
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

// withLabels never aliases the static labels slice shared by a component.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	return slices.Concat(static, extra)
}
