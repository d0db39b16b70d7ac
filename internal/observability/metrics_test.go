package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("simctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordFrame("send", "sentinel.ACK", 8)
	RecordCommand("run", "finished", 24*time.Millisecond)
	RecordHandshakeFailure("initiator", "expected_ack")
	RecordSimulation(true)
	ConnectionOpened()
	ConnectionClosed()

	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestRecordCommandCounts(t *testing.T) {
	before := testutil.ToFloat64(commands.WithLabelValues("read", "returned"))
	RecordCommand("read", "returned", time.Millisecond)
	RecordCommand("read", "returned", time.Millisecond)
	after := testutil.ToFloat64(commands.WithLabelValues("read", "returned"))
	if after-before != 2 {
		t.Fatalf("expected 2 new read commands, got %v", after-before)
	}
}
