// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	relaysReceived            = metrics.NewCounter("relays_received_total")
	relaysConfirmed           = metrics.NewCounter("relays_confirmed_total")
	relaysRejectedSignature   = metrics.NewCounter("relays_rejected_signature_total")
	relaysRejectedRateLimit   = metrics.NewCounter("relays_rejected_rate_limit_total")
	relaysRejectedReplay      = metrics.NewCounter("relays_rejected_replay_total")
	relaysSubmissionFailed    = metrics.NewCounter("relays_submission_failed_total")
	relaysConfirmationTimeout = metrics.NewCounter("relays_confirmation_timeout_total")
	gasSponsored              = metrics.NewCounter("gas_sponsored_total")
)

func IncRelaysReceived() {
	relaysReceived.Inc()
}

func IncRelaysConfirmed() {
	relaysConfirmed.Inc()
}

func IncRelaysRejectedSignature() {
	relaysRejectedSignature.Inc()
}

func IncRelaysRejectedRateLimit() {
	relaysRejectedRateLimit.Inc()
}

func IncRelaysRejectedReplay() {
	relaysRejectedReplay.Inc()
}

func IncRelaysSubmissionFailed() {
	relaysSubmissionFailed.Inc()
}

func IncRelaysConfirmationTimeout() {
	relaysConfirmationTimeout.Inc()
}

func AddGasSponsored(gas uint64) {
	gasSponsored.Add(int(gas))
}

func RecordEndpointDuration(endpoint string, durationMs int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`endpoint_duration_ms{endpoint=%q}`, endpoint)).Update(float64(durationMs))
}

func IncEndpointFailure(endpoint string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`endpoint_failure_total{endpoint=%q}`, endpoint)).Inc()
}
