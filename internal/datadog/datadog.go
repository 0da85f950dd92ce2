package datadog

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"
)

var dogstatsd *statsd.Client
var logFailures bool

// InitMetrics creates the DogStatsD client. All emit helpers are no-ops
// until this succeeds, so metrics stay optional in dev setups.
func InitMetrics(agentAddr, namespace string, tags []string, logEmitFailures bool) {
	if agentAddr == "" {
		log.Info().Msg("Datadog agent address not configured - metrics disabled")
		return
	}

	var err error
	dogstatsd, err = statsd.New(agentAddr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	dogstatsd.Namespace = namespace
	dogstatsd.Tags = tags
	logFailures = logEmitFailures

	log.Info().
		Str("addr", agentAddr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Datadog metrics initialized")
}

func Gauge(name string, value float64, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Gauge(name, value, tags, 1)
		if err != nil && logFailures {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Count(name string, value int64, tags ...string) {
	if dogstatsd != nil {
		err := dogstatsd.Count(name, value, tags, 1)
		if err != nil && logFailures {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
		}
	}
}
