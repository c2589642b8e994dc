package signal

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/geocatch/client/internal/signal"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
