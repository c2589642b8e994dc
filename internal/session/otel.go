package session

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/geocatch/client/internal/session"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type instruments struct {
	throttle      metric.Int64Counter
	refreshes     metric.Int64Counter
	pushes        metric.Int64Counter
	captures      metric.Int64Counter
	confirmations metric.Int64Counter
}

func newInstruments() (*instruments, error) {
	m := meter()
	ins := &instruments{}

	var err error
	if ins.throttle, err = m.Int64Counter(
		"session.throttle.decisions",
		metric.WithDescription("Location fixes evaluated by each throttle, by outcome"),
	); err != nil {
		return nil, fmt.Errorf("creating throttle counter: %w", err)
	}
	if ins.refreshes, err = m.Int64Counter(
		"session.refreshes",
		metric.WithDescription("Nearby refreshes completed, by reason and outcome"),
	); err != nil {
		return nil, fmt.Errorf("creating refresh counter: %w", err)
	}
	if ins.pushes, err = m.Int64Counter(
		"session.pushes",
		metric.WithDescription("Push events received, by class and outcome"),
	); err != nil {
		return nil, fmt.Errorf("creating push counter: %w", err)
	}
	if ins.captures, err = m.Int64Counter(
		"session.captures",
		metric.WithDescription("Capture attempts, by outcome"),
	); err != nil {
		return nil, fmt.Errorf("creating capture counter: %w", err)
	}
	if ins.confirmations, err = m.Int64Counter(
		"session.confirmations",
		metric.WithDescription("Capture confirmations, by outcome"),
	); err != nil {
		return nil, fmt.Errorf("creating confirmation counter: %w", err)
	}
	return ins, nil
}
