package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all duelog metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	RunsCreated      metric.Int64Counter
	MessagesAppended metric.Int64Counter
	RunsPatched      metric.Int64Counter
	HTTPErrors       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("duelog.request.duration",
		metric.WithDescription("API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCreated, err = meter.Int64Counter("duelog.runs.created",
		metric.WithDescription("Total runs created"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesAppended, err = meter.Int64Counter("duelog.messages.appended",
		metric.WithDescription("Total transcript messages appended"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsPatched, err = meter.Int64Counter("duelog.runs.patched",
		metric.WithDescription("Total partial run updates applied"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrors, err = meter.Int64Counter("duelog.http.errors",
		metric.WithDescription("Total 4xx error responses"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
