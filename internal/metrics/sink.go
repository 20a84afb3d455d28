package metrics

import (
	"time"

	"devtimeline/internal/store"
)

type instrumentedSink struct {
	next    store.Sink
	metrics *Metrics
}

// InstrumentSink counts and times every insert passed through to next.
func InstrumentSink(next store.Sink, m *Metrics) store.Sink {
	return &instrumentedSink{next: next, metrics: m}
}

func (s *instrumentedSink) Insert(e *store.Event) (int64, error) {
	start := time.Now()
	id, err := s.next.Insert(e)
	s.metrics.InsertDuration.Observe(time.Since(start).Seconds())

	eventType := "unknown"
	if e != nil {
		eventType = string(e.EventType)
	}
	if err != nil {
		s.metrics.InsertErrors.WithLabelValues(eventType).Inc()
		return id, err
	}
	s.metrics.EventsInserted.WithLabelValues(eventType).Inc()
	return id, nil
}
