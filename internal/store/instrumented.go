package store

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/carelink/pkg/metrics"
)

// Instrumented records counts and latency of every store call.
type Instrumented struct {
	inner   Store
	metrics *metrics.Metrics
}

func NewInstrumented(inner Store, m *metrics.Metrics) *Instrumented {
	return &Instrumented{inner: inner, metrics: m}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "miss"
	case err != nil:
		status = "error"
	}
	s.metrics.StoreOperations.WithLabelValues(op, status).Inc()
	s.metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) Get(ctx context.Context, key string) (b []byte, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	return s.inner.Get(ctx, key)
}

func (s *Instrumented) Set(ctx context.Context, key string, value []byte) (err error) {
	defer func(start time.Time) { s.observe("set", start, err) }(time.Now())
	return s.inner.Set(ctx, key, value)
}

func (s *Instrumented) Remove(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { s.observe("remove", start, err) }(time.Now())
	return s.inner.Remove(ctx, key)
}

func (s *Instrumented) ListKeys(ctx context.Context) (keys []string, err error) {
	defer func(start time.Time) { s.observe("list_keys", start, err) }(time.Now())
	return s.inner.ListKeys(ctx)
}

func (s *Instrumented) Close() error {
	return s.inner.Close()
}
