package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/internal/repository/repositorytest"
	"migration-flows/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type recordingTracer struct {
	tracenoop.Tracer
	mu    sync.Mutex
	spans []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func TestInstrumentedFlowStorePassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := &repositorytest.MockFlowStore{}
	tracer := &recordingTracer{}
	store := WrapFlowStoreWith(inner, tracer, metricnoop.NewMeterProvider().Meter("test"))

	tn := models.Tenant{ClientAccountID: "a", EngagementID: "b"}
	rec := &models.MasterFlowRecord{FlowID: "f1"}
	inner.On("GetByFlowID", mock.Anything, "f1", tn).Return(rec, nil)
	inner.On("GetByFlowID", mock.Anything, "missing", tn).Return(nil, flowerr.NotFound("missing"))
	storageErr := flowerr.Storage("get master flow", errors.New("connection reset"))
	inner.On("DeleteMasterFlow", mock.Anything, "f1", tn).Return(0, storageErr)
	inner.On("Ping", mock.Anything).Return(nil)

	got, err := store.GetByFlowID(ctx, "f1", tn)
	require.NoError(t, err)
	assert.Same(t, rec, got)

	_, err = store.GetByFlowID(ctx, "missing", tn)
	assert.ErrorIs(t, err, flowerr.ErrNotFound)

	_, err = store.DeleteMasterFlow(ctx, "f1", tn)
	assert.ErrorIs(t, err, storageErr)

	require.NoError(t, store.Ping(ctx))

	assert.Equal(t, []string{
		"storage.GetByFlowID", "storage.GetByFlowID", "storage.DeleteMasterFlow", "storage.Ping",
	}, tracer.spans)
	inner.AssertExpectations(t)
}

func TestMetricsNilSafe(t *testing.T) {
	ctx := context.Background()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMutation(ctx, "op", "best_effort", "applied")
		m.RecordConflict(ctx, "op", "best_effort")
		m.RecordDropped(ctx, "op", "payload_too_large")
		m.RecordRejectedKeys(ctx, 2)
	})

	m, err := NewMetrics(metricnoop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordMutation(ctx, "op", "authoritative", "applied")
		m.RecordRejectedKeys(ctx, 0)
	})
}
