package telemetry

import (
	"context"
	"time"

	"migration-flows/backend/internal/flowerr"
	"migration-flows/backend/internal/repository"
	"migration-flows/backend/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const storageScopeName = "migration-flows/backend/storage"

// InstrumentedFlowStore wraps a repository.FlowStore with a span and an
// operation counter per call.
type InstrumentedFlowStore struct {
	inner  repository.FlowStore
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

var _ repository.FlowStore = (*InstrumentedFlowStore)(nil)

// WrapFlowStore decorates s using the global tracer and meter providers.
func WrapFlowStore(s repository.FlowStore) *InstrumentedFlowStore {
	return WrapFlowStoreWith(s, otel.Tracer(storageScopeName), otel.Meter(storageScopeName))
}

// WrapFlowStoreWith decorates s using explicit providers.
func WrapFlowStoreWith(s repository.FlowStore, tracer trace.Tracer, meter metric.Meter) *InstrumentedFlowStore {
	ops, _ := meter.Int64Counter("flows.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := meter.Float64Histogram("flows.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := meter.Int64Counter("flows.storage.errors",
		metric.WithDescription("Storage operations that failed, by error category"),
	)
	return &InstrumentedFlowStore{inner: s, tracer: tracer, ops: ops, dur: dur, errs: errs}
}

func (s *InstrumentedFlowStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span. Not-found is an expected answer, not a failure.
func (s *InstrumentedFlowStore) done(ctx context.Context, span trace.Span, start time.Time, name string, err error) {
	opAttr := attribute.String("db.operation", name)
	s.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(opAttr))
	if err != nil {
		cat := flowerr.CategoryOf(err)
		span.SetAttributes(attribute.String("flows.error.category", string(cat)))
		if cat != flowerr.CatNotFound {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.errs.Add(ctx, 1, metric.WithAttributes(opAttr, attribute.String("flows.error.category", string(cat))))
	}
	span.End()
}

func flowAttr(flowID string) attribute.KeyValue { return attribute.String("flows.flow_id", flowID) }

func (s *InstrumentedFlowStore) CreateMasterFlow(ctx context.Context, rec *models.MasterFlowRecord) error {
	ctx, span, t := s.op(ctx, "CreateMasterFlow", flowAttr(rec.FlowID), attribute.String("flows.flow_type", string(rec.FlowType)))
	err := s.inner.CreateMasterFlow(ctx, rec)
	s.done(ctx, span, t, "CreateMasterFlow", err)
	return err
}

func (s *InstrumentedFlowStore) GetByFlowID(ctx context.Context, flowID string, tn models.Tenant) (*models.MasterFlowRecord, error) {
	ctx, span, t := s.op(ctx, "GetByFlowID", flowAttr(flowID))
	v, err := s.inner.GetByFlowID(ctx, flowID, tn)
	s.done(ctx, span, t, "GetByFlowID", err)
	return v, err
}

func (s *InstrumentedFlowStore) GetByFlowIDGlobal(ctx context.Context, flowID string) (*models.MasterFlowRecord, error) {
	ctx, span, t := s.op(ctx, "GetByFlowIDGlobal", flowAttr(flowID))
	v, err := s.inner.GetByFlowIDGlobal(ctx, flowID)
	s.done(ctx, span, t, "GetByFlowIDGlobal", err)
	return v, err
}

func (s *InstrumentedFlowStore) ListFlows(ctx context.Context, tn models.Tenant, filter models.FlowFilter) ([]*models.MasterFlowRecord, error) {
	ctx, span, t := s.op(ctx, "ListFlows",
		attribute.String("flows.flow_type", string(filter.FlowType)),
		attribute.Bool("flows.active_only", filter.ActiveOnly),
	)
	v, err := s.inner.ListFlows(ctx, tn, filter)
	s.done(ctx, span, t, "ListFlows", err)
	return v, err
}

func (s *InstrumentedFlowStore) MutateFlow(ctx context.Context, flowID string, tn models.Tenant, fn repository.MutateFunc) (*models.MasterFlowRecord, error) {
	ctx, span, t := s.op(ctx, "MutateFlow", flowAttr(flowID))
	v, err := s.inner.MutateFlow(ctx, flowID, tn, fn)
	s.done(ctx, span, t, "MutateFlow", err)
	return v, err
}

func (s *InstrumentedFlowStore) DeleteMasterFlow(ctx context.Context, flowID string, tn models.Tenant) (int, error) {
	ctx, span, t := s.op(ctx, "DeleteMasterFlow", flowAttr(flowID))
	n, err := s.inner.DeleteMasterFlow(ctx, flowID, tn)
	span.SetAttributes(attribute.Int("flows.children_removed", n))
	s.done(ctx, span, t, "DeleteMasterFlow", err)
	return n, err
}

func (s *InstrumentedFlowStore) CountFlows(ctx context.Context, tn models.Tenant) ([]models.FlowCount, error) {
	ctx, span, t := s.op(ctx, "CountFlows")
	v, err := s.inner.CountFlows(ctx, tn)
	s.done(ctx, span, t, "CountFlows", err)
	return v, err
}

func (s *InstrumentedFlowStore) CreateChildFlow(ctx context.Context, child *models.ChildFlowRecord) error {
	ctx, span, t := s.op(ctx, "CreateChildFlow",
		attribute.String("flows.master_flow_id", child.MasterFlowID),
		attribute.String("flows.flow_type", string(child.FlowType)),
	)
	err := s.inner.CreateChildFlow(ctx, child)
	s.done(ctx, span, t, "CreateChildFlow", err)
	return err
}

func (s *InstrumentedFlowStore) GetChildFlow(ctx context.Context, flowType models.FlowType, flowID string, tn models.Tenant) (*models.ChildFlowRecord, error) {
	ctx, span, t := s.op(ctx, "GetChildFlow", flowAttr(flowID), attribute.String("flows.flow_type", string(flowType)))
	v, err := s.inner.GetChildFlow(ctx, flowType, flowID, tn)
	s.done(ctx, span, t, "GetChildFlow", err)
	return v, err
}

func (s *InstrumentedFlowStore) ListChildFlows(ctx context.Context, masterFlowID string, tn models.Tenant) ([]*models.ChildFlowRecord, error) {
	ctx, span, t := s.op(ctx, "ListChildFlows", attribute.String("flows.master_flow_id", masterFlowID))
	v, err := s.inner.ListChildFlows(ctx, masterFlowID, tn)
	s.done(ctx, span, t, "ListChildFlows", err)
	return v, err
}

func (s *InstrumentedFlowStore) UpdateChildPhaseStatus(ctx context.Context, flowType models.FlowType, flowID string, tn models.Tenant, phase, status string) (*models.ChildFlowRecord, error) {
	ctx, span, t := s.op(ctx, "UpdateChildPhaseStatus", flowAttr(flowID), attribute.String("flows.phase", phase))
	v, err := s.inner.UpdateChildPhaseStatus(ctx, flowType, flowID, tn, phase, status)
	s.done(ctx, span, t, "UpdateChildPhaseStatus", err)
	return v, err
}

func (s *InstrumentedFlowStore) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, "Ping", err)
	return err
}
