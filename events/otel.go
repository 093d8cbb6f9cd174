package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: the event type (e.g., "NODE_STARTED")
//   - Attributes: execution id, index, node id where applicable
//   - Status: error for NODE_FAILED / FLOW_FAILED / EDGE_TRANSFER_FAILED
//
// Spans are created and ended immediately — events represent points in time,
// not durations. The configured span processor batches them for export.
//
// Usage:
//
//	tracer := otel.Tracer("chaingraph")
//	emitter := events.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("chaingraph.execution_id", event.ExecutionID),
		attribute.Int64("chaingraph.event_index", event.Index),
	)
	if nodeID := eventNodeID(event); nodeID != "" {
		span.SetAttributes(attribute.String("chaingraph.node_id", nodeID))
	}

	switch data := event.Data.(type) {
	case *NodeFailedData:
		span.SetStatus(codes.Error, data.Error)
		span.RecordError(fmt.Errorf("%s", data.Error))
	case *FlowErrorData:
		if data.Error != "" {
			span.SetStatus(codes.Error, data.Error)
			span.RecordError(fmt.Errorf("%s", data.Error))
		}
	case *EdgeTransferData:
		if data.Error != "" {
			span.SetStatus(codes.Error, data.Error)
		}
	}

	if event.Data != nil {
		if payload, err := json.Marshal(event.Data); err == nil {
			span.SetAttributes(attribute.String("chaingraph.payload", string(payload)))
		}
	}
}
