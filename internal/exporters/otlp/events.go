package otlp

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Events emits agent lifecycle events (interception installed, agents
// discovered, shutdown) as OTLP log records. A nil *Events is valid
// and drops everything, so callers need no log-pipeline guard.
type Events struct {
	logger otellog.Logger
}

func NewEvents(lp *sdklog.LoggerProvider) *Events {
	if lp == nil {
		return nil
	}
	return &Events{logger: lp.Logger("gpuscope/lifecycle")}
}

func (e *Events) Emit(ctx context.Context, msg string, attrs ...otellog.KeyValue) {
	if e == nil {
		return
	}
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue(msg))
	rec.AddAttributes(attrs...)
	e.logger.Emit(ctx, rec)
}
