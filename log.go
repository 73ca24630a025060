package keyset

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var _tracer = otel.Tracer("github.com/Alp4ka/keyset")

// logger returns the package logger. It follows zap's global logger, which is a
// no-op until the host application calls zap.ReplaceGlobals.
func logger() *zap.Logger {
	return zap.L().Named("keyset")
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return err
}
