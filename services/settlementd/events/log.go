package events

import (
	"context"
	"log/slog"
)

// LogSink writes each record as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(rec Record) {
	if s == nil {
		return
	}
	args := make([]any, 0, 2*len(rec.Attributes)+4)
	for k, v := range rec.Attributes {
		args = append(args, k, v)
	}
	if rec.Duration > 0 {
		args = append(args, "duration_ms", rec.Duration.Milliseconds())
	}
	if rec.Value != 0 {
		args = append(args, "value", rec.Value)
	}
	level := slog.LevelInfo
	switch rec.Kind {
	case KindSettlementFailed, KindSettlementTimedOut, KindBackendError, KindLiquidationFallback, KindBondSlashed:
		level = slog.LevelWarn
	case KindAuctionOpened, KindQuoteAccepted:
		level = slog.LevelDebug
	}
	s.logger.Log(context.Background(), level, "settlementd/event: "+string(rec.Kind), args...)
}
