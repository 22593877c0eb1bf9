package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogSink writes entries to the structured log. Used in development and as a
// test double.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	s.logger.Info().
		Str("actor_id", e.ActorID.String()).
		Str("actor_name", e.ActorName).
		Str("action", e.Action).
		Str("entity_kind", e.EntityKind).
		Str("entity_id", e.EntityID.String()).
		Str("request_id", e.RequestID).
		Time("recorded_at", orNow(e.RecordedAt)).
		Msg("audit")
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
