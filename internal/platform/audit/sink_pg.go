package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGSink writes entries to the audit_log table. Writes happen outside the
// caller's transaction on purpose: an audit row must survive even when the
// guarded operation rolls back after its transition was attempted.
type PGSink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGSink(pool *pgxpool.Pool, logger zerolog.Logger) *PGSink {
	return &PGSink{pool: pool, logger: logger}
}

func (s *PGSink) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, actor_name, action, entity_kind, entity_id, detail, request_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		e.ID, e.ActorID, e.ActorName, e.Action, e.EntityKind, e.EntityID, e.Detail, e.RequestID,
	)
	if err != nil {
		// Surface in logs either way; audit failures must be visible.
		s.logger.Error().Err(err).Str("action", e.Action).Str("entity_id", e.EntityID.String()).Msg("audit: record failed")
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}
