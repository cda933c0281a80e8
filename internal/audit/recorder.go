// Package audit forwards access decisions to the clinic's audit trail.
package audit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"eyecare/api/internal/access"
	"eyecare/api/internal/metrics"
)

const streamMaxLen = 100_000

// Recorder logs every decision and appends it to a Redis stream consumed by
// the audit service. A nil client keeps the log line only.
type Recorder struct {
	client *redis.Client
	stream string
	log    zerolog.Logger
	now    func() time.Time
}

func NewRecorder(client *redis.Client, stream string, log zerolog.Logger) *Recorder {
	return &Recorder{
		client: client,
		stream: stream,
		log:    log.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

func (r *Recorder) Observe(ctx context.Context, d access.Decision) {
	outcome := metrics.Outcome(d)

	event := r.log.Info()
	if outcome == "denied" {
		event = r.log.Warn()
	}
	event.
		Str("requester_id", d.Requester.ID).
		Str("role", string(d.Requester.Role)).
		Str("kind", string(d.Kind)).
		Str("resource_id", d.ResourceID).
		Str("owner_id", d.OwnerID).
		Str("outcome", outcome).
		Msg("access decision")

	if r.client == nil || r.stream == "" {
		return
	}

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"requesterId": d.Requester.ID,
			"role":        string(d.Requester.Role),
			"kind":        string(d.Kind),
			"resourceId":  d.ResourceID,
			"ownerId":     d.OwnerID,
			"outcome":     outcome,
			"at":          r.now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		r.log.Error().Err(err).Str("resource_id", d.ResourceID).Msg("append audit event")
	}
}
