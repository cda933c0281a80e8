package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"eyecare/api/internal/metrics"
	"eyecare/api/internal/objectkey"
	"eyecare/api/internal/storage"
)

const referenceBatch = 500

// ReferenceChecker reports which primary keys are still used by a record.
type ReferenceChecker interface {
	ReferencedKeys(ctx context.Context, keys []string) (map[string]struct{}, error)
}

type Processor struct {
	backend storage.Backend
	refs    ReferenceChecker
	grace   time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type TaskPayload struct {
	Type        string `json:"type"`
	Keys        string `json:"keys"`
	Reason      string `json:"reason"`
	RequestedAt string `json:"requestedAt"`
}

func (p TaskPayload) KeyList() []string {
	if p.Keys == "" {
		return nil
	}
	return strings.Split(p.Keys, keySeparator)
}

func NewProcessor(backend storage.Backend, refs ReferenceChecker, grace time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		backend: backend,
		refs:    refs,
		grace:   grace,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	var payload TaskPayload
	if err := decodePayload(msg.Values, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch payload.Type {
	case TypePurge:
		return p.handlePurge(ctx, payload)
	case TypeSweep:
		_, err := p.Sweep(ctx)
		return err
	default:
		p.logger.Warn().Str("type", payload.Type).Str("message_id", msg.ID).Msg("unknown task type")
		return nil
	}
}

func decodePayload(values map[string]interface{}, out *TaskPayload) error {
	bytes, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, out)
}

// handlePurge deletes the listed keys unless a record references them. The
// purge was queued because an insert failed, but a retried upload must never
// lose its objects to a stale task.
func (p *Processor) handlePurge(ctx context.Context, payload TaskPayload) error {
	keys := payload.KeyList()
	if len(keys) == 0 {
		return nil
	}

	deleted, err := p.deleteUnreferenced(ctx, keys)
	if err != nil {
		return err
	}
	p.logger.Info().
		Int("requested", len(keys)).
		Int("deleted", deleted).
		Str("reason", payload.Reason).
		Msg("purge completed")
	return nil
}

type SweepResult struct {
	Scanned int
	Young   int
	Deleted int
}

// Sweep removes case objects older than the grace period whose primary key
// no record references. Thumbnails follow their primary.
func (p *Processor) Sweep(ctx context.Context) (SweepResult, error) {
	objects, err := p.backend.List(ctx, "cases/")
	if err != nil {
		return SweepResult{}, fmt.Errorf("list objects: %w", err)
	}

	var result SweepResult
	cutoff := p.now().Add(-p.grace)
	candidates := make([]string, 0, len(objects))
	for _, obj := range objects {
		result.Scanned++
		if obj.LastModified.After(cutoff) {
			result.Young++
			continue
		}
		candidates = append(candidates, obj.Key)
	}

	deleted, err := p.deleteUnreferenced(ctx, candidates)
	result.Deleted = deleted
	if err != nil {
		return result, err
	}

	p.metrics.RecordSwept(deleted)
	p.logger.Info().
		Int("scanned", result.Scanned).
		Int("young", result.Young).
		Int("deleted", result.Deleted).
		Msg("sweep completed")
	return result, nil
}

func (p *Processor) deleteUnreferenced(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += referenceBatch {
		end := start + referenceBatch
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		primaries := make([]string, 0, len(batch))
		seen := make(map[string]struct{}, len(batch))
		for _, key := range batch {
			primary := objectkey.PrimaryOf(key)
			if _, ok := seen[primary]; ok {
				continue
			}
			seen[primary] = struct{}{}
			primaries = append(primaries, primary)
		}

		referenced, err := p.refs.ReferencedKeys(ctx, primaries)
		if err != nil {
			return deleted, fmt.Errorf("referenced keys: %w", err)
		}

		var errs []error
		for _, key := range batch {
			if _, ok := referenced[objectkey.PrimaryOf(key)]; ok {
				continue
			}
			if err := p.backend.Delete(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
				continue
			}
			deleted++
			p.logger.Debug().Str("key", key).Msg("orphaned object deleted")
		}
		if len(errs) > 0 {
			return deleted, errors.Join(errs...)
		}
	}
	return deleted, nil
}
