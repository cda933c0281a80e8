package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SweepEnqueuer is satisfied by tasks.Queue.
type SweepEnqueuer interface {
	EnqueueSweep(ctx context.Context) error
}

type Scheduler struct {
	cron     *cron.Cron
	queue    SweepEnqueuer
	schedule string
	log      zerolog.Logger
}

func NewScheduler(queue SweepEnqueuer, schedule string, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:     c,
		queue:    queue,
		schedule: schedule,
		log:      log,
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.enqueueSweep); err != nil {
		return err
	}

	s.cron.Start()
	s.log.Info().Str("schedule", s.schedule).Msg("orphan sweep scheduled")
	return nil
}

// Stop halts the cron; the returned context is done once a running job has
// finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) enqueueSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.queue.EnqueueSweep(ctx); err != nil {
		s.log.Error().Err(err).Msg("enqueue sweep failed")
		return
	}
	s.log.Debug().Msg("sweep enqueued")
}
