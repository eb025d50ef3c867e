package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule purges expired cooldowns once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically removes expired cooldown entries left behind by
// restarts or crashes.
type Sweeper struct {
	store Store
	cron  *cron.Cron
	log   zerolog.Logger
	now   func() time.Time
}

// NewSweeper schedules store purges. schedule uses the standard cron syntax
// or descriptors such as "@every 5m"; empty means DefaultSweepSchedule.
func NewSweeper(store Store, schedule string, log zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		store: store,
		cron:  cron.New(),
		log:   log,
		now:   time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Sweep runs one purge.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.store.PurgeExpiredCooldowns(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("purge expired cooldowns")
		return n
	}
	if n > 0 {
		s.log.Debug().Int("removed", n).Msg("expired cooldowns purged")
	}
	return n
}

// Run starts the schedule and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
