package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper enforces the age-based retention policy: entries not updated
// within the retention window are deleted on a daily schedule. It runs
// outside the read/write paths and holds no state the store depends on.
type Sweeper struct {
	store  *Store
	logger *slog.Logger
	days   int
	cron   *cron.Cron
}

// NewSweeper creates a retention sweeper. days <= 0 disables sweeping.
func NewSweeper(store *Store, logger *slog.Logger, days int) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  store,
		logger: logger,
		days:   days,
	}
}

// Start schedules the daily sweep. The first run happens on schedule,
// not at startup, so process restarts don't cluster deletes.
func (s *Sweeper) Start() error {
	if s.days <= 0 {
		s.logger.Debug("memory retention disabled")
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc("13 4 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("memory retention sweep scheduled", "retention_days", s.days)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep deletes entries older than the retention window and returns
// how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.days)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("retention sweep removed expired memories", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
