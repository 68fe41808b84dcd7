package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/chattroom/chat-app/internal/chat"
	"github.com/chattroom/chat-app/internal/logging"
)

// DefaultSweepInterval is how often the retention sweep runs.
const DefaultSweepInterval = time.Minute

// Sweeper periodically prunes the room outside of trigger invocations, so a
// window left oversized by a failed prune is trimmed even if no new message
// arrives. Each sweep also moderates messages whose creation event was lost.
type Sweeper struct {
	trigger   *Trigger
	worker    *Worker
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewSweeper schedules the sweep every interval. Call Start to begin.
func NewSweeper(trigger *Trigger, worker *Worker, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	logger = logging.Component(logger, "sweeper")

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(gocronLogger{logger: logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("moderation: create scheduler: %w", err)
	}

	sw := &Sweeper{trigger: trigger, worker: worker, scheduler: s, logger: logger}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { sw.Sweep(context.Background()) }),
		gocron.WithName("retention-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("moderation: schedule sweep: %w", err)
	}
	return sw, nil
}

// Start begins running scheduled sweeps.
func (s *Sweeper) Start() {
	s.scheduler.Start()
	s.logger.Info("retention sweep started")
}

// Sweep prunes the room once, then moderates messages older than
// RecoveryGrace that never got a verdict. It returns the number of deleted
// messages.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, InvocationTimeout)
	defer cancel()

	pruned, err := s.trigger.Prune(ctx, "")
	if err != nil {
		s.logger.Error("sweep prune failed", "error", err)
	} else if pruned > 0 {
		s.logger.Info("sweep pruned messages", "pruned", pruned)
	}

	flagged, err := s.trigger.Recover(ctx, time.Now().Add(-RecoveryGrace))
	if err != nil {
		s.logger.Error("sweep recovery failed", "flagged", flagged, "error", err)
	}

	if s.worker != nil {
		switch {
		case flagged > 0:
			s.worker.announce(chat.NewRoomChanged(chat.ChangeModerated, ""))
		case pruned > 0:
			s.worker.announce(chat.NewRoomChanged(chat.ChangePruned, ""))
		}
	}
	return pruned
}

// Stop waits for a running sweep and shuts the scheduler down.
func (s *Sweeper) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("moderation: stop scheduler: %w", err)
	}
	return nil
}

// gocronLogger forwards scheduler logs to slog.
type gocronLogger struct {
	logger *slog.Logger
}

func (l gocronLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l gocronLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l gocronLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l gocronLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
