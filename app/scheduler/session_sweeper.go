// Package scheduler runs the background jobs of the watch-link service
package scheduler

import (
	"context"
	"time"

	"github.com/amirphl/Kusanagi/app/metrics"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval  = 5 * time.Minute
	defaultSweepBatchSize = 500
	defaultRetention      = utils.WatchSessionRetention

	// bounds one run so a huge backlog cannot pin the loop
	maxSweepBatches = 100
)

// SessionArchiver is the part of the watch session repository the sweeper needs
type SessionArchiver interface {
	ArchiveExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	PurgeArchived(ctx context.Context, before time.Time, limit int) (int64, error)
}

// SessionSweeper periodically archives expired sessions and purges old archives
type SessionSweeper struct {
	repo      SessionArchiver
	interval  time.Duration
	batchSize int
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewSessionSweeper(repo SessionArchiver, cfg config.WatchLinkConfig, logger *zap.Logger) *SessionSweeper {
	s := &SessionSweeper{
		repo:      repo,
		interval:  cfg.SweepInterval,
		batchSize: cfg.SweepBatchSize,
		retention: cfg.Retention,
		logger:    logger,
		now:       utils.UTCNow,
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultSweepBatchSize
	}
	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("session_sweeper")
	return s
}

// Start launches the sweep loop in a background goroutine and returns a stop function
func (s *SessionSweeper) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runAndLog(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runAndLog(ctx)
			}
		}
	}()

	s.logger.Info("session sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention))

	return func() {
		cancel()
		<-done
		s.logger.Info("session sweeper stopped")
	}
}

func (s *SessionSweeper) runAndLog(ctx context.Context) {
	archived, purged, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("session sweep failed",
			zap.Int64("archived", archived),
			zap.Int64("purged", purged),
			zap.Error(err))
		return
	}
	if archived > 0 || purged > 0 {
		s.logger.Info("session sweep finished",
			zap.Int64("archived", archived),
			zap.Int64("purged", purged))
	}
}

// RunOnce archives every unfinished session past its deadline, then deletes
// archives older than the retention window. Completed sessions are never touched.
func (s *SessionSweeper) RunOnce(ctx context.Context) (archived, purged int64, err error) {
	now := s.now()

	archived, err = s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.ArchiveExpired(ctx, now, s.batchSize)
	})
	metrics.ObserveSwept("archived", archived)
	if err != nil {
		return archived, 0, err
	}

	purged, err = s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.PurgeArchived(ctx, now.Add(-s.retention), s.batchSize)
	})
	metrics.ObserveSwept("purged", purged)
	return archived, purged, err
}

// drain repeats step until a batch comes back short
func (s *SessionSweeper) drain(ctx context.Context, step func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for range maxSweepBatches {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := step(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.batchSize) {
			break
		}
	}
	return total, nil
}
