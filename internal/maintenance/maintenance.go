// Package maintenance runs a periodic background sweep of the upload
// staging directory, supplementing internal/upload's per-call rotation
// for the case where no chat ever arrives to trigger it.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/openclaw-relay/internal/upload"
)

// Rotator is the subset of *upload.Store maintenance depends on.
type Rotator interface {
	Rotate(ctx context.Context) (upload.RotationResult, error)
}

// Config configures the sweep.
type Config struct {
	Store  Rotator
	Logger *slog.Logger
	// Schedule is a standard 5-field cron expression or a robfig/cron
	// descriptor such as "@every 1h". Defaults to "@every 1h".
	Schedule string
}

// Sweeper wraps a cron.Cron running a single upload-rotation job.
type Sweeper struct {
	cron   *cronlib.Cron
	store  Rotator
	logger *slog.Logger
}

// New constructs a Sweeper. Call Start to begin running it.
func New(cfg Config) (*Sweeper, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")

	s := &Sweeper{
		cron:   cronlib.New(),
		store:  cfg.Store,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron scheduler in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("maintenance sweeper started")
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := s.store.Rotate(ctx)
	if err != nil {
		s.logger.Error("upload rotation sweep failed", "error", err)
		return
	}
	if result.PurgedFiles > 0 {
		s.logger.Info("upload rotation sweep complete", "purgedFiles", result.PurgedFiles)
	}
}
