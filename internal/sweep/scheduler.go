package sweep

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler fires the sweeper on a cron spec with seconds precision.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	onReport func(Report)
	log      *zap.Logger
}

func NewScheduler(sweeper *Sweeper, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		sweeper: sweeper,
		log:     log,
	}
}

// OnReport sets a callback invoked with each scheduled sweep's report.
// Must be called before Register.
func (s *Scheduler) OnReport(fn func(Report)) {
	s.onReport = fn
}

func (s *Scheduler) Register(ctx context.Context, spec string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		report := s.sweeper.Run(ctx)
		if s.onReport != nil {
			s.onReport(report)
		}
	}); err != nil {
		return fmt.Errorf("register sweep task: %w", err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.log.Info("sweep scheduler started")
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info("sweep scheduler stopped")
}
