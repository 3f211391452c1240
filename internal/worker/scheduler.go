package worker

import (
	"github.com/robfig/cron/v3"

	"github.com/martinsuchenak/sweepd/internal/log"
)

// Scheduler runs unattended auto-scans on a cron schedule
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler that invokes trigger on every tick
// of spec. Spec accepts standard cron expressions and descriptors like
// "@hourly" or "@every 6h".
func NewScheduler(spec string, trigger func()) (*Scheduler, error) {
	c := cron.New()

	if _, err := c.AddFunc(spec, func() {
		log.Info("Scheduled auto-scan triggered", "schedule", spec)
		trigger()
	}); err != nil {
		return nil, err
	}

	return &Scheduler{cron: c}, nil
}

// Start begins the schedule
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info("Auto-scan scheduler started")
}

// Stop stops the schedule; already-running scans are unaffected
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Info("Auto-scan scheduler stopped")
}
