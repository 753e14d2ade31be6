package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/edgewatt/plugmon/internal/poller"
)

// Scheduler drives the two periodic background jobs: source refresh
// (discovery plus directory) and the poll cycle. The jobs are
// independent; a slow discovery pass never delays polling.
type Scheduler struct {
	ctx    context.Context
	poller *poller.Poller
	logger *logrus.Logger
	cron   *cron.Cron

	pollInterval      time.Duration
	discoveryInterval time.Duration
}

func NewScheduler(
	ctx context.Context,
	p *poller.Poller,
	logger *logrus.Logger,
	pollInterval, discoveryInterval time.Duration,
) *Scheduler {
	return &Scheduler{
		ctx:               ctx,
		poller:            p,
		logger:            logger,
		cron:              cron.New(),
		pollInterval:      pollInterval,
		discoveryInterval: discoveryInterval,
	}
}

// Start registers both jobs and starts the cron runner. An immediate
// source refresh seeds the device set so the first poll cycle has
// something to do.
func (s *Scheduler) Start() error {
	s.refreshSources()

	// Run discovery every discoveryInterval, polls every pollInterval
	if _, err := s.cron.AddFunc(every(s.discoveryInterval), s.refreshSources); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(every(s.pollInterval), s.runCycle); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func every(interval time.Duration) string {
	return fmt.Sprintf("@every %s", interval)
}

// refreshSources runs discovery and the directory fetch with a deadline
// short of the next tick.
func (s *Scheduler) refreshSources() {
	ctx, cancel := context.WithTimeout(s.ctx, s.discoveryInterval)
	defer cancel()

	if err := s.poller.RefreshSources(ctx); err != nil {
		s.logger.WithError(err).Warn("Source refresh produced nothing")
	}
}

// runCycle polls all known devices once.
func (s *Scheduler) runCycle() {
	ctx, cancel := context.WithTimeout(s.ctx, s.pollInterval)
	defer cancel()

	s.poller.RunCycle(ctx)
}

// Stop halts the runner and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
