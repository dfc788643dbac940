// internal/jobs/scheduler.go
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/pkg/metrics"
)

// Job is a unit of periodic work. Run returns how many items it handled.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Scheduler runs each job on its own ticker until the context ends
type Scheduler struct {
	jobs    map[string]Job
	order   []string
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewScheduler creates an empty scheduler. m may be nil.
func NewScheduler(log logrus.FieldLogger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{jobs: make(map[string]Job), log: log, metrics: m}
}

// Add registers a job. Jobs without a positive interval are only run on demand.
func (s *Scheduler) Add(j Job) {
	if _, exists := s.jobs[j.Name]; !exists {
		s.order = append(s.order, j.Name)
	}
	s.jobs[j.Name] = j
}

// Names lists the registered jobs in registration order
func (s *Scheduler) Names() []string {
	return append([]string(nil), s.order...)
}

// Start blocks running the jobs until ctx is cancelled and every in-flight
// run has returned
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range s.order {
		j := s.jobs[name]
		if j.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}

	s.log.WithField("jobs", len(s.order)).Info("Job scheduler started")
	wg.Wait()
	s.log.Info("Job scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.execute(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs the named job immediately
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	j, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j Job) (n int, err error) {
	start := time.Now()
	log := s.log.WithField("job", j.Name)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}

		status := "ok"
		if err != nil {
			status = "failed"
			log.WithError(err).Error("Job failed")
		} else if n > 0 {
			log.WithFields(logrus.Fields{
				"count":   n,
				"elapsed": time.Since(start).String(),
			}).Info("Job finished")
		}
		if s.metrics != nil {
			s.metrics.JobRuns.WithLabelValues(j.Name, status).Inc()
		}
	}()

	return j.Run(ctx)
}
