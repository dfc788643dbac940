// internal/domain/checkout/compensation.go
package checkout

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/pkg/metrics"
)

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// compensator collects undo steps as checkout progresses and runs them in
// reverse when a later step fails. A nil compensator ignores pushes, which is
// how steps inside a database transaction skip it.
type compensator struct {
	steps   []undoStep
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func newCompensator(log logrus.FieldLogger, m *metrics.Metrics) *compensator {
	return &compensator{log: log, metrics: m}
}

func (c *compensator) push(name string, fn func(ctx context.Context) error) {
	if c == nil {
		return
	}
	c.steps = append(c.steps, undoStep{name: name, fn: fn})
}

// unwind runs every step, newest first. Failures are logged and never
// replace cause.
func (c *compensator) unwind(ctx context.Context, cause error) {
	if c == nil {
		return
	}
	// The request context may already be cancelled; undo must still run.
	ctx = context.WithoutCancel(ctx)

	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		result := "ok"
		if err := step.fn(ctx); err != nil {
			result = "failed"
			c.log.WithError(err).WithFields(logrus.Fields{
				"step":  step.name,
				"cause": cause.Error(),
			}).Error("Compensation step failed")
		} else {
			c.log.WithField("step", step.name).Debug("Compensation step done")
		}
		if c.metrics != nil {
			c.metrics.Compensations.WithLabelValues(step.name, result).Inc()
		}
	}
	c.steps = nil
}
