package job

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Supervisor enforces the wall-clock deadline of one sandbox
type Supervisor struct {
	timer    *time.Timer
	timedOut atomic.Bool
	stopped  atomic.Bool
}

// Supervise arms a timer that calls kill once when deadline passes. The
// timer does not care about I/O activity.
func Supervise(deadline time.Duration, kill func() error, logger *logrus.Entry) *Supervisor {
	s := &Supervisor{}
	s.timer = time.AfterFunc(deadline, func() {
		if s.stopped.Load() {
			return
		}
		s.timedOut.Store(true)
		logger.Warnf("Deadline of %s exceeded, killing sandbox", deadline)
		if err := kill(); err != nil {
			logger.WithError(err).Error("Failed to kill sandbox after deadline")
		}
	})
	return s
}

// Stop disarms the timer. Calling it again, or after the timer fired, is a
// no-op.
func (s *Supervisor) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.timer.Stop()
	}
}

// TimedOut reports whether the deadline fired
func (s *Supervisor) TimedOut() bool {
	return s.timedOut.Load()
}
