package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type release struct {
	name string
	fn   func(ctx context.Context) error
}

// Cleanup releases a job's resources in reverse acquisition order. Run
// executes at most once; later calls return nil.
type Cleanup struct {
	mutex    sync.Mutex
	releases []release
	once     sync.Once
	timeout  time.Duration
	logger   *logrus.Entry
}

// NewCleanup creates an empty release scope. timeout bounds the whole Run.
func NewCleanup(logger *logrus.Entry, timeout time.Duration) *Cleanup {
	return &Cleanup{
		timeout: timeout,
		logger:  logger,
	}
}

// Add registers a resource to release
func (c *Cleanup) Add(name string, fn func(ctx context.Context) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.releases = append(c.releases, release{name: name, fn: fn})
}

// Run releases every registered resource, newest first. A failing release
// does not stop the others.
func (c *Cleanup) Run() error {
	var err error
	c.once.Do(func() {
		c.mutex.Lock()
		releases := c.releases
		c.releases = nil
		c.mutex.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			r := releases[i]
			if rerr := r.fn(ctx); rerr != nil {
				c.logger.WithError(rerr).Errorf("Failed to release %s", r.name)
				errs = append(errs, fmt.Errorf("%s: %w", r.name, rerr))
				continue
			}
			c.logger.Debugf("Released %s", r.name)
		}
		err = errors.Join(errs...)
	})
	return err
}
