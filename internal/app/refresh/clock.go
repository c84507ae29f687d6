package refresh

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultBoundaries fire at each daypart's default time, so instances
// move between "due now" and "later" without a manual reload.
var DefaultBoundaries = []string{"0 8 * * *", "0 12 * * *", "0 18 * * *"}

// DefaultRollover fires at midnight, when "today" changes.
const DefaultRollover = "0 0 * * *"

// Clock publishes time-driven refresh signals on a cron schedule.
type Clock struct {
	hub        *Hub
	cron       *cron.Cron
	boundaries []string
	rollover   string
}

// NewClock creates a clock publishing to hub in loc. Empty schedules fall
// back to the defaults.
func NewClock(hub *Hub, loc *time.Location, boundaries []string, rollover string) *Clock {
	if loc == nil {
		loc = time.Local
	}
	if len(boundaries) == 0 {
		boundaries = DefaultBoundaries
	}
	if rollover == "" {
		rollover = DefaultRollover
	}
	return &Clock{
		hub:        hub,
		cron:       cron.New(cron.WithLocation(loc)),
		boundaries: boundaries,
		rollover:   rollover,
	}
}

// Start registers the schedules and starts the scheduler.
func (c *Clock) Start() error {
	for _, spec := range c.boundaries {
		if _, err := c.cron.AddFunc(spec, c.fire(ReasonDaypartBoundary)); err != nil {
			return fmt.Errorf("schedule daypart boundary %q: %w", spec, err)
		}
	}
	if _, err := c.cron.AddFunc(c.rollover, c.fire(ReasonDayRollover)); err != nil {
		return fmt.Errorf("schedule day rollover %q: %w", c.rollover, err)
	}
	c.cron.Start()
	log.Printf("[refresh] clock started: %d boundaries, rollover %q", len(c.boundaries), c.rollover)
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (c *Clock) Stop() {
	<-c.cron.Stop().Done()
	log.Printf("[refresh] clock stopped")
}

// Entries returns the number of registered schedules.
func (c *Clock) Entries() int {
	return len(c.cron.Entries())
}

func (c *Clock) fire(reason Reason) func() {
	return func() {
		c.hub.Publish(Signal{Reason: reason})
	}
}

// ValidateSpec reports whether spec is a valid five-field cron expression.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}
