// Package scheduler implements the schedule and queue actors: wake-driven
// state machines that execute due webhook work, apply retry and recurrence,
// and re-arm the next wake after every cycle.
package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tasque/internal/actor"
	"tasque/internal/dispatch"
	"tasque/internal/domain"
	"tasque/internal/store"
	"tasque/internal/telemetry"
)

// Queue actors are addressed by a name-derived key so every operation on one
// queue name serializes through the same actor. Schedule keys are random ids
// and never collide with the prefix.
const queueKeyPrefix = "queue:"

func queueKey(name string) string { return queueKeyPrefix + name }

type Service struct {
	store      store.Store
	rt         *actor.Runtime
	dispatcher *dispatch.Dispatcher
}

func New(st store.Store, rt *actor.Runtime, d *dispatch.Dispatcher) *Service {
	s := &Service{store: st, rt: rt, dispatcher: d}
	rt.SetHandler(s.Wake)
	return s
}

// Wake is the runtime's unaddressed wake entry point; it routes to the actor
// kind that owns the key.
func (s *Service) Wake(ctx context.Context, key string) {
	telemetry.WakesFired.Inc()
	if name, ok := strings.CutPrefix(key, queueKeyPrefix); ok {
		s.wakeQueue(ctx, name)
		return
	}
	s.wakeSchedule(ctx, key)
}

var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {},
}

func validateJobConfig(c domain.JobConfig) error {
	if c.Destination == "" {
		return domain.Validationf("destination is required")
	}
	if u, err := url.Parse(c.Destination); err != nil || u.Scheme == "" || u.Host == "" {
		return domain.Validationf("destination must be an absolute URL")
	}
	if c.Delay < 0 {
		return domain.Validationf("delay must not be negative")
	}
	if c.MaxRetries < 0 {
		return domain.Validationf("max_retries must not be negative")
	}
	if c.Method != "" {
		if _, ok := allowedMethods[strings.ToUpper(c.Method)]; !ok {
			return domain.Validationf("method %q is not allowed", c.Method)
		}
	}
	if c.Repeat != nil {
		if c.Repeat.Interval == 0 && c.Repeat.Cron == "" {
			return domain.Validationf("repeat requires interval or cron")
		}
		if c.Repeat.Interval > 0 && c.Repeat.Interval < domain.MinInterval.Milliseconds() {
			return domain.Validationf("repeat interval must be at least %d milliseconds", domain.MinInterval.Milliseconds())
		}
	}
	return nil
}

// nextFireTime computes the next recurrence strictly after from. When both an
// interval and a cron expression are present the interval wins.
func nextFireTime(r *domain.RepeatSpec, from time.Time) (time.Time, error) {
	if r.Interval > 0 {
		return from.Add(time.Duration(r.Interval) * time.Millisecond), nil
	}
	if r.Cron != "" {
		sched, err := cron.ParseStandard(r.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", r.Cron, err)
		}
		return sched.Next(from), nil
	}
	return time.Time{}, fmt.Errorf("empty repeat configuration")
}
