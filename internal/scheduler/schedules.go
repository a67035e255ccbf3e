package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tasque/internal/dispatch"
	"tasque/internal/domain"
	"tasque/internal/telemetry"
)

// scheduleStateKey names the scratch slot holding the submitted request.
const scheduleStateKey = "schedule"

// CreateSchedule validates and persists a one-off or recurring webhook job,
// stores the request in the actor's durable scratch space, and arms the wake
// for its first fire time.
func (s *Service) CreateSchedule(ctx context.Context, req domain.JobRequest) (string, error) {
	if err := validateJobConfig(req.Config); err != nil {
		return "", err
	}
	id := "sch_" + uuid.NewString()
	err := s.rt.Do(id, func(ctx context.Context) error {
		now := time.Now()
		scheduleAt := now.Add(time.Duration(req.Config.Delay) * time.Millisecond)
		sc := domain.Schedule{
			ID:          id,
			Destination: req.Config.Destination,
			Payload:     req.Payload,
			Delay:       time.Duration(req.Config.Delay) * time.Millisecond,
			MaxRetries:  req.Config.MaxRetries,
			ScheduleAt:  scheduleAt,
			Status:      domain.ScheduleScheduled,
			CreatedAt:   now,
		}
		if req.Config.Repeat != nil {
			sc.RepeatInterval = time.Duration(req.Config.Repeat.Interval) * time.Millisecond
			sc.RepeatCron = req.Config.Repeat.Cron
		}
		if err := s.store.InsertSchedule(ctx, sc); err != nil {
			return err
		}
		raw, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := s.store.PutState(ctx, id, scheduleStateKey, raw); err != nil {
			return err
		}
		return s.rt.ArmWake(ctx, id, scheduleAt)
	})
	if err != nil {
		return "", err
	}
	telemetry.SchedulesCreated.Inc()
	log.Info().Str("schedule_id", id).Str("destination", req.Config.Destination).Msg("schedule created")
	return id, nil
}

// GetSchedule returns the persisted row verbatim, with no side effects.
func (s *Service) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	var sc domain.Schedule
	err := s.rt.Do(id, func(ctx context.Context) error {
		var err error
		sc, err = s.store.GetSchedule(ctx, id)
		return err
	})
	return sc, err
}

// DeleteSchedule removes the row, scratch storage, and armed wake. Deleting
// an absent schedule reports ErrNotFound after clearing, so the operation is
// idempotent.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	return s.rt.Do(id, func(ctx context.Context) error {
		found, err := s.store.DeleteSchedule(ctx, id)
		if err != nil {
			return err
		}
		if err := s.store.ClearState(ctx, id); err != nil {
			return err
		}
		if err := s.rt.CancelWake(ctx, id); err != nil {
			return err
		}
		if !found {
			return domain.ErrNotFound
		}
		log.Info().Str("schedule_id", id).Msg("schedule deleted")
		return nil
	})
}

// wakeSchedule executes one dispatch cycle for a due schedule. Runs with
// exclusive access to the key.
func (s *Service) wakeSchedule(ctx context.Context, id string) {
	raw, ok, err := s.store.GetState(ctx, id, scheduleStateKey)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("read schedule state")
		return
	}
	if !ok {
		// Deleted or terminal; drop the stale wake.
		_ = s.rt.CancelWake(ctx, id)
		return
	}
	var req domain.JobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("corrupt schedule state")
		s.retrySchedule(ctx, id)
		return
	}

	// Schedules always POST their payload as JSON.
	outcome, derr := s.dispatcher.Dispatch(ctx, req.Config.Destination, http.MethodPost, nil, req.Payload)
	if outcome != dispatch.Success {
		log.Warn().Err(derr).Str("schedule_id", id).Msg("schedule dispatch failed")
		s.retrySchedule(ctx, id)
		return
	}

	if req.Config.Repeat == nil {
		s.finishSchedule(ctx, id, domain.ScheduleCompleted)
		return
	}

	next, err := nextFireTime(req.Config.Repeat, time.Now())
	if err != nil {
		// A cron expression that fails to parse takes the dispatch-failure
		// path rather than wedging the schedule.
		log.Warn().Err(err).Str("schedule_id", id).Msg("recurrence computation failed")
		s.retrySchedule(ctx, id)
		return
	}
	updated, err := s.store.RescheduleSchedule(ctx, id, 0, next)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("reschedule recurrence")
		return
	}
	if !updated {
		// Row vanished while dispatching; don't resurrect it.
		_ = s.store.ClearState(ctx, id)
		_ = s.rt.CancelWake(ctx, id)
		return
	}
	if err := s.rt.ArmWake(ctx, id, next); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("arm recurrence wake")
		return
	}
	log.Info().Str("schedule_id", id).Time("next", next).Msg("schedule recurred")
}

// retrySchedule re-derives truth from the row and either re-arms a retry
// after the fixed backoff floor or marks the schedule failed.
func (s *Service) retrySchedule(ctx context.Context, id string) {
	sc, err := s.store.GetSchedule(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		_ = s.store.ClearState(ctx, id)
		_ = s.rt.CancelWake(ctx, id)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("read schedule row")
		return
	}
	if sc.Retries < sc.MaxRetries {
		at := time.Now().Add(domain.MinInterval)
		updated, err := s.store.RescheduleSchedule(ctx, id, sc.Retries+1, at)
		if err != nil || !updated {
			log.Error().Err(err).Str("schedule_id", id).Msg("reschedule retry")
			return
		}
		if err := s.rt.ArmWake(ctx, id, at); err != nil {
			log.Error().Err(err).Str("schedule_id", id).Msg("arm retry wake")
		}
		return
	}
	s.finishSchedule(ctx, id, domain.ScheduleFailed)
}

// finishSchedule enters a terminal state: scratch cleared, wake cancelled.
func (s *Service) finishSchedule(ctx context.Context, id string, status domain.ScheduleStatus) {
	if _, err := s.store.MarkSchedule(ctx, id, status); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("mark schedule")
		return
	}
	if err := s.store.ClearState(ctx, id); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("clear schedule state")
	}
	_ = s.rt.CancelWake(ctx, id)
	log.Info().Str("schedule_id", id).Str("status", string(status)).Msg("schedule finished")
}
