package scheduler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tasque/internal/dispatch"
	"tasque/internal/domain"
	"tasque/internal/telemetry"
)

// CreateQueue persists a queue config; re-creating an existing name
// overwrites it in place without touching its messages.
func (s *Service) CreateQueue(ctx context.Context, req domain.QueueRequest) (string, error) {
	if req.Name == "" {
		return "", domain.Validationf("name is required")
	}
	if req.Parallelism < 0 {
		return "", domain.Validationf("parallelism must not be negative")
	}
	typ := domain.QueueStandard
	if req.Type != "" {
		switch domain.QueueType(req.Type) {
		case domain.QueueStandard, domain.QueueFIFO:
			typ = domain.QueueType(req.Type)
		default:
			return "", domain.Validationf("type must be fifo or standard")
		}
	}
	parallelism := req.Parallelism
	if parallelism == 0 {
		parallelism = 1
	}
	err := s.rt.Do(queueKey(req.Name), func(ctx context.Context) error {
		return s.store.UpsertQueueConfig(ctx, domain.QueueConfig{
			Name:        req.Name,
			Parallelism: parallelism,
			Type:        typ,
			CreatedAt:   time.Now(),
		})
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("queue", req.Name).Int("parallelism", parallelism).Str("type", string(typ)).Msg("queue created")
	return req.Name, nil
}

// Enqueue persists a pending message for an existing queue. FIFO queues get
// the next sequence number under the queue's serialized execution; the wake
// only moves earlier, never later.
func (s *Service) Enqueue(ctx context.Context, queueName string, req domain.JobRequest) (string, error) {
	if err := validateJobConfig(req.Config); err != nil {
		return "", err
	}
	id := "msg_" + uuid.NewString()
	err := s.rt.Do(queueKey(queueName), func(ctx context.Context) error {
		cfg, err := s.store.GetQueueConfig(ctx, queueName)
		if err != nil {
			return err
		}
		now := time.Now()
		scheduleAt := now.Add(time.Duration(req.Config.Delay) * time.Millisecond)
		m := domain.QueueMessage{
			ID:          id,
			QueueName:   queueName,
			Destination: req.Config.Destination,
			Payload:     req.Payload,
			Delay:       time.Duration(req.Config.Delay) * time.Millisecond,
			MaxRetries:  req.Config.MaxRetries,
			ScheduleAt:  scheduleAt,
			Method:      normalizeMethod(req.Config.Method),
			Headers:     req.Config.Headers,
			Status:      domain.MessagePending,
			CreatedAt:   now,
		}
		if cfg.Type == domain.QueueFIFO {
			max, err := s.store.MaxSequence(ctx, queueName)
			if err != nil {
				return err
			}
			m.SequenceNumber = max + 1
		}
		if err := s.store.InsertMessage(ctx, m); err != nil {
			return err
		}
		return s.rt.ArmWakeMin(ctx, queueKey(queueName), scheduleAt)
	})
	if err != nil {
		return "", err
	}
	telemetry.MessagesEnqueued.Inc()
	log.Info().Str("queue", queueName).Str("message_id", id).Msg("message enqueued")
	return id, nil
}

// DeleteQueue removes the config and every message for the name, returning
// how many messages went with it.
func (s *Service) DeleteQueue(ctx context.Context, queueName string) (int64, error) {
	var removed int64
	err := s.rt.Do(queueKey(queueName), func(ctx context.Context) error {
		msgs, found, err := s.store.DeleteQueue(ctx, queueName)
		if err != nil {
			return err
		}
		if err := s.store.ClearState(ctx, queueKey(queueName)); err != nil {
			return err
		}
		if err := s.rt.CancelWake(ctx, queueKey(queueName)); err != nil {
			return err
		}
		if !found {
			return domain.ErrNotFound
		}
		removed = msgs
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Info().Str("queue", queueName).Int64("messages", removed).Msg("queue deleted")
	return removed, nil
}

// wakeQueue runs one batch cycle: select up to parallelism due messages,
// dispatch them concurrently, settle each one, then re-arm the wake to the
// minimum remaining pending time. A failure for one message never starves
// the rest of the batch.
func (s *Service) wakeQueue(ctx context.Context, name string) {
	cfg, err := s.store.GetQueueConfig(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		_ = s.rt.CancelWake(ctx, queueKey(name))
		return
	}
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("read queue config")
		return
	}

	limit := cfg.Parallelism
	if limit < 1 {
		limit = 1
	}
	msgs, err := s.store.DuePending(ctx, name, time.Now(), limit)
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("select due messages")
		return
	}

	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m domain.QueueMessage) {
			defer wg.Done()
			s.processMessage(ctx, m)
		}(m)
	}
	wg.Wait()

	// Wake coalescer: the single slot gets the global minimum of what's left.
	next, ok, err := s.store.NextPendingAt(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("recompute next wake")
		return
	}
	if ok {
		if err := s.rt.ArmWake(ctx, queueKey(name), next); err != nil {
			log.Error().Err(err).Str("queue", name).Msg("re-arm queue wake")
		}
	} else {
		_ = s.rt.CancelWake(ctx, queueKey(name))
	}
}

// processMessage dispatches one message and settles its row. Writes are
// guarded on status=pending so a message deleted mid-flight stays gone.
func (s *Service) processMessage(ctx context.Context, m domain.QueueMessage) {
	outcome, derr := s.dispatcher.Dispatch(ctx, m.Destination, m.Method, m.Headers, m.Payload)
	if outcome == dispatch.Success {
		if _, err := s.store.MarkMessage(ctx, m.ID, domain.MessageCompleted); err != nil {
			log.Error().Err(err).Str("message_id", m.ID).Msg("mark message completed")
		}
		return
	}
	log.Warn().Err(derr).Str("message_id", m.ID).Str("queue", m.QueueName).Msg("message dispatch failed")
	if m.Retries < m.MaxRetries {
		at := time.Now().Add(domain.MinInterval)
		if _, err := s.store.RescheduleMessage(ctx, m.ID, m.Retries+1, at); err != nil {
			log.Error().Err(err).Str("message_id", m.ID).Msg("reschedule message")
		}
		return
	}
	if _, err := s.store.MarkMessage(ctx, m.ID, domain.MessageFailed); err != nil {
		log.Error().Err(err).Str("message_id", m.ID).Msg("mark message failed")
	}
}

func normalizeMethod(method string) string {
	if method == "" {
		return http.MethodPost
	}
	return strings.ToUpper(method)
}
