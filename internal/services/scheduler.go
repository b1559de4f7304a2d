package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler owns the background jobs: the expiration sweep every minute and
// the idempotency cache purge every hour. The sweep is a safety net for
// customers who stop reading their activation list.
type Scheduler struct {
	activations *ActivationService
	idempotency *IdempotencyManager
	sched       gocron.Scheduler
}

func NewScheduler(activations *ActivationService, idempotency *IdempotencyManager) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		activations: activations,
		idempotency: idempotency,
		sched:       sched,
	}, nil
}

func (s *Scheduler) Start() error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
			defer cancel()
			if err := s.activations.SweepAll(ctx); err != nil {
				log.Printf("[Scheduler] Expiration sweep failed: %v", err)
			}
		}),
	)
	if err != nil {
		return err
	}

	_, err = s.sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.idempotency.PurgeExpired(ctx)
		}),
	)
	if err != nil {
		return err
	}

	s.sched.Start()
	log.Println("[Scheduler] Background jobs started")
	return nil
}

func (s *Scheduler) Stop() {
	if err := s.sched.Shutdown(); err != nil {
		log.Printf("[Scheduler] Shutdown error: %v", err)
	}
}
